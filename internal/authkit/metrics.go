package authkit

import "sync"

// Auth event names recorded by the identity endpoints.
const (
	MetricSignUpSuccess  = "auth.signup.success"
	MetricSignUpFailure  = "auth.signup.failure"
	MetricSignInSuccess  = "auth.signin.success"
	MetricSignInFailure  = "auth.signin.failure"
	MetricRefreshSuccess = "auth.refresh.success"
	MetricRefreshFailure = "auth.refresh.failure"
	MetricLogout         = "auth.logout"
	MetricGoogleSuccess  = "auth.google.success"
	MetricGoogleFailure  = "auth.google.failure"
	MetricRateLimited    = "auth.rate_limited"
	MetricAPIKeyRejected = "auth.api_key.rejected"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

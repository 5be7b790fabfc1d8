package authkit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 5 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles requests per client IP. Idle entries are pruned on access.
type RateLimiter struct {
	mutex     sync.Mutex
	limiters  map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastPrune time.Time
}

// NewRateLimiter allows perSecond requests per client with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether the client may proceed now.
func (limiter *RateLimiter) Allow(clientKey string) bool {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	now := limiter.now()
	if now.Sub(limiter.lastPrune) > limiterIdleTTL {
		for key, entry := range limiter.limiters {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(limiter.limiters, key)
			}
		}
		limiter.lastPrune = now
	}
	entry, ok := limiter.limiters[clientKey]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(limiter.limit, limiter.burst)}
		limiter.limiters[clientKey] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Middleware answers 429 once a client exceeds its budget.
func (limiter *RateLimiter) Middleware(metrics MetricsRecorder) gin.HandlerFunc {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return func(contextGin *gin.Context) {
		if !limiter.Allow(contextGin.ClientIP()) {
			metrics.Increment(MetricRateLimited)
			retryAfter := 1
			if limiter.limit > 0 && limiter.limit < 1 {
				retryAfter = int(1 / float64(limiter.limit))
			}
			contextGin.Header("Retry-After", strconv.Itoa(retryAfter))
			contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		contextGin.Next()
	}
}

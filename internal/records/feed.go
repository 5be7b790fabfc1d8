package records

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Operation is the kind of row change.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Change announces one committed row write.
type Change struct {
	Table     string    `json:"table"`
	Operation Operation `json:"op"`
	RowID     string    `json:"row_id"`
	DoctorID  string    `json:"doctor_id,omitempty"`
	At        time.Time `json:"at"`
}

// ChangeFilter selects changes by table, row, or owning doctor. Empty fields match anything.
type ChangeFilter struct {
	Table    string
	RowID    string
	DoctorID string
}

// Matches reports whether change passes the filter.
func (filter ChangeFilter) Matches(change Change) bool {
	if filter.Table != "" && filter.Table != change.Table {
		return false
	}
	if filter.RowID != "" && filter.RowID != change.RowID {
		return false
	}
	if filter.DoctorID != "" && filter.DoctorID != change.DoctorID {
		return false
	}
	return true
}

// Publisher announces changes.
type Publisher interface {
	Publish(ctx context.Context, change Change) error
}

// ChangeFeed fans changes out to local subscribers. Run drives any remote
// transport until ctx is cancelled.
type ChangeFeed interface {
	Publisher
	Subscribe(filter ChangeFilter, handler func(Change)) (release func())
	Run(ctx context.Context) error
}

type subscriber struct {
	filter  ChangeFilter
	handler func(Change)
}

// Hub delivers changes to in-process subscribers. Handlers run on the
// publishing goroutine and must not block.
type Hub struct {
	mutex       sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[uint64]subscriber)}
}

// Subscribe registers handler for changes matching filter.
func (hub *Hub) Subscribe(filter ChangeFilter, handler func(Change)) func() {
	hub.mutex.Lock()
	hub.nextID++
	subscriberID := hub.nextID
	hub.subscribers[subscriberID] = subscriber{filter: filter, handler: handler}
	hub.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			hub.mutex.Lock()
			delete(hub.subscribers, subscriberID)
			hub.mutex.Unlock()
		})
	}
}

// Deliver hands change to every matching subscriber.
func (hub *Hub) Deliver(change Change) {
	hub.mutex.RLock()
	matching := make([]func(Change), 0, len(hub.subscribers))
	for _, entry := range hub.subscribers {
		if entry.filter.Matches(change) {
			matching = append(matching, entry.handler)
		}
	}
	hub.mutex.RUnlock()
	for _, handler := range matching {
		handler(change)
	}
}

// MemoryFeed is a single-process change feed.
type MemoryFeed struct {
	*Hub
}

// NewMemoryFeed constructs an in-process feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{Hub: NewHub()}
}

// Publish delivers change to local subscribers.
func (feed *MemoryFeed) Publish(ctx context.Context, change Change) error {
	feed.Deliver(change)
	return nil
}

// Run blocks until ctx is done.
func (feed *MemoryFeed) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func encodeChange(change Change) (string, error) {
	payload, err := json.Marshal(change)
	if err != nil {
		return "", fmt.Errorf("records.change.encode: %w", err)
	}
	return string(payload), nil
}

func decodeChange(payload string) (Change, error) {
	var change Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return Change{}, fmt.Errorf("records.change.decode: %w", err)
	}
	if change.Table == "" || change.Operation == "" {
		return Change{}, fmt.Errorf("records.change.decode: incomplete change: %w", ErrInvalid)
	}
	return change, nil
}

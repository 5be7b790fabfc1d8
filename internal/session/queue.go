package session

import (
	"context"
	"sync"

	"github.com/tyemirov/clinicdesk/internal/records"
)

type eventKind int

const (
	eventInitialize eventKind = iota
	eventSessionChange
	eventProfileChange
	eventRefresh
	eventBarrier
)

type event struct {
	kind      eventKind
	change    Change
	rowChange records.Change
	subjectID string
	done      chan struct{}
}

// eventQueue is an unbounded FIFO. Push never blocks, so callbacks may enqueue
// from any goroutine, including the loop itself.
type eventQueue struct {
	mutex sync.Mutex
	items []event
	ready chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (queue *eventQueue) push(item event) {
	queue.mutex.Lock()
	queue.items = append(queue.items, item)
	queue.mutex.Unlock()
	select {
	case queue.ready <- struct{}{}:
	default:
	}
}

func (queue *eventQueue) pop(ctx context.Context) (event, bool) {
	for {
		queue.mutex.Lock()
		if len(queue.items) > 0 {
			item := queue.items[0]
			queue.items[0] = event{}
			queue.items = queue.items[1:]
			queue.mutex.Unlock()
			return item, true
		}
		queue.mutex.Unlock()

		select {
		case <-queue.ready:
		case <-ctx.Done():
			return event{}, false
		}
	}
}

// reset discards every queued event.
func (queue *eventQueue) reset() {
	queue.mutex.Lock()
	queue.items = nil
	queue.mutex.Unlock()
}

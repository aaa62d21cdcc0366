// Package executor implements the plan execution engine: the state
// machine, DAG builder/reshaper, phase executor, job engine, and the
// plan runner/scheduler that ties them together.
//
// The execution flow is:
//
//	PlanSpec -> Builder -> PlanInstance -> Runner (pump) -> Engine -> Executor
package executor

import (
	"sync"
	"time"

	"github.com/harrison/conductor/internal/models"
)

// EventKind names one of the event types the Runner/state machine emit.
type EventKind string

const (
	EventPlanRegistered EventKind = "planRegistered"
	EventPlanStarted    EventKind = "planStarted"
	EventPlanCompleted  EventKind = "planCompleted"
	EventPlanPaused     EventKind = "planPaused"
	EventPlanResumed    EventKind = "planResumed"
	EventPlanDeleted    EventKind = "planDeleted"
	EventNodeStarted    EventKind = "nodeStarted"
	EventNodeCompleted  EventKind = "nodeCompleted"
	EventNodeTransition EventKind = "nodeTransition"
	EventNodeRetry      EventKind = "nodeRetry"
)

// Event is a single notification published on the Bus.
type Event struct {
	Kind      EventKind
	PlanID    string
	NodeID    string
	From      models.NodeStatus
	To        models.NodeStatus
	Reason    string
	Success   bool
	Timestamp time.Time
}

// Bus is a typed publish/subscribe event bus. Delivery to any one
// subscriber is synchronous and ordered; delivery across subscribers is
// asynchronous with respect to each other (spec.md section 9).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is buffered; a slow subscriber does
// not block publication to other subscribers.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 256)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// Publish delivers ev to every current subscriber. Each subscriber's
// channel receives events in the order Publish was called; subscribers
// are notified concurrently with respect to one another.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Best-effort delivery: a full subscriber buffer drops the event
			// rather than blocking the publishing goroutine.
		}
	}
}

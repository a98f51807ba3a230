package engine

import (
	"fmt"
	"sync"

	"github.com/roach88/procflow/internal/instance"
	"github.com/roach88/procflow/internal/ir"
)

// EventType distinguishes the external triggers a Runner applies.
type EventType int

const (
	// EventAdvance completes a node and walks its successors.
	EventAdvance EventType = iota + 1
	// EventDeliver completes an activity with results.
	EventDeliver
	// EventAcknowledge marks a sent activity acknowledged.
	EventAcknowledge
	// EventFail records a reported failure.
	EventFail
	// EventRetry re-runs a failed node.
	EventRetry
	// EventSkip skips a stuck node.
	EventSkip
	// EventCancelNode cancels one node.
	EventCancelNode
	// EventCancelInstance cancels a whole process instance.
	EventCancelInstance
)

var eventTypeNames = map[EventType]string{
	EventAdvance:        "advance",
	EventDeliver:        "deliver",
	EventAcknowledge:    "acknowledge",
	EventFail:           "fail",
	EventRetry:          "retry",
	EventSkip:           "skip",
	EventCancelNode:     "cancel-node",
	EventCancelInstance: "cancel-instance",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// ParseEventType parses an event type name as printed by String.
func ParseEventType(s string) (EventType, error) {
	for t, name := range eventTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

// Event is one trigger for the engine. Node is used by every type except
// EventCancelInstance, which uses Instance.
type Event struct {
	Type      EventType
	Node      ir.Handle[instance.NodeInstance]
	Instance  ir.Handle[instance.ProcessInstance]
	Results   ir.Object
	Cause     instance.Failure
	Retryable bool
}

// eventQueue is an unbounded FIFO safe for concurrent producers and
// consumers. Producers never block.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends e. Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)
	q.notify()
	return true
}

// notify wakes one waiter. Callers hold mu.
func (q *eventQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryDequeue pops the front event without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}
	e := q.events[0]
	q.events[0] = Event{} // release Results for GC
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	// More work left: pass the wakeup on to another worker.
	if len(q.events) > 0 && !q.closed {
		q.notify()
	}
	return e, true
}

// Wait returns a channel that fires when events may be available. It is
// closed once the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Drained reports whether the queue is closed and empty.
func (q *eventQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.events) == 0
}

// Len returns the number of queued events.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops further enqueues and wakes every waiter.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

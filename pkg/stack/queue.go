package stack

import "sync"

// Queue is an unbounded FIFO of events, meant to decouple a network
// reader from the goroutine passing events up a `Stack`. Pushing never
// blocks, so that a sender cannot be stalled by a slow receiver.
type Queue struct {
	lk     sync.Mutex
	events []Event
	closed bool
	// ready has a pending signal whenever events is not empty.
	ready chan struct{}
}

func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends ev, and returns false if the queue is closed.
func (q *Queue) Push(ev Event) bool {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, ev)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signaled when events may be drained.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Drain takes every queued event.
func (q *Queue) Drain() []Event {
	q.lk.Lock()
	defer q.lk.Unlock()
	events := q.events
	q.events = nil
	return events
}

// Pop takes the oldest event. Ready stays signaled while events remain,
// so that concurrent consumers are not starved.
func (q *Queue) Pop() (Event, bool) {
	q.lk.Lock()
	defer q.lk.Unlock()
	if len(q.events) == 0 {
		return Event{}, false
	}
	ev := q.events[0]
	q.events[0] = Event{}
	q.events = q.events[1:]
	if len(q.events) > 0 {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return ev, true
}

func (q *Queue) Len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.events)
}

// Close discards the queued events and rejects the next ones.
func (q *Queue) Close() {
	q.lk.Lock()
	defer q.lk.Unlock()
	q.closed = true
	q.events = nil
}

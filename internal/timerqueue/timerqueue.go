// Package timerqueue implements the time-ordered event queue that
// internal/tcp schedules its retransmission/persist/keepalive/TimeWait
// timers against. ARP retransmit/idle-decay, IPv4 reassembly expiry
// and NAT session expiry do not use it. The queue, drained by the
// cooperative scheduler, gives TCP ordered, deterministic timer
// dispatch instead of N independent goroutine timers racing for the
// lock.
//
// This is a direct generalization of the teacher's
// client/doublezerod/internal/liveness EventQueue (a heap.Interface
// min-heap of {when, session} events draining under a mutex): the
// heap and locking discipline are unchanged, only the payload is
// generalized from *Session to an opaque callback, and the queue
// reads no clock itself: callers pass now to PopIfDue and RunOnce, so
// tests can advance virtual time instead of sleeping.
package timerqueue

import (
	"container/heap"
	"sync"
	"time"
)

// Event is a scheduled callback. Fire is invoked by the scheduler loop
// when the event is due; it must not block and must not itself call
// back into the queue's Run goroutine synchronously if it also wants
// to push new events (pushing is safe — Push takes its own lock).
type Event struct {
	When time.Time
	Fire func(now time.Time)
	seq  uint64
	// Canceled is checked by the scheduler immediately before Fire
	// runs, so a canceled event that is still sitting in the heap
	// (cancellation does not search-and-remove) is skipped cheaply.
	canceled bool
	mu       sync.Mutex
}

// Cancel marks the event so it is skipped when it comes due. Safe to
// call from any goroutine; the event stays in the heap until popped.
func (e *Event) Cancel() {
	e.mu.Lock()
	e.canceled = true
	e.mu.Unlock()
}

func (e *Event) isCanceled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canceled
}

type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].When.Equal(h[j].When) {
		return h[i].seq < h[j].seq
	}
	return h[i].When.Before(h[j].When)
}
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)         { *h = append(*h, x.(*Event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Queue is a thread-safe min-heap of scheduled events.
type Queue struct {
	mu  sync.Mutex
	pq  eventHeap
	seq uint64
}

// New constructs an empty Queue.
func New() *Queue {
	h := eventHeap{}
	heap.Init(&h)
	return &Queue{pq: h}
}

// Schedule enqueues fire to run at when and returns the Event handle
// (for cancellation).
func (q *Queue) Schedule(when time.Time, fire func(now time.Time)) *Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	e := &Event{When: when, Fire: fire, seq: q.seq}
	heap.Push(&q.pq, e)
	return e
}

// PopIfDue pops and returns the earliest event if its time has come,
// or returns nil and the duration to wait for the next one (10ms if
// the queue is empty, matching the teacher's scheduler poll floor).
func (q *Queue) PopIfDue(now time.Time) (*Event, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pq.Len() == 0 {
		return nil, 10 * time.Millisecond
	}
	next := q.pq[0]
	if d := next.When.Sub(now); d > 0 {
		return nil, d
	}
	return heap.Pop(&q.pq).(*Event), 0
}

// Len returns the number of events still queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Len()
}

// RunOnce drains every event currently due, firing each unless
// canceled. It is the unit of work the stack's single scheduler
// goroutine performs per wake: internal/stack calls it, through
// tcp.Stack.RunScheduler, on every tick of a fixed-interval ticker, and
// the wait duration PopIfDue returns is not used.
func (q *Queue) RunOnce(now time.Time) (fired int) {
	for {
		ev, wait := q.PopIfDue(now)
		if ev == nil {
			_ = wait
			return fired
		}
		if !ev.isCanceled() {
			ev.Fire(now)
			fired++
		}
	}
}

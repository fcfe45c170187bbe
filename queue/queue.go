package queue

import (
	"sync"

	eapacheq "github.com/eapache/queue"
)

// Queue is a generic mutex-guarded FIFO backed by eapache/queue's
// ring-buffer Queue. It backs the SelectorProcessor's server-add,
// server-remove, session-connect, session-close, flush, and reconfig
// intake queues, all of which need the same multi-producer/single-
// consumer FIFO discipline. WriteQueue does not use it; it wraps its
// own eapache/queue instance.
type Queue[T any] struct {
	mu sync.Mutex
	q  *eapacheq.Queue
}

// NewQueue creates an empty generic Queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{q: eapacheq.New()}
}

// Offer appends v to the tail.
func (q *Queue[T]) Offer(v T) {
	q.mu.Lock()
	q.q.Add(v)
	q.mu.Unlock()
}

// Drain removes and returns every currently queued item, in FIFO order,
// in a single critical section — the shape every intake queue consumer
// needs at the top of a worker loop iteration.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.q.Length()
	if n == 0 {
		return nil
	}
	out := make([]T, 0, n)
	for q.q.Length() > 0 {
		out = append(out, q.q.Remove().(T))
	}
	return out
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.q.Length()
}

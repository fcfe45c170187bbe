// Package queue implements the per-session FIFO of pending outbound
// WriteRequests. It is built on github.com/eapache/queue's ring-buffer
// Queue.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package queue

import (
	"sync"

	eapacheq "github.com/eapache/queue"

	"github.com/momentics/hioload-io/buffer"
	"github.com/momentics/hioload-io/future"
)

// WriteRequest pairs an outgoing payload with the WriteFuture that
// observes its completion. Created by Session.Write, destroyed when
// fully written (future completed success) or when the session closes
// (future completed failure).
type WriteRequest struct {
	Message any // the original message, for messageSent delivery
	Payload *buffer.Buffer
	Future  *future.WriteFuture
}

// WriteQueue is a FIFO of WriteRequest. Producers (any goroutine calling
// Session.Write) append under a mutex; the single consumer is the
// owning SelectorProcessor's worker goroutine draining on writability.
// This keeps the queue safe under concurrent producers with a single
// consumer by making the
// producer side mutex-guarded rather than lock-free — eapache/queue
// itself carries no internal synchronization.
type WriteQueue struct {
	mu sync.Mutex
	q  *eapacheq.Queue
}

// New creates an empty WriteQueue.
func New() *WriteQueue {
	return &WriteQueue{q: eapacheq.New()}
}

// Offer appends req to the tail.
func (w *WriteQueue) Offer(req *WriteRequest) {
	w.mu.Lock()
	w.q.Add(req)
	w.mu.Unlock()
}

// Peek returns the head request without removing it, or nil if empty.
func (w *WriteQueue) Peek() *WriteRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.q.Length() == 0 {
		return nil
	}
	return w.q.Peek().(*WriteRequest)
}

// Remove drops the head request. No-op if empty.
func (w *WriteQueue) Remove() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.q.Length() > 0 {
		w.q.Remove()
	}
}

// IsEmpty reports whether the queue has no pending requests.
func (w *WriteQueue) IsEmpty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.q.Length() == 0
}

// Len reports the number of pending requests.
func (w *WriteQueue) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.q.Length()
}

// Drain removes every pending request and fails each of their futures
// with cause. Used when a session closes with undelivered writes, so no
// WriteFuture is left unobservable.
func (w *WriteQueue) Drain(cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.q.Length() > 0 {
		req := w.q.Remove().(*WriteRequest)
		req.Future.Fail(cause)
	}
}

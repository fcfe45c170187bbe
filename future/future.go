// Package future implements the one-shot completion latches used for
// connect, write, and close operations: Await/AwaitTimeout, IsDone,
// success predicates, and Cause.
//
// Each latch is a done-channel guarded by sync.Once, giving a typed
// completion signal (connect succeeded/failed, write flushed, session
// closed) that callers can poll, block on, or wait on with a timeout.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package future

import (
	"sync"
	"time"
)

// Future is the common one-shot completion latch. success reports
// whether the operation that owns this future completed without error;
// cause holds the failure reason when success is false.
type Future struct {
	mu      sync.Mutex
	done    chan struct{}
	once    sync.Once
	success bool
	cause   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// complete finalizes the future exactly once; later calls are no-ops so
// that, e.g., a close race between "drained" and "session closed" can't
// double-complete a WriteFuture.
func (f *Future) complete(success bool, cause error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.success = success
		f.cause = cause
		f.mu.Unlock()
		close(f.done)
	})
}

// IsDone reports whether the future has completed.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the future completes.
func (f *Future) Await() {
	<-f.done
}

// AwaitTimeout blocks until the future completes or the timeout
// elapses; returns true iff it completed in time.
func (f *Future) AwaitTimeout(timeout time.Duration) bool {
	select {
	case <-f.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Cause returns the failure reason, or nil on success or if not done.
func (f *Future) Cause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cause
}

// IsSuccess reports whether the future completed successfully. False if
// still pending.
func (f *Future) IsSuccess() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.success
}

// ConnectFuture completes when a connect attempt resolves.
type ConnectFuture struct{ Future }

// NewConnectFuture creates a pending ConnectFuture.
func NewConnectFuture() *ConnectFuture { return &ConnectFuture{Future: *newFuture()} }

// Succeed completes the future successfully.
func (f *ConnectFuture) Succeed() { f.complete(true, nil) }

// Fail completes the future with cause.
func (f *ConnectFuture) Fail(cause error) { f.complete(false, cause) }

// WriteFuture completes when a WriteRequest is fully drained or the
// session closes before it is.
type WriteFuture struct{ Future }

// NewWriteFuture creates a pending WriteFuture.
func NewWriteFuture() *WriteFuture { return &WriteFuture{Future: *newFuture()} }

// IsWritten is an alias for IsSuccess, read more naturally at call sites.
func (f *WriteFuture) IsWritten() bool { return f.IsSuccess() }

// Succeed completes the future successfully.
func (f *WriteFuture) Succeed() { f.complete(true, nil) }

// Fail completes the future with cause.
func (f *WriteFuture) Fail(cause error) { f.complete(false, cause) }

// CloseFuture completes once a session's close has fully taken effect:
// immediate close completes right away, graceful close completes after
// the write queue drains.
type CloseFuture struct{ Future }

// NewCloseFuture creates a pending CloseFuture.
func NewCloseFuture() *CloseFuture { return &CloseFuture{Future: *newFuture()} }

// IsClosed is an alias for IsSuccess, read more naturally at call sites.
func (f *CloseFuture) IsClosed() bool { return f.IsSuccess() }

// Succeed completes the future successfully.
func (f *CloseFuture) Succeed() { f.complete(true, nil) }

// Fail completes the future with cause.
func (f *CloseFuture) Fail(cause error) { f.complete(false, cause) }

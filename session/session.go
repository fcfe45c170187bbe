// Package session implements the per-connection Session: identity,
// endpoint, attributes, write queue, close/connect futures, idle
// timers, and the handle-based back-references to its owning
// SelectorProcessor and Service that carry lookup capability only, not
// lifetime, avoiding reference cycles across packages.
//
// Identity and cancellation follow the usual sessionImpl shape (a
// numeric id, a sync.Once-guarded close path) extended to the full
// I/O session lifecycle: connect/close futures, an attached decoder,
// and idle-timer bookkeeping alongside the plain cancellation signal.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/momentics/hioload-io/api"
	"github.com/momentics/hioload-io/buffer"
	"github.com/momentics/hioload-io/future"
	"github.com/momentics/hioload-io/queue"
)

// ProcessorHandle is the lookup-only capability a Session holds on its
// owning SelectorProcessor: enough to ask for a flush or a close, never
// enough to outlive or directly manipulate the processor's selector.
type ProcessorHandle interface {
	Flush(s *Session)
	EnqueueClose(s *Session)
}

// ServiceHandle is the lookup-only capability a Session holds on its
// owning Service: enough to reach the configured IoHandler and to be
// removed from the managed-sessions map on close.
type ServiceHandle interface {
	Handler() IoHandler
	RemoveSession(id uint64)
}

// Pipeline is the FilterChain capability a Session drives on every
// lifecycle and I/O event. Implemented by filter.Chain; modeled as an
// interface here so session does not import filter (filter imports
// session instead, to avoid an import cycle).
type Pipeline interface {
	FireSessionCreated(s *Session)
	FireSessionOpened(s *Session)
	FireSessionClosed(s *Session)
	FireSessionIdle(s *Session, kind api.IdleKind)
	FireMessageReceived(s *Session, msg any)
	FireMessageSent(s *Session, msg any)
	FireExceptionCaught(s *Session, cause error)
	// FilterWrite runs the outbound chain (encoder last) and returns the
	// wire bytes to enqueue.
	FilterWrite(s *Session, msg any) ([]byte, error)
}

// IoHandler is the seven-event user callback surface.
type IoHandler interface {
	SessionCreated(s *Session)
	SessionOpened(s *Session)
	SessionClosed(s *Session)
	SessionIdle(s *Session, kind api.IdleKind)
	MessageReceived(s *Session, msg any)
	MessageSent(s *Session, msg any)
	ExceptionCaught(s *Session, cause error)
}

var nextID atomic.Uint64

// Session is per-connection state. A Session is owned by exactly one
// SelectorProcessor for its entire life; fields
// mutated only by that processor's worker goroutine are left
// unsynchronized, and are documented as such below.
type Session struct {
	id            uint64
	correlationID uuid.UUID

	RemoteAddr net.Addr
	LocalAddr  net.Addr

	conn net.Conn // raw socket; worker-goroutine-only access

	service   ServiceHandle
	processor ProcessorHandle
	pipeline  Pipeline

	attrs *Attributes

	writeQueue *queue.WriteQueue

	// connected/closing are read from arbitrary caller goroutines via
	// Write/Close, so they are atomics. connected is only ever set by
	// the owning worker; closing is set by Close from any goroutine.
	connected atomic.Bool
	closing   atomic.Bool

	closeOnce     sync.Once
	closeFuture   *future.CloseFuture
	closeEnqueued atomic.Bool
	closeImmed    atomic.Bool
	torndown      atomic.Bool

	connectFuture *future.ConnectFuture // nil for accepted (server-side) sessions

	// Worker-goroutine-only fields: idle bookkeeping and decoder
	// attachment. Never touched off the owning processor's thread.
	lastRead  time.Time
	lastWrite time.Time
	idleDur   [3]time.Duration
	idleFired [3]bool

	decoder any // attached DecodingStateMachine, type-erased to avoid an import cycle with codec
}

// New allocates a Session for a freshly accepted or connected socket.
// It does not register with any selector; the caller (SelectorProcessor)
// does that and fires SessionCreated before SessionOpened.
func New(conn net.Conn, svc ServiceHandle, proc ProcessorHandle, pipeline Pipeline) *Session {
	now := time.Now()
	return &Session{
		id:            nextID.Add(1),
		correlationID: uuid.New(),
		conn:          conn,
		RemoteAddr:    conn.RemoteAddr(),
		LocalAddr:     conn.LocalAddr(),
		service:       svc,
		processor:     proc,
		pipeline:      pipeline,
		attrs:         NewAttributes(),
		writeQueue:    queue.New(),
		closeFuture:   future.NewCloseFuture(),
		lastRead:      now,
		lastWrite:     now,
	}
}

// ID returns the process-wide unique session id.
func (s *Session) ID() uint64 { return s.id }

// CorrelationID returns the session's UUID, a supplemented typed
// identity alongside the numeric id, useful for cross-referencing a
// session in logs independent of process restarts.
func (s *Session) CorrelationID() uuid.UUID { return s.correlationID }

// Conn exposes the raw net.Conn; only the owning processor's worker may
// call Read/Write/Close on it.
func (s *Session) Conn() net.Conn { return s.conn }

// Attributes returns the concurrent attribute map.
func (s *Session) Attributes() *Attributes { return s.attrs }

// WriteQueue returns the session's write queue; used only by the owning
// processor's worker and by Write below.
func (s *Session) WriteQueue() *queue.WriteQueue { return s.writeQueue }

// SetIdleThreshold configures the idle timeout for one IdleKind; zero
// disables that idle kind. Called before the session is registered or,
// racily-but-harmlessly, after (it only affects the next idle check on
// the owning worker's thread).
func (s *Session) SetIdleThreshold(kind api.IdleKind, d time.Duration) {
	s.idleDur[kind] = d
}

// MarkConnected transitions the session to connected; called by the
// owning processor's worker once registration with the selector
// succeeds, immediately before firing SessionOpened.
func (s *Session) MarkConnected() { s.connected.Store(true) }

// IsConnected reports whether the session has completed registration.
func (s *Session) IsConnected() bool { return s.connected.Load() }

// IsClosing reports whether Close has been called (idempotently true
// from the first call onward).
func (s *Session) IsClosing() bool { return s.closing.Load() }

// MarkRead records read activity and clears the reader/both idle-fired
// flags so they can fire again after the next idle period. Called only
// by the owning worker.
func (s *Session) MarkRead(now time.Time) {
	s.lastRead = now
	s.idleFired[api.IdleReader] = false
	s.idleFired[api.IdleBoth] = false
}

// MarkWrite records write activity and clears the writer/both
// idle-fired flags. Called only by the owning worker.
func (s *Session) MarkWrite(now time.Time) {
	s.lastWrite = now
	s.idleFired[api.IdleWriter] = false
	s.idleFired[api.IdleBoth] = false
}

// CheckIdle evaluates all three idle kinds against now and returns the
// kinds that just transitioned into idle; each kind
// fires at most once per idle period until the corresponding Mark*
// resets it. Called only by the owning worker.
func (s *Session) CheckIdle(now time.Time) []api.IdleKind {
	var fired []api.IdleKind
	if d := s.idleDur[api.IdleReader]; d > 0 && !s.idleFired[api.IdleReader] && now.Sub(s.lastRead) > d {
		s.idleFired[api.IdleReader] = true
		fired = append(fired, api.IdleReader)
	}
	if d := s.idleDur[api.IdleWriter]; d > 0 && !s.idleFired[api.IdleWriter] && now.Sub(s.lastWrite) > d {
		s.idleFired[api.IdleWriter] = true
		fired = append(fired, api.IdleWriter)
	}
	if d := s.idleDur[api.IdleBoth]; d > 0 && !s.idleFired[api.IdleBoth] {
		last := s.lastRead
		if s.lastWrite.After(last) {
			last = s.lastWrite
		}
		if now.Sub(last) > d {
			s.idleFired[api.IdleBoth] = true
			fired = append(fired, api.IdleBoth)
		}
	}
	return fired
}

// Decoder returns the attached DecodingStateMachine (type-erased),
// or nil if none is attached yet.
func (s *Session) Decoder() any { return s.decoder }

// SetDecoder attaches msg's DecodingStateMachine. Worker-goroutine-only.
func (s *Session) SetDecoder(d any) { s.decoder = d }

// Write traverses the outbound filter chain and enqueues the resulting
// bytes for the owning processor to drain on writability. It never
// suspends the caller: it returns a WriteFuture immediately.
func (s *Session) Write(msg any) *future.WriteFuture {
	wf := future.NewWriteFuture()
	if s.IsClosing() {
		wf.Fail(api.ErrSessionClosed)
		return wf
	}
	payload, err := s.pipeline.FilterWrite(s, msg)
	if err != nil {
		wf.Fail(err)
		s.pipeline.FireExceptionCaught(s, err)
		return wf
	}
	s.writeQueue.Offer(&queue.WriteRequest{Message: msg, Payload: buffer.Wrap(payload), Future: wf})
	s.processor.Flush(s)
	return wf
}

// Close requests session teardown. Idempotent: a second call returns
// the same CloseFuture created by the first.
// immediate=true discards pending writes; immediate=false waits for the
// write queue to drain before the socket is actually closed.
func (s *Session) Close(immediate bool) *future.CloseFuture {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.closeImmed.Store(immediate)
		if immediate {
			s.writeQueue.Drain(api.ErrSessionClosed)
			s.TryEnqueueClose()
		} else if s.writeQueue.IsEmpty() {
			s.TryEnqueueClose()
		}
		// else: the owning worker's write-drain path calls
		// TryEnqueueClose once the queue empties naturally.
	})
	return s.closeFuture
}

// CloseFuture returns the session's close future without requesting a
// close (useful for handlers observing a close requested elsewhere).
func (s *Session) CloseFuture() *future.CloseFuture { return s.closeFuture }

// IsCloseImmediate reports the immediate flag passed to Close, valid
// only once IsClosing() is true.
func (s *Session) IsCloseImmediate() bool { return s.closeImmed.Load() }

// TryEnqueueClose enqueues this session on its processor's close queue
// exactly once, regardless of how many call sites (Close, or the
// write-drain path noticing closing&&empty) race to call it.
func (s *Session) TryEnqueueClose() {
	if s.closeEnqueued.CompareAndSwap(false, true) {
		s.processor.EnqueueClose(s)
	}
}

// TryMarkTornDown reports whether the owning worker should actually tear
// the socket down: true the first time it's called for this session,
// false on every later call. Guards against a session reaching the
// worker's close path twice (e.g. a failed write tears it down after a
// Close has already put it on the processor's close queue).
func (s *Session) TryMarkTornDown() bool {
	return s.torndown.CompareAndSwap(false, true)
}

// IsTornDown reports whether TryMarkTornDown has already succeeded once.
func (s *Session) IsTornDown() bool { return s.torndown.Load() }

// CompleteClose finalizes the close future; called by the owning
// processor's worker once the socket is actually closed.
func (s *Session) CompleteClose(cause error) {
	if cause == nil {
		s.closeFuture.Succeed()
	} else {
		s.closeFuture.Fail(cause)
	}
}

// ConnectFuture returns the connect future for a client-initiated
// session, or nil for an accepted session.
func (s *Session) ConnectFuture() *future.ConnectFuture { return s.connectFuture }

// SetConnectFuture attaches a ConnectFuture; used only by IoClient.Connect.
func (s *Session) SetConnectFuture(f *future.ConnectFuture) { s.connectFuture = f }

// Service exposes the owning service's lookup-only handle.
func (s *Session) Service() ServiceHandle { return s.service }

// Pipeline exposes the session's filter chain handle.
func (s *Session) Pipeline() Pipeline { return s.pipeline }


package filter

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/momentics/hioload-io/api"
	"github.com/momentics/hioload-io/internal/logging"
	"github.com/momentics/hioload-io/session"
)

// Chain is the concrete FilterChain: a doubly-linked list bounded by a
// head sentinel (nearest the socket) and a tail sentinel (nearest the
// IoHandler). Inbound events travel head→tail; FilterWrite travels
// tail→head, mirroring real readiness-loop filter chains where reads
// arrive at the head and writes are submitted at the tail by
// application code.
//
// Chain implements session.Pipeline, so a *Chain is handed to
// session.New as the session's filter chain handle.
type Chain struct {
	mu      sync.RWMutex
	handler session.IoHandler
	head    *entry // sentinel, filter == nil
	tail    *entry // sentinel, filter == nil
	log     *zap.Logger
}

type entry struct {
	name   string
	filter Filter
	prev   *entry
	next   *entry
	chain  *Chain
}

// New builds an empty chain terminated by handler. A nil log falls back
// to internal/logging's default, named "filter".
func New(handler session.IoHandler, log *zap.Logger) *Chain {
	if log == nil {
		log = logging.New("filter")
	} else {
		log = log.Named("filter")
	}
	c := &Chain{handler: handler, log: log}
	c.head = &entry{name: "head", chain: c}
	c.tail = &entry{name: "tail", chain: c}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// SetHandler replaces the terminal IoHandler.
func (c *Chain) SetHandler(h session.IoHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// AddLast appends a named filter closest to the handler, i.e. it runs
// last on the inbound path and first on the outbound path.
func (c *Chain) AddLast(name string, f Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &entry{name: name, filter: f, chain: c}
	last := c.tail.prev
	last.next = e
	e.prev = last
	e.next = c.tail
	c.tail.prev = e
}

// AddFirst prepends a named filter closest to the socket, i.e. it runs
// first on the inbound path and last on the outbound path.
func (c *Chain) AddFirst(name string, f Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &entry{name: name, filter: f, chain: c}
	first := c.head.next
	c.head.next = e
	e.prev = c.head
	e.next = first
	first.prev = e
}

// Remove drops the named filter; no-op if absent.
func (c *Chain) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.head.next; e != c.tail; e = e.next {
		if e.name == name {
			e.prev.next = e.next
			e.next.prev = e.prev
			return
		}
	}
}

// --- inbound dispatch (head -> tail) ----------------------------------------

func (e *entry) fireSessionCreated(s *session.Session) {
	if e.filter == nil {
		if e == e.chain.tail {
			e.chain.handler.SessionCreated(s)
			return
		}
		e.next.fireSessionCreated(s)
		return
	}
	e.filter.SessionCreated(forwardNext{e}, s)
}

func (e *entry) fireSessionOpened(s *session.Session) {
	if e.filter == nil {
		if e == e.chain.tail {
			e.chain.handler.SessionOpened(s)
			return
		}
		e.next.fireSessionOpened(s)
		return
	}
	e.filter.SessionOpened(forwardNext{e}, s)
}

func (e *entry) fireSessionClosed(s *session.Session) {
	if e.filter == nil {
		if e == e.chain.tail {
			e.chain.handler.SessionClosed(s)
			return
		}
		e.next.fireSessionClosed(s)
		return
	}
	e.filter.SessionClosed(forwardNext{e}, s)
}

func (e *entry) fireSessionIdle(s *session.Session, kind api.IdleKind) {
	if e.filter == nil {
		if e == e.chain.tail {
			e.chain.handler.SessionIdle(s, kind)
			return
		}
		e.next.fireSessionIdle(s, kind)
		return
	}
	e.filter.SessionIdle(forwardNext{e}, s, kind)
}

func (e *entry) fireMessageReceived(s *session.Session, msg any) {
	if e.filter == nil {
		if e == e.chain.tail {
			e.chain.handler.MessageReceived(s, msg)
			return
		}
		e.next.fireMessageReceived(s, msg)
		return
	}
	e.filter.MessageReceived(forwardNext{e}, s, msg)
}

func (e *entry) fireMessageSent(s *session.Session, msg any) {
	if e.filter == nil {
		if e == e.chain.tail {
			e.chain.handler.MessageSent(s, msg)
			return
		}
		e.next.fireMessageSent(s, msg)
		return
	}
	e.filter.MessageSent(forwardNext{e}, s, msg)
}

func (e *entry) fireExceptionCaught(s *session.Session, cause error) {
	if e.filter == nil {
		if e == e.chain.tail {
			e.chain.handler.ExceptionCaught(s, cause)
			return
		}
		e.next.fireExceptionCaught(s, cause)
		return
	}
	e.filter.ExceptionCaught(forwardNext{e}, s, cause)
}

// forwardNext adapts an entry into a NextFilter that continues inbound
// traversal at e.next.
type forwardNext struct{ e *entry }

func (n forwardNext) SessionCreated(s *session.Session)  { n.e.next.fireSessionCreated(s) }
func (n forwardNext) SessionOpened(s *session.Session)   { n.e.next.fireSessionOpened(s) }
func (n forwardNext) SessionClosed(s *session.Session)   { n.e.next.fireSessionClosed(s) }
func (n forwardNext) SessionIdle(s *session.Session, kind api.IdleKind) {
	n.e.next.fireSessionIdle(s, kind)
}
func (n forwardNext) MessageReceived(s *session.Session, msg any) { n.e.next.fireMessageReceived(s, msg) }
func (n forwardNext) MessageSent(s *session.Session, msg any)     { n.e.next.fireMessageSent(s, msg) }
func (n forwardNext) ExceptionCaught(s *session.Session, cause error) {
	n.e.next.fireExceptionCaught(s, cause)
}
func (n forwardNext) FilterWrite(s *session.Session, msg any) ([]byte, error) {
	// Only meaningful on the outbound path; inbound forwarders never call it.
	return n.e.next.fireFilterWrite(s, msg)
}

// --- outbound dispatch (tail -> head) ---------------------------------------

func (e *entry) fireFilterWrite(s *session.Session, msg any) ([]byte, error) {
	if e.filter == nil {
		if e == e.chain.head {
			// No encoder present: the message must already be wire bytes.
			b, ok := msg.([]byte)
			if !ok {
				return nil, api.WrapLifecycle(nil, "filter chain: message is not []byte and no encoder filter is installed")
			}
			return b, nil
		}
		return e.prev.fireFilterWrite(s, msg)
	}
	return e.filter.FilterWrite(backwardNext{e}, s, msg)
}

// backwardNext adapts an entry into a NextFilter whose FilterWrite
// continues outbound traversal at e.prev; its inbound methods are
// never called on this path and simply forward for interface
// completeness.
type backwardNext struct{ e *entry }

func (n backwardNext) SessionCreated(s *session.Session)                       { n.e.prev.fireSessionCreated(s) }
func (n backwardNext) SessionOpened(s *session.Session)                        { n.e.prev.fireSessionOpened(s) }
func (n backwardNext) SessionClosed(s *session.Session)                        { n.e.prev.fireSessionClosed(s) }
func (n backwardNext) SessionIdle(s *session.Session, kind api.IdleKind)       { n.e.prev.fireSessionIdle(s, kind) }
func (n backwardNext) MessageReceived(s *session.Session, msg any)             { n.e.prev.fireMessageReceived(s, msg) }
func (n backwardNext) MessageSent(s *session.Session, msg any)                 { n.e.prev.fireMessageSent(s, msg) }
func (n backwardNext) ExceptionCaught(s *session.Session, cause error)         { n.e.prev.fireExceptionCaught(s, cause) }
func (n backwardNext) FilterWrite(s *session.Session, msg any) ([]byte, error) { return n.e.prev.fireFilterWrite(s, msg) }

// --- session.Pipeline implementation ----------------------------------------
//
// Every entry point below recovers from a panic raised anywhere in the
// chain, in a filter or the terminal IoHandler, and re-dispatches it as
// an ExceptionCaught call instead of letting it crash the owning
// worker goroutine. A second, inner recover guards that re-dispatch
// itself: if ExceptionCaught (user code again) also panics, it is
// logged and swallowed rather than looping.

// dispatch runs fn and, if it panics, converts the panic into an
// ExceptionCaught call for s. event names the callback being guarded,
// for the log line if both it and the recovery dispatch panic.
func (c *Chain) dispatch(s *session.Session, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.recoverInto(s, event, r)
		}
	}()
	fn()
}

func (c *Chain) recoverInto(s *session.Session, event string, r any) {
	cause := api.WrapLifecycle(panicAsError(r), "filter chain: recovered panic in "+event)
	c.log.Error("panic recovered in filter chain dispatch", zap.String("event", event), zap.Error(cause))
	defer func() {
		if r2 := recover(); r2 != nil {
			c.log.Error("panic recovered while dispatching ExceptionCaught for an earlier panic; swallowing to avoid a dispatch loop",
				zap.String("event", event), zap.Any("panic", r2))
		}
	}()
	c.head.next.fireExceptionCaught(s, cause)
}

func panicAsError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

func (c *Chain) FireSessionCreated(s *session.Session) {
	c.dispatch(s, "SessionCreated", func() { c.head.next.fireSessionCreated(s) })
}
func (c *Chain) FireSessionOpened(s *session.Session) {
	c.dispatch(s, "SessionOpened", func() { c.head.next.fireSessionOpened(s) })
}
func (c *Chain) FireSessionClosed(s *session.Session) {
	c.dispatch(s, "SessionClosed", func() { c.head.next.fireSessionClosed(s) })
}
func (c *Chain) FireSessionIdle(s *session.Session, kind api.IdleKind) {
	c.dispatch(s, "SessionIdle", func() { c.head.next.fireSessionIdle(s, kind) })
}
func (c *Chain) FireMessageReceived(s *session.Session, msg any) {
	c.dispatch(s, "MessageReceived", func() { c.head.next.fireMessageReceived(s, msg) })
}
func (c *Chain) FireMessageSent(s *session.Session, msg any) {
	c.dispatch(s, "MessageSent", func() { c.head.next.fireMessageSent(s, msg) })
}

// FireExceptionCaught is itself the recovery target the other Fire*
// methods redispatch to, so it only guards against its own callbacks
// panicking. It never redispatches on failure, just logs and swallows.
func (c *Chain) FireExceptionCaught(s *session.Session, cause error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic recovered in ExceptionCaught dispatch; swallowing to avoid a dispatch loop", zap.Any("panic", r))
		}
	}()
	c.head.next.fireExceptionCaught(s, cause)
}

// FilterWrite recovers a panic into a plain error instead of firing
// ExceptionCaught itself: its caller, session.Write, already does
// that for any error FilterWrite returns, so firing here too would
// double-dispatch.
func (c *Chain) FilterWrite(s *session.Session, msg any) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.WrapLifecycle(panicAsError(r), "filter chain: recovered panic in FilterWrite")
			out = nil
		}
	}()
	return c.tail.prev.fireFilterWrite(s, msg)
}

var _ session.Pipeline = (*Chain)(nil)

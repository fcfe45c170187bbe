// Package service implements the IoServer/IoClient surface above the
// selector layer: managed-session bookkeeping, server bind/unbind,
// client connect with reconnect backoff, and listener registration for
// lifecycle notifications.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package service

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-io/api"
	"github.com/momentics/hioload-io/control"
	"github.com/momentics/hioload-io/filter"
	"github.com/momentics/hioload-io/internal/logging"
	"github.com/momentics/hioload-io/selector"
	"github.com/momentics/hioload-io/session"
)

// Listener observes service-level lifecycle transitions: a bound
// address going up or down, or a session being added to or removed
// from the managed set. Distinct from session.IoHandler, which
// observes per-session I/O events.
type Listener interface {
	ServiceBound(addr string)
	ServiceUnbound(addr string)
	SessionAdded(s *session.Session)
	SessionRemoved(s *session.Session)
}

// BaseListener is the default no-op Listener; embed it to override
// only the callbacks a concrete listener cares about.
type BaseListener struct{}

func (BaseListener) ServiceBound(addr string)          {}
func (BaseListener) ServiceUnbound(addr string)        {}
func (BaseListener) SessionAdded(s *session.Session)   {}
func (BaseListener) SessionRemoved(s *session.Session) {}

// FilterSpec names one filter to install, in order, on every session's
// Chain. Factory is called once per session so stateful filters never
// leak state across connections.
type FilterSpec struct {
	Name    string
	Factory func() filter.Filter
}

// Service is the shared base of IoServer and IoClient: the configured
// IoHandler, filter template, idle thresholds, and the managed-session
// map every accepted or connected Session is registered into.
type Service struct {
	mu        sync.RWMutex
	handler   session.IoHandler
	filters   []FilterSpec
	idle      map[api.IdleKind]time.Duration
	sessions  map[uint64]*session.Session
	listeners []Listener
	log       *zap.Logger
}

func newService(handler session.IoHandler, log *zap.Logger) *Service {
	if log == nil {
		log = logging.New("service")
	}
	return &Service{
		handler:  handler,
		idle:     make(map[api.IdleKind]time.Duration),
		sessions: make(map[uint64]*session.Session),
		log:      log,
	}
}

// AddFilter appends a filter to the template chain every future
// session will be built with. Has no effect on already-created
// sessions.
func (svc *Service) AddFilter(name string, factory func() filter.Filter) {
	svc.mu.Lock()
	svc.filters = append(svc.filters, FilterSpec{Name: name, Factory: factory})
	svc.mu.Unlock()
}

// SetIdleThreshold configures an idle timeout applied to every future
// session at creation time.
func (svc *Service) SetIdleThreshold(kind api.IdleKind, d time.Duration) {
	svc.mu.Lock()
	svc.idle[kind] = d
	svc.mu.Unlock()
}

// idleConfigKeys maps the ConfigStore keys UseConfigStore watches to
// the IdleKind each one drives; values are read as milliseconds.
var idleConfigKeys = map[string]api.IdleKind{
	"idle.reader_ms": api.IdleReader,
	"idle.writer_ms": api.IdleWriter,
	"idle.both_ms":   api.IdleBoth,
}

// UseConfigStore subscribes svc's idle thresholds to cs: an initial
// read applies whatever is already set, and every later SetConfig call
// that touches idle.reader_ms/idle.writer_ms/idle.both_ms re-applies
// the new thresholds to every future session. Existing sessions keep
// whatever threshold they were created with.
func (svc *Service) UseConfigStore(cs *control.ConfigStore) {
	apply := func() {
		snap := cs.GetSnapshot()
		for key, kind := range idleConfigKeys {
			ms, ok := snap[key].(int64)
			if !ok {
				continue
			}
			svc.SetIdleThreshold(kind, time.Duration(ms)*time.Millisecond)
		}
	}
	apply()
	cs.OnReload(apply)
}

// AddListener registers l for service-level lifecycle notifications.
func (svc *Service) AddListener(l Listener) {
	svc.mu.Lock()
	svc.listeners = append(svc.listeners, l)
	svc.mu.Unlock()
}

// RemoveListener drops l if present (pointer identity).
func (svc *Service) RemoveListener(l Listener) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	for i, existing := range svc.listeners {
		if existing == l {
			svc.listeners = append(svc.listeners[:i], svc.listeners[i+1:]...)
			return
		}
	}
}

// Handler implements session.ServiceHandle.
func (svc *Service) Handler() session.IoHandler {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.handler
}

// RemoveSession implements session.ServiceHandle: drops id from the
// managed set and notifies listeners.
func (svc *Service) RemoveSession(id uint64) {
	svc.mu.Lock()
	s, ok := svc.sessions[id]
	if ok {
		delete(svc.sessions, id)
	}
	listeners := append([]Listener(nil), svc.listeners...)
	svc.mu.Unlock()
	if !ok {
		return
	}
	for _, l := range listeners {
		l.SessionRemoved(s)
	}
}

// Sessions returns a snapshot of the currently managed sessions.
func (svc *Service) Sessions() []*session.Session {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	out := make([]*session.Session, 0, len(svc.sessions))
	for _, s := range svc.sessions {
		out = append(out, s)
	}
	return out
}

// buildPipeline constructs a fresh filter.Chain from the current
// template for a newly accepted or connected Session.
func (svc *Service) buildPipeline() *filter.Chain {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	chain := filter.New(svc.handler, svc.log)
	for _, spec := range svc.filters {
		chain.AddLast(spec.Name, spec.Factory())
	}
	return chain
}

// newSessionFor builds the session.New closure Bind/Connect hand to
// the selector package, applying idle thresholds and registering the
// result in the managed-session map before returning it.
func (svc *Service) newSessionFor(proc *selector.SelectorProcessor) func(conn net.Conn) *session.Session {
	return func(conn net.Conn) *session.Session {
		chain := svc.buildPipeline()
		s := session.New(conn, svc, proc, chain)
		svc.mu.RLock()
		for kind, d := range svc.idle {
			s.SetIdleThreshold(kind, d)
		}
		listeners := append([]Listener(nil), svc.listeners...)
		svc.mu.RUnlock()
		svc.mu.Lock()
		svc.sessions[s.ID()] = s
		svc.mu.Unlock()
		for _, l := range listeners {
			l.SessionAdded(s)
		}
		return s
	}
}

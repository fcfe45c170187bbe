package service

import (
	"net"

	"go.uber.org/zap"

	"github.com/momentics/hioload-io/api"
	"github.com/momentics/hioload-io/selector"
	"github.com/momentics/hioload-io/session"
)

// IoServer accepts connections across a pool of SelectorProcessors,
// fanned out by a Strategy, mirroring an acceptor that owns many
// reactor shards rather than one.
type IoServer struct {
	*Service
	strategy *selector.Strategy
	// bound maps the address a caller passed to Bind to the address the
	// listener actually ended up on, since a wildcard port ("host:0")
	// resolves to a different string than it was called with. Unbind
	// needs the resolved form to find the listener the worker registered.
	bound map[string]string
}

// NewIoServer builds a server over an existing processor pool. Pass
// the same pool (and, ideally, the same Strategy) to every IoServer
// and IoClient sharing a process so connections balance across all of
// them together.
func NewIoServer(handler session.IoHandler, strategy *selector.Strategy, log *zap.Logger) *IoServer {
	return &IoServer{
		Service:  newService(handler, log),
		strategy: strategy,
		bound:    make(map[string]string),
	}
}

// Bind opens one TCP listener per address in addrs. Each listener is
// owned by exactly one processor, the first in the strategy's pool, and
// its accept path fans newly accepted connections out across the pool
// through the strategy (one accept loop per shard would need
// platform-specific socket options such as SO_REUSEPORT).
//
// The whole call is atomic across addrs: if any address after the first
// fails to bind, every address this call already bound is unbound
// before the error is returned, so a caller never ends up with a
// partially-bound set from one Bind call.
func (s *IoServer) Bind(addrs ...string) error {
	bound := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if err := s.bindOne(addr); err != nil {
			for _, done := range bound {
				_ = s.Unbind(done)
			}
			return err
		}
		bound = append(bound, addr)
	}
	return nil
}

func (s *IoServer) bindOne(addr string) error {
	s.mu.Lock()
	if _, exists := s.bound[addr]; exists {
		s.mu.Unlock()
		return api.ErrAlreadyBound
	}
	s.bound[addr] = ""
	s.mu.Unlock()

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		s.unmarkBound(addr)
		return api.WrapIO(err, "service: resolve bind address")
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		s.unmarkBound(addr)
		return api.WrapIO(err, "service: listen")
	}

	procs := s.strategy.Processors()
	if len(procs) == 0 {
		ln.Close()
		s.unmarkBound(addr)
		return api.WrapLifecycle(nil, "service: bind requires at least one processor in the pool")
	}
	acceptor := procs[0]
	resolved := ln.Addr().String()
	acceptor.Bind(&selector.ServerBinding{
		Listener:   ln,
		Addr:       resolved,
		Strategy:   s.strategy,
		NewSession: s.newSessionFor(acceptor),
	})

	s.mu.Lock()
	s.bound[addr] = resolved
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l.ServiceBound(resolved)
	}
	return nil
}

// unmarkBound undoes the reservation bindOne takes in s.bound before
// any listener actually exists, for the failure paths that return
// before there's anything for Unbind to tear down.
func (s *IoServer) unmarkBound(addr string) {
	s.mu.Lock()
	delete(s.bound, addr)
	s.mu.Unlock()
}

// Unbind stops accepting on addr, the same string it was passed to
// Bind with.
func (s *IoServer) Unbind(addr string) error {
	s.mu.Lock()
	resolved, exists := s.bound[addr]
	if !exists {
		s.mu.Unlock()
		return api.ErrNotBound
	}
	delete(s.bound, addr)
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	if resolved != "" {
		for _, p := range s.strategy.Processors() {
			p.Unbind(resolved)
		}
	}
	for _, l := range listeners {
		l.ServiceUnbound(resolved)
	}
	return nil
}

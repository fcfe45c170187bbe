// Package filter implements the bidirectional FilterChain: an ordered
// pipeline of user filters routing
// events inbound (bytes → messages → handler) and outbound (messages →
// bytes → socket), each stage receiving a NextFilter continuation.
//
// Modeled as a doubly-dispatched interface chain in the small-interfaces-
// plus-embeddable-default style used throughout this codebase.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package filter

import (
	"github.com/momentics/hioload-io/api"
	"github.com/momentics/hioload-io/session"
)

// NextFilter is the continuation a Filter invokes to pass an event
// further down (inbound) or further up (outbound) the chain.
type NextFilter interface {
	SessionCreated(s *session.Session)
	SessionOpened(s *session.Session)
	SessionClosed(s *session.Session)
	SessionIdle(s *session.Session, kind api.IdleKind)
	MessageReceived(s *session.Session, msg any)
	MessageSent(s *session.Session, msg any)
	ExceptionCaught(s *session.Session, cause error)
	FilterWrite(s *session.Session, msg any) ([]byte, error)
}

// Filter is one stage of the chain. Each method receives the
// continuation to the next stage; a pass-through implementation simply
// forwards every call unchanged, which is exactly what BaseFilter does
// so concrete filters can embed it and override only what they need
// so most filters only override a couple of methods.
type Filter interface {
	SessionCreated(next NextFilter, s *session.Session)
	SessionOpened(next NextFilter, s *session.Session)
	SessionClosed(next NextFilter, s *session.Session)
	SessionIdle(next NextFilter, s *session.Session, kind api.IdleKind)
	MessageReceived(next NextFilter, s *session.Session, msg any)
	MessageSent(next NextFilter, s *session.Session, msg any)
	ExceptionCaught(next NextFilter, s *session.Session, cause error)
	FilterWrite(next NextFilter, s *session.Session, msg any) ([]byte, error)
}

// BaseFilter is the default pass-through Filter; embed it in a concrete
// filter and override only the methods that need to intercept.
type BaseFilter struct{}

func (BaseFilter) SessionCreated(next NextFilter, s *session.Session) { next.SessionCreated(s) }
func (BaseFilter) SessionOpened(next NextFilter, s *session.Session)  { next.SessionOpened(s) }
func (BaseFilter) SessionClosed(next NextFilter, s *session.Session)  { next.SessionClosed(s) }
func (BaseFilter) SessionIdle(next NextFilter, s *session.Session, kind api.IdleKind) {
	next.SessionIdle(s, kind)
}
func (BaseFilter) MessageReceived(next NextFilter, s *session.Session, msg any) {
	next.MessageReceived(s, msg)
}
func (BaseFilter) MessageSent(next NextFilter, s *session.Session, msg any) {
	next.MessageSent(s, msg)
}
func (BaseFilter) ExceptionCaught(next NextFilter, s *session.Session, cause error) {
	next.ExceptionCaught(s, cause)
}
func (BaseFilter) FilterWrite(next NextFilter, s *session.Session, msg any) ([]byte, error) {
	return next.FilterWrite(s, msg)
}

var _ Filter = BaseFilter{}

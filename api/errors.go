// Package api defines the cross-package error taxonomy and the IdleKind
// enum that the other packages depend on, kept separate to avoid import
// cycles between session/selector/service/filter/codec. The IoHandler
// contract lives in session and the Filter SPI in filter.
//
// Errors are wrapped with github.com/cockroachdb/errors so
// exceptionCaught handlers and logs retain a cause chain instead of a
// flattened message string.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package api

import (
	"github.com/cockroachdb/errors"
)

// IOError, DecodeError, and LifecycleError are marker types that let
// callers use errors.As to classify a cause without string-matching,
// before deciding whether to close the session.

// IOError wraps a socket accept/read/write/bind failure.
type IOError struct{ cause error }

func (e *IOError) Error() string { return e.cause.Error() }
func (e *IOError) Unwrap() error { return e.cause }

// WrapIO annotates cause as an I/O error. A nil cause is treated as
// "no underlying error, just this message".
func WrapIO(cause error, msg string) error {
	if cause == nil {
		return &IOError{cause: errors.New(msg)}
	}
	return &IOError{cause: errors.Wrap(cause, msg)}
}

// DecodeError wraps a malformed-input failure raised by a DecodingState.
// Unlike IOError, a DecodeError never triggers an automatic session
// close; the IoHandler decides.
type DecodeError struct{ cause error }

func (e *DecodeError) Error() string { return e.cause.Error() }
func (e *DecodeError) Unwrap() error { return e.cause }

// WrapDecode annotates cause as a protocol-decoder error. A nil cause
// is treated as "no underlying error, just this message" — the common
// case for end-of-input failures raised directly by a DecodingState.
func WrapDecode(cause error, msg string) error {
	if cause == nil {
		return &DecodeError{cause: errors.New(msg)}
	}
	return &DecodeError{cause: errors.Wrap(cause, msg)}
}

// LifecycleError wraps a synchronous misuse such as writing to a closed
// session or binding an already-bound address.
type LifecycleError struct{ cause error }

func (e *LifecycleError) Error() string { return e.cause.Error() }
func (e *LifecycleError) Unwrap() error { return e.cause }

// WrapLifecycle annotates cause as a lifecycle error. A nil cause is
// treated as "no underlying error, just this message".
func WrapLifecycle(cause error, msg string) error {
	if cause == nil {
		return &LifecycleError{cause: errors.New(msg)}
	}
	return &LifecycleError{cause: errors.Wrap(cause, msg)}
}

// Common sentinels used across packages.
var (
	ErrSessionClosed   = errors.New("api: session is closed")
	ErrAlreadyBound    = errors.New("api: address already bound")
	ErrNotBound        = errors.New("api: address not bound")
	ErrDecoderNeedMore = errors.New("api: decoder needs more input")
)

// IsIOError reports whether cause is (or wraps) an IOError.
func IsIOError(cause error) bool {
	var e *IOError
	return errors.As(cause, &e)
}

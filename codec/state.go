// Package codec implements the DecodingState substrate: composable,
// incremental byte-level parser nodes, plus the DecodingStateMachine
// that composes them and the primitive states every protocol decoder
// is built from.
//
// Rather than one monolithic frame parser, protocols are expressed as
// small, independently testable state nodes composed together, using
// explicit error returns instead of exceptions for the "need more
// input" case.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package codec

import (
	"github.com/momentics/hioload-io/api"
	"github.com/momentics/hioload-io/buffer"
)

// Output collects decoded messages produced by a DecodingState during
// one decode call.
type Output struct {
	messages []any
}

// Emit appends a decoded message.
func (o *Output) Emit(msg any) { o.messages = append(o.messages, msg) }

// Messages returns the accumulated messages.
func (o *Output) Messages() []any { return o.messages }

// NeedMoreInput is returned by decode/finishDecode to mean "not enough
// bytes yet, come back with more" — this must be
// distinguished from a genuine malformed-input error so the
// DecodingStateMachine can tell "pause and wait" apart from "fail".
var NeedMoreInput = api.ErrDecoderNeedMore

// DecodingState is one node of an incremental parser. decode
// consumes zero-or-more bytes from in, writes zero-or-more decoded
// messages to out, and returns the next state (possibly itself), or nil
// to signal the surrounding DecodingStateMachine is done. A non-nil
// error other than NeedMoreInput aborts the machine as malformed input.
type DecodingState interface {
	Decode(in *buffer.Buffer, out *Output) (DecodingState, error)
	// FinishDecode is called when input ends (session closing, or the
	// parent machine finalizing). The default for most primitive states
	// is to fail with "unexpected end of input"; states that can
	// legitimately complete on EOF (e.g. consume-to-EOF) override it.
	FinishDecode(out *Output) (DecodingState, error)
}

package codec

import (
	"encoding/binary"

	"github.com/momentics/hioload-io/api"
	"github.com/momentics/hioload-io/buffer"
)

// accumulator is the shared "collect N bytes, possibly across many
// fragmented Decode calls, then hand them to a continuation" substrate
// every fixed-size primitive state below is built from. It makes
// forward progress on every non-empty input and buffers no more than
// `need` bytes, satisfying the decoder's forward-progress invariant.
type accumulator struct {
	need int
	got  []byte
}

func newAccumulator(need int) *accumulator {
	return &accumulator{need: need, got: make([]byte, 0, need)}
}

// fill copies as many bytes as available from in into the accumulator,
// advancing in's position. Returns true once `need` bytes are collected.
func (a *accumulator) fill(in *buffer.Buffer) bool {
	if len(a.got) >= a.need {
		return true
	}
	want := a.need - len(a.got)
	tmp := make([]byte, want)
	n := in.GetBytes(tmp)
	a.got = append(a.got, tmp[:n]...)
	return len(a.got) >= a.need
}

// --- SingleByteDecodingState -------------------------------------------------

// SingleByteDecodingState consumes exactly one byte and hands it to
// onComplete, which returns the next state (or nil to finish the
// surrounding machine).
type SingleByteDecodingState struct {
	onComplete func(b byte, out *Output) (DecodingState, error)
	acc        *accumulator
}

// NewSingleByteDecodingState creates a state waiting for exactly one byte.
func NewSingleByteDecodingState(onComplete func(b byte, out *Output) (DecodingState, error)) *SingleByteDecodingState {
	return &SingleByteDecodingState{onComplete: onComplete, acc: newAccumulator(1)}
}

func (s *SingleByteDecodingState) Decode(in *buffer.Buffer, out *Output) (DecodingState, error) {
	if !s.acc.fill(in) {
		return s, nil
	}
	return s.onComplete(s.acc.got[0], out)
}

func (s *SingleByteDecodingState) FinishDecode(out *Output) (DecodingState, error) {
	return nil, api.WrapDecode(nil, "unexpected end of session while waiting for a single byte")
}

// --- fixed-width integers ----------------------------------------------------

// FixedWidthIntState accumulates width bytes (2, 4, or 8) and decodes
// them as an unsigned integer in the given byte order before handing the
// value to onComplete.
type FixedWidthIntState struct {
	width      int
	order      binary.ByteOrder
	onComplete func(v uint64, out *Output) (DecodingState, error)
	acc        *accumulator
}

func newFixedWidthIntState(width int, order binary.ByteOrder, onComplete func(uint64, *Output) (DecodingState, error)) *FixedWidthIntState {
	return &FixedWidthIntState{width: width, order: order, onComplete: onComplete, acc: newAccumulator(width)}
}

// NewUint16State decodes a 2-byte unsigned integer.
func NewUint16State(order binary.ByteOrder, onComplete func(v uint64, out *Output) (DecodingState, error)) *FixedWidthIntState {
	return newFixedWidthIntState(2, order, onComplete)
}

// NewUint32State decodes a 4-byte unsigned integer.
func NewUint32State(order binary.ByteOrder, onComplete func(v uint64, out *Output) (DecodingState, error)) *FixedWidthIntState {
	return newFixedWidthIntState(4, order, onComplete)
}

// NewUint64State decodes an 8-byte unsigned integer.
func NewUint64State(order binary.ByteOrder, onComplete func(v uint64, out *Output) (DecodingState, error)) *FixedWidthIntState {
	return newFixedWidthIntState(8, order, onComplete)
}

func (s *FixedWidthIntState) Decode(in *buffer.Buffer, out *Output) (DecodingState, error) {
	if !s.acc.fill(in) {
		return s, nil
	}
	var v uint64
	switch s.width {
	case 2:
		v = uint64(s.order.Uint16(s.acc.got))
	case 4:
		v = uint64(s.order.Uint32(s.acc.got))
	case 8:
		v = s.order.Uint64(s.acc.got)
	}
	return s.onComplete(v, out)
}

func (s *FixedWidthIntState) FinishDecode(out *Output) (DecodingState, error) {
	return nil, api.WrapDecode(nil, "unexpected end of session while waiting for a fixed-width integer")
}

// --- fixed-length byte block -------------------------------------------------

// FixedLengthState accumulates exactly length bytes and hands them to
// onComplete.
type FixedLengthState struct {
	onComplete func(data []byte, out *Output) (DecodingState, error)
	acc        *accumulator
}

// NewFixedLengthState creates a state waiting for exactly length bytes.
func NewFixedLengthState(length int, onComplete func(data []byte, out *Output) (DecodingState, error)) *FixedLengthState {
	return &FixedLengthState{onComplete: onComplete, acc: newAccumulator(length)}
}

func (s *FixedLengthState) Decode(in *buffer.Buffer, out *Output) (DecodingState, error) {
	if !s.acc.fill(in) {
		return s, nil
	}
	return s.onComplete(s.acc.got, out)
}

func (s *FixedLengthState) FinishDecode(out *Output) (DecodingState, error) {
	return nil, api.WrapDecode(nil, "unexpected end of session while waiting for a fixed-length block")
}

// --- consume until delimiter --------------------------------------------------

// ConsumeToDelimiterState accumulates bytes up to and including the
// first occurrence of delim, then hands the bytes before the delimiter
// to onComplete.
type ConsumeToDelimiterState struct {
	delim      byte
	onComplete func(data []byte, out *Output) (DecodingState, error)
	got        []byte
}

// NewConsumeToDelimiterState creates a state scanning for delim.
func NewConsumeToDelimiterState(delim byte, onComplete func(data []byte, out *Output) (DecodingState, error)) *ConsumeToDelimiterState {
	return &ConsumeToDelimiterState{delim: delim, onComplete: onComplete}
}

func (s *ConsumeToDelimiterState) Decode(in *buffer.Buffer, out *Output) (DecodingState, error) {
	for in.HasRemaining() {
		b, err := in.Get()
		if err != nil {
			break
		}
		if b == s.delim {
			return s.onComplete(s.got, out)
		}
		s.got = append(s.got, b)
	}
	return s, nil
}

func (s *ConsumeToDelimiterState) FinishDecode(out *Output) (DecodingState, error) {
	return nil, api.WrapDecode(nil, "unexpected end of session while waiting for delimiter")
}

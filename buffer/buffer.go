// Package buffer implements the position/limit/capacity byte window used
// throughout the selector and codec layers: relative and absolute
// get/put accessors, flip/rewind/compact, and slice/duplicate views that
// share underlying storage but carry independent cursors.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package buffer

import (
	"github.com/cockroachdb/errors"
)

// ErrUnderflow is returned when a read would advance position past limit.
var ErrUnderflow = errors.New("buffer: underflow")

// ErrOverflow is returned when a write would advance position past limit.
var ErrOverflow = errors.New("buffer: overflow")

// Buffer is a classical position/limit/capacity byte window. It is not
// safe for concurrent use; each SelectorProcessor owns its shared read
// Buffer exclusively, and DecodingStates operate on a Buffer handed to
// them synchronously by the owning worker goroutine.
type Buffer struct {
	buf      []byte
	position int
	limit    int
}

// New allocates a Buffer with the given capacity; limit starts at capacity.
func New(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, capacity), limit: capacity}
}

// Wrap adapts an existing slice as a Buffer; limit starts at len(b).
func Wrap(b []byte) *Buffer {
	return &Buffer{buf: b, limit: len(b)}
}

// Position returns the current cursor.
func (b *Buffer) Position() int { return b.position }

// Limit returns the current limit.
func (b *Buffer) Limit() int { return b.limit }

// Capacity returns the underlying storage size.
func (b *Buffer) Capacity() int { return len(b.buf) }

// Remaining returns limit - position.
func (b *Buffer) Remaining() int { return b.limit - b.position }

// HasRemaining reports whether Remaining() > 0.
func (b *Buffer) HasRemaining() bool { return b.position < b.limit }

// SetPosition sets the cursor; panics if out of [0, limit].
func (b *Buffer) SetPosition(p int) *Buffer {
	if p < 0 || p > b.limit {
		panic("buffer: position out of range")
	}
	b.position = p
	return b
}

// SetLimit sets the limit; panics if out of [0, capacity]. If position
// exceeds the new limit, position is clamped down to it.
func (b *Buffer) SetLimit(l int) *Buffer {
	if l < 0 || l > len(b.buf) {
		panic("buffer: limit out of range")
	}
	b.limit = l
	if b.position > l {
		b.position = l
	}
	return b
}

// Rewind sets position to 0, keeping limit.
func (b *Buffer) Rewind() *Buffer {
	b.position = 0
	return b
}

// Flip sets limit to the current position and position to 0; the
// canonical "switch from filling to draining" transition.
func (b *Buffer) Flip() *Buffer {
	b.limit = b.position
	b.position = 0
	return b
}

// Clear resets position to 0 and limit to capacity; the canonical
// "switch from draining to filling" transition.
func (b *Buffer) Clear() *Buffer {
	b.position = 0
	b.limit = len(b.buf)
	return b
}

// Compact discards the consumed prefix [0,position), shifts the
// remainder [position,limit) to the start, sets position to the
// shifted length and limit to capacity, ready for more filling.
func (b *Buffer) Compact() *Buffer {
	n := copy(b.buf, b.buf[b.position:b.limit])
	b.position = n
	b.limit = len(b.buf)
	return b
}

// Get reads one byte at the current position and advances it.
func (b *Buffer) Get() (byte, error) {
	if b.position >= b.limit {
		return 0, ErrUnderflow
	}
	v := b.buf[b.position]
	b.position++
	return v, nil
}

// GetAt reads one byte at an absolute index without moving position.
func (b *Buffer) GetAt(index int) (byte, error) {
	if index < 0 || index >= b.limit {
		return 0, ErrUnderflow
	}
	return b.buf[index], nil
}

// Put writes one byte at the current position and advances it.
func (b *Buffer) Put(v byte) error {
	if b.position >= b.limit {
		return ErrOverflow
	}
	b.buf[b.position] = v
	b.position++
	return nil
}

// Skip advances position by n without copying, e.g. to account for bytes
// a raw syscall already consumed directly from RawSlice/Bytes. Returns
// ErrUnderflow if n would push position past limit.
func (b *Buffer) Skip(n int) error {
	if b.position+n > b.limit {
		return ErrUnderflow
	}
	b.position += n
	return nil
}

// GetBytes copies min(len(dst), Remaining()) bytes starting at position
// into dst, advances position, and returns the number of bytes copied.
func (b *Buffer) GetBytes(dst []byte) int {
	n := copy(dst, b.buf[b.position:b.limit])
	b.position += n
	return n
}

// PutBytes copies min(len(src), Remaining()) bytes from src starting at
// position, advances position, and returns the number of bytes copied.
func (b *Buffer) PutBytes(src []byte) int {
	n := copy(b.buf[b.position:b.limit], src)
	b.position += n
	return n
}

// Bytes exposes the backing slice between position and limit without
// copying; callers must not retain it past the next mutation.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.position:b.limit]
}

// RawSlice exposes the full backing array, ignoring cursors; used by
// readiness loops to hand the kernel a destination for Read.
func (b *Buffer) RawSlice() []byte {
	return b.buf
}

// Slice returns a view over [position, limit) sharing storage with b but
// with an independent cursor starting at 0 and limit at Remaining().
func (b *Buffer) Slice() *Buffer {
	return Wrap(b.buf[b.position:b.limit])
}

// Duplicate returns a view over the full backing array sharing storage
// with b, with its own copy of position/limit.
func (b *Buffer) Duplicate() *Buffer {
	return &Buffer{buf: b.buf, position: b.position, limit: b.limit}
}

// CopyBytes moves min(src.Remaining(), dst.Remaining()) bytes from src
// into dst, advancing both cursors. This is the bulk-transfer primitive
// DecodingStates use to drain a shared read Buffer into their own
// accumulation Buffer without over-reading past the current frame.
func CopyBytes(dst, src *Buffer) int {
	n := dst.PutBytes(src.buf[src.position:src.limit])
	src.position += n
	return n
}

package codec

import (
	"github.com/momentics/hioload-io/buffer"
)

// Init constructs the initial DecodingState for a machine; called
// exactly once per Init()/Destroy() pair.
type Init func() (DecodingState, error)

// FinishFunc is invoked when the current state returns nil, i.e. the
// decoder has a complete logical unit ready; childProducts holds
// whatever the inner states deliberately withheld from the outer
// output (an in-memory list of child products), out is the
// outer sink the caller ultimately sees messages through.
type FinishFunc func(childProducts []any, out *Output) (DecodingState, error)

// Destroy releases any resources the machine's states accumulated;
// called exactly once per Init(), even on error.
type Destroy func()

// DecodingStateMachine is the composite state-machine driver: it owns
// a single `current` DecodingState, lazily obtained from Init, and
// drives it until completion, end-of-input, or no-progress.
type DecodingStateMachine struct {
	init    Init
	finish  FinishFunc
	destroy Destroy

	current       DecodingState
	childProducts []any
	initialized   bool
}

// New builds a DecodingStateMachine from its three composition points.
// finish and destroy may be nil if the caller has no use for child
// products or cleanup respectively.
func New(init Init, finish FinishFunc, destroy Destroy) *DecodingStateMachine {
	return &DecodingStateMachine{init: init, finish: finish, destroy: destroy}
}

// Decode loops transitioning `current`
// until one of three termination conditions holds, each preserving
// enough state to resume on the next call with more bytes.
func (m *DecodingStateMachine) Decode(in *buffer.Buffer, out *Output) (err error) {
	if !m.initialized {
		m.current, err = m.init()
		if err != nil {
			return err
		}
		m.initialized = true
	}

	defer func() {
		if err != nil {
			m.current = nil
			m.cleanup()
		}
	}()

	childOut := &Output{}
	for {
		if m.current == nil {
			// One logical unit just completed. Hand it to finish/cleanup,
			// then — if there is more input — start the next unit rather
			// than returning, so a single read carrying several whole
			// messages produces several messageReceived callbacks from
			// one Decode call ( property 3: decoder output is a
			// pure function of the byte stream, not of how it was chunked
			// into reads).
			if err := m.finishAndCleanup(out); err != nil {
				return err
			}
			if !in.HasRemaining() {
				return nil
			}
			m.current, err = m.init()
			if err != nil {
				return err
			}
			m.initialized = true
			continue
		}

		pos := in.Position()
		oldState := m.current
		next, derr := m.current.Decode(in, childOut)
		if derr != nil {
			if derr == NeedMoreInput {
				return nil
			}
			return derr
		}
		m.current = next
		m.childProducts = append(m.childProducts, childOut.Messages()...)
		childOut.messages = nil

		if m.current == nil {
			continue
		}
		if !in.HasRemaining() {
			// Condition (b): no more bytes this round; preserve state.
			return nil
		}
		if in.Position() == pos && m.current == oldState {
			// Condition (c): no progress possible with what's left.
			return nil
		}
	}
}

// FinishDecode is the EOF path: the session is closing or the
// parent machine is finalizing with no more bytes coming. It delegates
// to the current state's FinishDecode, then to the machine's own finish
// callback exactly as a nil-transition would.
func (m *DecodingStateMachine) FinishDecode(out *Output) error {
	if !m.initialized || m.current == nil {
		return nil
	}
	childOut := &Output{}
	next, err := m.current.FinishDecode(childOut)
	m.childProducts = append(m.childProducts, childOut.Messages()...)
	if err != nil {
		m.current = nil
		m.cleanup()
		return err
	}
	m.current = next
	return m.finishAndCleanup(out)
}

func (m *DecodingStateMachine) finishAndCleanup(out *Output) error {
	var err error
	if m.finish != nil {
		_, err = m.finish(m.childProducts, out)
	} else {
		for _, p := range m.childProducts {
			out.Emit(p)
		}
	}
	m.cleanup()
	return err
}

// cleanup clears child products, calls
// Destroy, mark uninitialized, never masking a primary error with a
// destroy failure (Destroy here has no error return, so there is
// nothing to mask, but the ordering — cleanup after the primary result
// is computed — is preserved).
func (m *DecodingStateMachine) cleanup() {
	m.childProducts = nil
	if m.destroy != nil {
		m.destroy()
	}
	m.initialized = false
}

// Destroy is exposed for callers that need to force-release a machine
// that never reached a terminal state (e.g. the session closed mid
// decode); it is also invoked automatically at every successful
// termination via cleanup.
func (m *DecodingStateMachine) Destroy() {
	m.cleanup()
}

package selector

import "sync"

// Policy selects how a SelectorStrategy distributes newly accepted
// sessions across a pool of SelectorProcessors.
type Policy int

const (
	// RoundRobin cycles through the pool in order. The default: simple,
	// and fair under a steady accept rate.
	RoundRobin Policy = iota
	// LeastLoaded picks the processor with the fewest live sessions at
	// accept time, read via each processor's atomic Load().
	LeastLoaded
	// StickyToAcceptor always returns the processor that accepted the
	// connection, skipping cross-processor handoff entirely.
	StickyToAcceptor
)

// Strategy fans accepted connections out across a fixed processor
// pool. Safe for concurrent use: Select is called from whichever
// processor's worker goroutine happened to accept a connection.
type Strategy struct {
	mu         sync.Mutex
	policy     Policy
	processors []*SelectorProcessor
	next       int
}

// NewStrategy builds a Strategy over procs using policy.
func NewStrategy(policy Policy, procs ...*SelectorProcessor) *Strategy {
	return &Strategy{policy: policy, processors: procs}
}

// Select returns the processor that should own the next accepted
// session. accepting is the processor whose listener received it,
// used directly by StickyToAcceptor and as the fallback for an empty
// pool.
func (st *Strategy) Select(accepting *SelectorProcessor) *SelectorProcessor {
	if st == nil || len(st.processors) == 0 {
		return accepting
	}
	switch st.policy {
	case StickyToAcceptor:
		return accepting
	case LeastLoaded:
		best := st.processors[0]
		for _, p := range st.processors[1:] {
			if p.Load() < best.Load() {
				best = p
			}
		}
		return best
	default: // RoundRobin
		st.mu.Lock()
		p := st.processors[st.next%len(st.processors)]
		st.next++
		st.mu.Unlock()
		return p
	}
}

// Processors returns the underlying pool, e.g. for Service to pick the
// processor that owns a new listener and to broadcast Unbind.
func (st *Strategy) Processors() []*SelectorProcessor { return st.processors }

package walsender

import "sync"

// Latch is an edge-triggered wake primitive: a single "set" bit, safe to
// poke (Set) from any goroutine — including a signal-delivery goroutine —
// and consumed by exactly one waiter following the reset-check-wait pattern
// described in SPEC_FULL.md §5. It is the in-process analogue of the
// original design's shared-memory latch attached to a process.
type Latch struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewLatch returns a ready-to-use Latch in the unset state.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{}, 1)}
}

// Set pokes the latch. Safe to call concurrently, including from a signal
// handler goroutine; never blocks.
func (l *Latch) Set() {
	select {
	case l.ch <- struct{}{}:
	default:
	}
}

// Reset clears the set-bit without waiting. Callers follow reset -> check
// condition -> wait so a Set arriving between the check and the wait is not
// lost (§5).
func (l *Latch) Reset() {
	select {
	case <-l.ch:
	default:
	}
}

// C returns the channel that becomes readable when the latch is set. Select
// on it alongside socket readability and a timeout to implement
// waitOnLatchOrSocket (§4.5 step 5).
func (l *Latch) C() <-chan struct{} {
	return l.ch
}

package walsender

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// SlotState is one of the four states a sender slot can advertise (§3, §4.6).
type SlotState int

const (
	// StateStartup is the initial state, set on acquire and held through
	// the handshake (§4.4, §4.5).
	StateStartup SlotState = iota
	StateBackup
	StateCatchup
	StateStreaming
)

// String renders the state via the fixed mapping used by the stats
// snapshot (§4.6): {STARTUP, BACKUP, CATCHUP, STREAMING, UNKNOWN}.
func (s SlotState) String() string {
	switch s {
	case StateStartup:
		return "STARTUP"
	case StateBackup:
		return "BACKUP"
	case StateCatchup:
		return "CATCHUP"
	case StateStreaming:
		return "STREAMING"
	default:
		return "UNKNOWN"
	}
}

// Slot is one record in the process-wide slot table (§3). pid is the
// free/used discriminator: 0 means free. mu guards state and sentPtr, and
// the 0->nonzero claim of pid in Acquire; Release clears pid without mu. The
// latch is always safe to touch lock-free.
type Slot struct {
	mu      sync.Mutex
	pid     int64 // 0 iff free; owning connection id otherwise
	state   SlotState
	sentPtr LogPos
	latch   *Latch
}

// Owned reports whether the slot is currently claimed. It reads pid under
// mu; pid is only ever cleared by its own owner without the lock (§4.1
// release), and only ever set 0->nonzero by Acquire while holding mu.
func (s *Slot) Owned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid != 0
}

// Snapshot copies pid, state and sentPtr under mu, matching the stats
// snapshot's "under mutex, copy sentPtr and state" step (§4.6).
func (s *Slot) Snapshot() (pid int64, state SlotState, sentPtr LogPos) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid, s.state, s.sentPtr
}

// setState writes state only if it differs from the current value, taking
// mu only on the write path — setState(slot, s) in §4.1 is a no-op without a
// lock when unchanged.
func (s *Slot) setState(state SlotState) {
	if s.state == state {
		return
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// setSentPtr publishes a new sentPtr under mu. §5 requires the published
// value to always be >= every byte that reached flush; callers only call
// this after a successful flush (§4.3 step 8).
func (s *Slot) setSentPtr(pos LogPos) {
	s.mu.Lock()
	s.sentPtr = pos
	s.mu.Unlock()
}

// Latch returns the slot's wake primitive. Safe to call without mu: the
// pointer is fixed for the lifetime of the table (§4.1 init).
func (s *Slot) Latch() *Latch {
	return s.latch
}

// SlotTable is the fixed-capacity, process-wide table of sender slots
// (§4.1). In the original design it lives in shared memory so every backend
// process can see it; here every per-connection goroutine shares the same
// *SlotTable by reference, which gets the same effect without any shared
// memory segment (SPEC_FULL.md §0).
type SlotTable struct {
	slots []*Slot
	// sem bounds concurrent acquisition to len(slots) with a non-blocking
	// TryAcquire, the analogue of the linear free-slot scan in §4.1: a
	// failed TryAcquire is exactly TOO_MANY_SENDERS.
	sem *semaphore.Weighted
}

// NewSlotTable allocates a table of maxSenders slots. maxSenders of 0 is
// legal (§6 Configuration) — every subsequent Acquire then fails.
func NewSlotTable(maxSenders uint32) *SlotTable {
	t := &SlotTable{
		slots: make([]*Slot, maxSenders),
		sem:   semaphore.NewWeighted(int64(maxSenders)),
	}
	for i := range t.slots {
		t.slots[i] = &Slot{latch: NewLatch()}
	}
	return t
}

// Len returns the fixed slot count (shmemSize is a pure function of this in
// the original design; here it's simply len(slots)).
func (t *SlotTable) Len() int {
	return len(t.slots)
}

// Acquire claims the first free slot for pid, initializing state=STARTUP
// and sentPtr=(0,0) (§4.1). Returns ErrTooManySenders if none is free.
func (t *SlotTable) Acquire(ctx context.Context, pid int64) (*Slot, error) {
	if !t.sem.TryAcquire(1) {
		return nil, ErrTooManySenders
	}
	for _, s := range t.slots {
		s.mu.Lock()
		if s.pid == 0 {
			s.pid = pid
			s.state = StateStartup
			s.sentPtr = LogPos{}
			s.mu.Unlock()
			return s, nil
		}
		s.mu.Unlock()
	}
	// Should be unreachable: the semaphore's weight matches len(slots), so
	// a successful acquire always finds a free slot. Release and fail safe.
	t.sem.Release(1)
	return nil, ErrTooManySenders
}

// Release clears pid without taking mu, mirroring §4.1: "no lock required —
// only the owner writes pid, and no other sender will try to claim a slot
// whose pid transitions to 0 without also taking the lock."
func (t *SlotTable) Release(s *Slot) {
	s.pid = 0
	t.sem.Release(1)
}

// WakeAll signals every slot's latch regardless of pid (§4.1). A running
// Sender waits on its own Latch, not on its slot's, so WakeAll does not wake
// it; signals reach senders through SignalBroadcaster instead.
func (t *SlotTable) WakeAll() {
	for _, s := range t.slots {
		s.latch.Set()
	}
}

// Slots returns the underlying slots in index order, for the stats
// snapshot (§4.6).
func (t *SlotTable) Slots() []*Slot {
	return t.slots
}

// Package supervisor provides a minimal concrete walsender.Supervisor
// sufficient to run the daemon standalone: recovery-in-progress tracking
// and a live sender registry, without any of the broader process-management
// machinery the original design's postmaster provides.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
)

// Supervisor tracks whether the server is still in crash recovery and which
// connection ids are currently active senders.
type Supervisor struct {
	recovering atomic.Bool

	mu      sync.Mutex
	senders map[int64]struct{}
}

// New returns a Supervisor that is not in recovery and has no active
// senders. Call MarkRecovering(true) before accepting connections if the
// daemon starts from a non-trivial recovery state, then MarkRecovering(false)
// once recovery completes.
func New() *Supervisor {
	return &Supervisor{senders: make(map[int64]struct{})}
}

// MarkRecovering sets the recovery-in-progress flag.
func (s *Supervisor) MarkRecovering(v bool) {
	s.recovering.Store(v)
}

// RecoveryInProgress implements walsender.Supervisor.
func (s *Supervisor) RecoveryInProgress(_ context.Context) (bool, error) {
	return s.recovering.Load(), nil
}

// MarkAsSender implements walsender.Supervisor.
func (s *Supervisor) MarkAsSender(pid int64) {
	s.mu.Lock()
	s.senders[pid] = struct{}{}
	s.mu.Unlock()
}

// UnmarkAsSender implements walsender.Supervisor.
func (s *Supervisor) UnmarkAsSender(pid int64) {
	s.mu.Lock()
	delete(s.senders, pid)
	s.mu.Unlock()
}

// ActiveSenders returns the count of currently registered senders.
func (s *Supervisor) ActiveSenders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.senders)
}

// Alive implements walsender.Supervisor. This concrete Supervisor lives in
// the same process as every sender it tracks, so as long as it can be
// asked, it is alive; there is no separate postmaster process whose death
// this process would need to detect.
func (s *Supervisor) Alive(_ context.Context) (bool, error) {
	return true, nil
}

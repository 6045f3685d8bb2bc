package walsender

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"golang.org/x/sync/errgroup"
)

// Sender is one connection's full lifecycle: handshake, slot bookkeeping,
// and the streaming loop, grounded on SPEC_FULL.md §4.5's entry sequence and
// main loop. One Sender runs in its own goroutine per accepted connection
// (SPEC_FULL.md §0).
type Sender struct {
	id     int64
	conn   net.Conn
	slot   *Slot
	table  *SlotTable
	source WALSource
	layout Layout
	super  Supervisor
	parser CommandParser
	logger *slog.Logger

	systemID   uint64
	timelineID uint32
	napDelay   time.Duration

	backend *pgproto3.Backend

	shutdown    atomic.Bool
	reload      atomic.Bool
	wakeup      atomic.Bool
	readyToStop atomic.Bool
	latch       *Latch

	metrics SenderMetrics
}

// SenderMetrics is the set of counters a Sender reports into as it streams.
// The field is optional: a nil func is simply never called, so callers
// that don't care about metrics can leave SenderMetrics zero-valued.
type SenderMetrics struct {
	OnFrameSent func(bytes int)
}

// SetMetrics attaches counters the streaming loop updates on every
// successfully flushed frame (SPEC_FULL.md DOMAIN STACK, component F).
func (s *Sender) SetMetrics(m SenderMetrics) {
	s.metrics = m
}

// NewSender builds a Sender for one accepted connection. id is the
// connection/slot identifier used for slot-table ownership and signal
// broadcaster registration.
func NewSender(id int64, conn net.Conn, table *SlotTable, source WALSource, layout Layout, super Supervisor, parser CommandParser, systemID uint64, timelineID uint32, napDelay time.Duration, logger *slog.Logger) *Sender {
	return &Sender{
		id:         id,
		conn:       conn,
		table:      table,
		source:     source,
		layout:     layout,
		super:      super,
		parser:     parser,
		systemID:   systemID,
		timelineID: timelineID,
		napDelay:   napDelay,
		logger:     logger.With("conn_id", id),
		latch:      NewLatch(),
	}
}

// Latch implements Signalable.
func (s *Sender) Latch() *Latch { return s.latch }

// RequestShutdown implements Signalable: SIGTERM asks the streaming loop to
// exit after flushing the frame currently in flight (§4.5 step 9).
func (s *Sender) RequestShutdown() { s.shutdown.Store(true) }

// RequestConfigReload implements Signalable (SIGHUP).
func (s *Sender) RequestConfigReload() { s.reload.Store(true) }

// RequestWakeup implements Signalable (SIGUSR1): just a nudge to re-check
// wake conditions, no state change of its own.
func (s *Sender) RequestWakeup() { s.wakeup.Store(true) }

// RequestReadyToStop implements Signalable (SIGUSR2): final-flush mode —
// keep emitting frames until caught up, then upgrade to a graceful
// shutdown (§4.5 step 3, §5).
func (s *Sender) RequestReadyToStop() { s.readyToStop.Store(true) }

// Run executes the full connection lifecycle: startup checks, slot
// acquisition, handshake dispatch, and (for START_REPLICATION) the
// streaming loop. It always releases the slot before returning, matching
// §4.5's guarantee that a terminated sender's slot becomes available again.
func (s *Sender) Run(ctx context.Context) error {
	defer s.conn.Close() //nolint:errcheck // best-effort on a connection already ending

	inRecovery, err := s.super.RecoveryInProgress(ctx)
	if err != nil {
		return fmt.Errorf("check recovery state: %w", err)
	}
	if inRecovery {
		return ErrCannotConnectNow
	}

	slot, err := s.table.Acquire(ctx, s.id)
	if err != nil {
		return err
	}
	s.slot = slot
	defer s.table.Release(slot)

	s.super.MarkAsSender(s.id)
	defer s.super.UnmarkAsSender(s.id)

	s.backend = pgproto3.NewBackend(bufio.NewReader(s.conn), s.conn)
	hs := &Handshake{backend: s.backend, parser: s.parser, super: s.super, systemID: s.systemID, timelineID: s.timelineID, logger: s.logger}

	result, err := hs.Run(ctx)
	if err != nil {
		if errors.Is(err, ErrTransportClosed) {
			return nil
		}
		return err
	}

	switch result.Kind {
	case CmdStartReplication:
		return s.stream(ctx, result.StartPos)
	case CmdBaseBackup:
		// Base backup transport is an explicit Non-goal (SPEC_FULL.md §1);
		// the handshake dispatcher hands off to here, but Sender holds no
		// BaseBackupSender, so the request always fails.
		return fmt.Errorf("%w: BASE_BACKUP requested but no BaseBackupSender configured", ErrProtocolViolation)
	default:
		return fmt.Errorf("%w: unexpected handshake result", ErrProtocolViolation)
	}
}

// stream runs the main catch-up/streaming loop from §4.3/§4.5: repeatedly
// build and flush frames from the slot's sentPtr, advancing it on success,
// and wait on the latch (woken by a signal, a new flush, or the nap delay)
// whenever the sender catches up to the flushed position. A background
// goroutine concurrently watches for the client closing the connection or
// sending CopyDone/CopyFail, per the teacher's pattern of one goroutine per
// concurrent concern supervised by an errgroup.
func (s *Sender) stream(ctx context.Context, start LogPos) error {
	s.slot.setState(StateCatchup)
	s.slot.setSentPtr(start)

	s.backend.Send(&pgproto3.CopyBothResponse{OverallFormat: 0})
	if err := s.backend.Flush(); err != nil {
		return fmt.Errorf("%w: send CopyBothResponse: %v", ErrTransportClosed, err)
	}

	framer := NewFramer(s.source, s.layout)

	group, gctx := errgroup.WithContext(ctx)
	clientGone := make(chan struct{})
	group.Go(func() error {
		defer close(clientGone)
		return s.watchClient(gctx)
	})

	group.Go(func() error {
		return s.pump(gctx, framer, clientGone)
	})

	err := group.Wait()
	if errors.Is(err, ErrTransportClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pump is the frame-build-and-flush half of the streaming loop (§4.3 steps
// 1-9, §4.5's numbered streaming-loop iteration).
func (s *Sender) pump(ctx context.Context, framer *Framer, clientGone <-chan struct{}) error {
	for {
		select {
		case <-clientGone:
			return ErrTransportClosed
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Reset before checking flags and building a frame, so a latch Set
		// arriving after these checks still ends the wait below.
		s.latch.Reset()

		alive, err := s.super.Alive(ctx)
		if err != nil {
			return fmt.Errorf("%w: probe failed: %v", ErrSupervisorGone, err)
		}
		if !alive {
			return ErrSupervisorGone
		}

		if s.reload.Swap(false) {
			s.logger.Info("reload requested; this sender keeps its current layout and nap delay")
		}
		s.wakeup.Store(false)

		if s.readyToStop.Load() {
			if err := s.pumpOneFrame(ctx, framer); err != nil {
				return err
			}
		}

		if s.shutdown.Load() {
			err := s.sendShutdownTrailer()
			s.conn.Close() //nolint:errcheck // unblocks watchClient's pending Receive
			return err
		}

		_, _, sentPtr := s.slot.Snapshot()
		caughtUp, frame, err := framer.BuildFrame(ctx, sentPtr)
		if err != nil {
			return err
		}
		if len(frame.Payload) > 0 {
			if err := s.flushFrame(frame); err != nil {
				return err
			}
			s.slot.setSentPtr(frame.End)
		}
		if caughtUp {
			s.slot.setState(StateStreaming)
			if err := s.waitOnLatchOrTimeout(ctx, clientGone); err != nil {
				return err
			}
		}
	}
}

// pumpOneFrame drives the final-flush path (§4.5 step 3): build and send
// whatever frame remains from the slot's current sentPtr, and once that
// frame catches the sender up to the flush position, upgrade to a full
// shutdown so the next check in pump sends the graceful-end trailer.
func (s *Sender) pumpOneFrame(ctx context.Context, framer *Framer) error {
	_, _, sentPtr := s.slot.Snapshot()
	caughtUp, frame, err := framer.BuildFrame(ctx, sentPtr)
	if err != nil {
		return err
	}
	if len(frame.Payload) > 0 {
		if err := s.flushFrame(frame); err != nil {
			return err
		}
		s.slot.setSentPtr(frame.End)
	}
	if caughtUp {
		s.shutdown.Store(true)
	}
	return nil
}

// sendShutdownTrailer emits the graceful-end trailer (§4.5 step 4, §6): a
// CommandComplete tagged "COPY 0" ends the COPY BOTH session cleanly so the
// follower sees a normal close rather than a dropped connection.
func (s *Sender) sendShutdownTrailer() error {
	s.backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("COPY 0")})
	if err := s.backend.Flush(); err != nil {
		return fmt.Errorf("%w: send shutdown trailer: %v", ErrTransportClosed, err)
	}
	return nil
}

// flushFrame wraps frame.Payload in a CopyData message, the wire framing
// this spec layers over pgproto3's own CopyData envelope (§4.3 step 7,
// §6).
func (s *Sender) flushFrame(frame Frame) error {
	s.backend.Send(&pgproto3.CopyData{Data: frame.Payload})
	if err := s.backend.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	if s.metrics.OnFrameSent != nil {
		s.metrics.OnFrameSent(len(frame.Payload))
	}
	return nil
}

// waitOnLatchOrTimeout blocks until the latch fires (a signal, or a nudge
// after a new flush), the nap delay elapses, or the client disconnects
// (§4.5 step 5). The caller resets the latch before its checks.
func (s *Sender) waitOnLatchOrTimeout(ctx context.Context, clientGone <-chan struct{}) error {
	timer := time.NewTimer(s.napDelay)
	defer timer.Stop()

	select {
	case <-s.latch.C():
	case <-timer.C:
	case <-clientGone:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// watchClient reads from the connection for as long as streaming continues,
// watching for CopyDone/CopyFail/Terminate or a transport error — the
// client-initiated half of §4.5's termination conditions.
func (s *Sender) watchClient(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := s.backend.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrTransportClosed
			}
			return fmt.Errorf("%w: %v", ErrTransportClosed, err)
		}
		switch msg.(type) {
		case *pgproto3.CopyDone, *pgproto3.CopyFail, *pgproto3.Terminate:
			return ErrTransportClosed
		}
	}
}

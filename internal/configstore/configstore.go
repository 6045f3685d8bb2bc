// Package configstore layers a Postgres-backed dynamic override onto the
// static environment configuration loaded at startup (internal/config),
// letting an operator change nap_delay_ms and max_frame at runtime without a
// restart (SPEC_FULL.md §6 "Config system"); max_senders is fixed at startup.
// New values apply to connections accepted after the reload. It reuses
// the teacher's storage.DB LISTEN/NOTIFY wiring (internal/storage) rather
// than hand-rolling a second Postgres connection pool.
package configstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/logship/internal/config"
	"github.com/ashita-ai/logship/internal/storage"
	"github.com/ashita-ai/logship/internal/walsender"
)

// ChannelConfigReload is the NOTIFY channel an operator (or an admin tool)
// pushes to after updating the settings table, so a change takes effect
// without waiting for the poll interval or a SIGHUP.
const ChannelConfigReload = "logship_config_reload"

// overrides is the atomically-swapped live value behind Current/Reload.
type overrides struct {
	layout   walsender.Layout
	napDelay uint32
}

// Store implements walsender.ConfigSource against a settings table plus a
// LISTEN/NOTIFY push channel. A nil Store (no ConfigStoreURL configured) is
// never constructed; callers fall back to the static config.Config values
// directly in that case.
type Store struct {
	db       *storage.DB
	base     config.Config
	current  atomic.Pointer[overrides]
	logger   *slog.Logger
}

// New opens the settings store and primes it with cfg's static values as
// the initial override set, so Current() always returns something sane
// even before the first Reload.
func New(ctx context.Context, db *storage.DB, cfg config.Config, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, base: cfg, logger: logger}
	s.current.Store(&overrides{
		layout: walsender.Layout{
			PageSize: cfg.PageSize,
			SegSize:  cfg.SegSize,
			FileSize: cfg.FileSize,
			MaxFrame: cfg.MaxFrame,
		},
		napDelay: cfg.NapDelayMS,
	})

	if err := db.Listen(ctx, ChannelConfigReload); err != nil {
		return nil, fmt.Errorf("configstore: listen: %w", err)
	}
	if err := s.Reload(ctx); err != nil {
		logger.Warn("configstore: initial reload failed, using static config", "error", err)
	}
	return s, nil
}

// Current implements walsender.ConfigSource.
func (s *Store) Current() (walsender.Layout, uint32) {
	ov := s.current.Load()
	return ov.layout, ov.napDelay
}

// Reload re-reads the settings table and atomically swaps the live values.
// If the table or row is missing, Reload returns the query error and the
// store keeps serving the previous (or static-default) values.
func (s *Store) Reload(ctx context.Context) error {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT max_frame, nap_delay_ms FROM logship_settings WHERE id = 1`)

	var maxFrame int64
	var napDelay int64
	if err := row.Scan(&maxFrame, &napDelay); err != nil {
		return fmt.Errorf("configstore: query settings: %w", err)
	}

	prev := s.current.Load()
	next := &overrides{
		layout: walsender.Layout{
			PageSize: prev.layout.PageSize,
			SegSize:  prev.layout.SegSize,
			FileSize: prev.layout.FileSize,
			MaxFrame: uint32(maxFrame), //nolint:gosec // bounded by operator-managed settings row
		},
		napDelay: uint32(napDelay), //nolint:gosec // bounded by operator-managed settings row
	}
	s.current.Store(next)
	s.logger.Info("configstore: reloaded", "max_frame", next.layout.MaxFrame, "nap_delay_ms", next.napDelay)
	return nil
}

// Watch runs until ctx is canceled, calling Reload every time a
// logship_config_reload notification arrives. It is meant to run in its own
// goroutine alongside the SIGHUP-driven reload path.
func (s *Store) Watch(ctx context.Context) error {
	for {
		channel, _, err := s.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("configstore: wait for notification failed, retrying", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if channel != ChannelConfigReload {
			continue
		}
		if err := s.Reload(ctx); err != nil {
			s.logger.Warn("configstore: reload after notification failed", "error", err)
		}
	}
}

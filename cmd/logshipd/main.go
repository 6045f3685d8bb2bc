// Command logshipd runs the WAL-shipping sender daemon: it accepts
// replication connections on a TCP listener and streams write-ahead log
// segments from local disk to each connected follower (SPEC_FULL.md §§0-6).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/logship/internal/config"
	"github.com/ashita-ai/logship/internal/configstore"
	"github.com/ashita-ai/logship/internal/storage"
	"github.com/ashita-ai/logship/internal/supervisor"
	"github.com/ashita-ai/logship/internal/telemetry"
	"github.com/ashita-ai/logship/internal/walsender"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load() // optional; missing .env is not an error

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT)
	defer stop()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, "0.1.0", cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	super := supervisor.New()

	var configSource walsender.ConfigSource
	if cfg.ConfigStoreURL != "" {
		db, err := storage.New(ctx, cfg.ConfigStoreURL, cfg.ConfigStoreNotifyURL, logger)
		if err != nil {
			return fmt.Errorf("connect config store: %w", err)
		}
		defer db.Close(context.Background())

		store, err := configstore.New(ctx, db, cfg, logger)
		if err != nil {
			return fmt.Errorf("init config store: %w", err)
		}
		go func() {
			if err := store.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("config store watch exited", "error", err)
			}
		}()
		configSource = store
	}

	layout := walsender.Layout{PageSize: cfg.PageSize, SegSize: cfg.SegSize, FileSize: cfg.FileSize, MaxFrame: cfg.MaxFrame}
	if configSource != nil {
		layout, _ = configSource.Current()
	}

	table := walsender.NewSlotTable(cfg.MaxSenders)
	broadcaster := walsender.NewSignalBroadcaster(logger)
	defer broadcaster.Stop()

	var nextConnID atomic.Int64

	framesTotal, bytesTotal, activeSenders := registerSenderMetrics(logger)

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	defer listener.Close() //nolint:errcheck // best-effort on shutdown

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	logger.Info("logshipd listening", "addr", cfg.ListenAddr, "max_senders", cfg.MaxSenders)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("accept failed", "error", err)
			continue
		}

		id := nextConnID.Add(1)
		connLogger := logger.With("conn_uuid", uuid.NewString())
		napDelay := time.Duration(cfg.NapDelayMS) * time.Millisecond
		if configSource != nil {
			connLayout, nap := configSource.Current()
			layout = connLayout
			napDelay = time.Duration(nap) * time.Millisecond
		}

		connLayout := layout
		flushedPos := func() walsender.LogPos {
			pos, err := walsender.ScanFlushedPos(cfg.WALDir, connLayout)
			if err != nil {
				logger.Warn("scan flushed position failed", "error", err)
			}
			return pos
		}
		source := walsender.NewFileSegmentReader(cfg.WALDir, layout,
			flushedPos,
			func() walsender.LogPos { return walsender.LogPos{} },
		)

		sender := walsender.NewSender(id, conn, table, source, layout, super,
			walsender.NewCommandParser(), cfg.SystemID, cfg.TimelineID, napDelay, connLogger)
		sender.SetMetrics(walsender.SenderMetrics{
			OnFrameSent: func(n int) {
				framesTotal.Add(ctx, 1)
				bytesTotal.Add(ctx, int64(n))
			},
		})

		broadcaster.Register(id, sender)
		activeSenders.Add(ctx, 1)

		go func() {
			defer broadcaster.Unregister(id)
			defer activeSenders.Add(ctx, -1)

			if err := sender.Run(ctx); err != nil {
				connLogger.Warn("sender exited with error", "conn_id", id, "error", err)
			}
		}()
	}
}

// registerSenderMetrics creates the OTEL instruments the streaming loop
// updates: frames sent, bytes sent, and active sender gauge (SPEC_FULL.md
// DOMAIN STACK, component F).
func registerSenderMetrics(logger *slog.Logger) (framesTotal, bytesTotal metric.Int64Counter, activeSenders metric.Int64UpDownCounter) {
	meter := telemetry.Meter("github.com/ashita-ai/logship/walsender")

	framesTotal, err := meter.Int64Counter("logship.frames_sent_total")
	if err != nil {
		logger.Warn("register frames_sent_total metric failed", "error", err)
	}
	bytesTotal, err = meter.Int64Counter("logship.bytes_sent_total")
	if err != nil {
		logger.Warn("register bytes_sent_total metric failed", "error", err)
	}
	activeSenders, err = meter.Int64UpDownCounter("logship.active_senders")
	if err != nil {
		logger.Warn("register active_senders metric failed", "error", err)
	}
	return framesTotal, bytesTotal, activeSenders
}

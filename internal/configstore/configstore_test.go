package configstore_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/logship/internal/config"
	"github.com/ashita-ai/logship/internal/configstore"
	"github.com/ashita-ai/logship/internal/storage"
)

// startPostgres boots a plain postgres container, the configstore
// equivalent of the teacher's MustStartTimescaleDB, trimmed to a bare image
// since neither pgvector nor timescaledb is needed for a settings table.
func startPostgres(t *testing.T) (dsn string, cleanup func()) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "logship",
			"POSTGRES_PASSWORD": "logship",
			"POSTGRES_DB":       "logship",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn = fmt.Sprintf("postgres://logship:logship@%s:%s/logship?sslmode=disable", host, port.Port())
	return dsn, func() { _ = container.Terminate(ctx) }
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestStoreReloadsOnNotify(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker, skipped with -short")
	}

	dsn, cleanup := startPostgres(t)
	defer cleanup()
	ctx := context.Background()

	bootstrap, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	_, err = bootstrap.Exec(ctx, `CREATE TABLE logship_settings (
		id INT PRIMARY KEY,
		max_frame BIGINT NOT NULL,
		nap_delay_ms BIGINT NOT NULL
	)`)
	require.NoError(t, err)
	_, err = bootstrap.Exec(ctx, `INSERT INTO logship_settings (id, max_frame, nap_delay_ms) VALUES (1, 65536, 200)`)
	require.NoError(t, err)
	require.NoError(t, bootstrap.Close(ctx))

	db, err := storage.New(ctx, dsn, dsn, testLogger())
	require.NoError(t, err)
	defer db.Close(ctx)

	cfg := config.Config{PageSize: 8192, SegSize: 16 << 20, FileSize: 16 << 20 * 4, MaxFrame: 65536, NapDelayMS: 200}
	store, err := configstore.New(ctx, db, cfg, testLogger())
	require.NoError(t, err)

	layout, nap := store.Current()
	require.Equal(t, uint32(65536), layout.MaxFrame)
	require.Equal(t, uint32(200), nap)

	updater, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer updater.Close(ctx)

	_, err = updater.Exec(ctx, `UPDATE logship_settings SET max_frame = 32768, nap_delay_ms = 50 WHERE id = 1`)
	require.NoError(t, err)
	_, err = updater.Exec(ctx, fmt.Sprintf("SELECT pg_notify('%s', '')", configstore.ChannelConfigReload))
	require.NoError(t, err)

	watchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	go func() { _ = store.Watch(watchCtx) }()

	require.Eventually(t, func() bool {
		layout, _ := store.Current()
		return layout.MaxFrame == 32768
	}, 4*time.Second, 50*time.Millisecond)
}

// Package config loads and validates logship configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all logship daemon configuration.
type Config struct {
	// Listener settings — the replication connection is a single bidirectional
	// TCP byte stream, one per accepted connection (see SPEC_FULL.md §0).
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Replication protocol identity, advertised by IDENTIFY_SYSTEM (§4.4).
	SystemID   uint64
	TimelineID uint32

	// WAL layout (§3). PageSize must divide SegSize, SegSize must divide FileSize.
	WALDir   string // directory holding segment files, read-only to the sender
	PageSize uint32
	SegSize  uint32
	FileSize uint32
	MaxFrame uint32 // must be <= SegSize (§9 open question)

	// Sender lifecycle (§4.1, §5).
	MaxSenders uint32 // default 0; acquisition always fails until raised
	NapDelayMS uint32 // default 200

	// Optional dynamic config store (SPEC_FULL.md §6 "Config system").
	ConfigStoreURL       string // Postgres DSN for the settings table; empty disables it
	ConfigStoreNotifyURL string // Postgres DSN for LISTEN/NOTIFY; empty disables push reload

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Returns an error if any environment variable contains an unparseable value.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		ListenAddr:           envStr("LOGSHIP_LISTEN_ADDR", ":5433"),
		WALDir:               envStr("LOGSHIP_WAL_DIR", "/var/lib/logship/wal"),
		ConfigStoreURL:       envStr("LOGSHIP_CONFIGSTORE_URL", ""),
		ConfigStoreNotifyURL: envStr("LOGSHIP_CONFIGSTORE_NOTIFY_URL", ""),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "logship"),
		LogLevel:             envStr("LOGSHIP_LOG_LEVEL", "info"),
	}

	var systemID, timelineID, pageSize, segSize, maxFrame, maxSenders, napDelay int
	systemID, errs = collectInt(errs, "LOGSHIP_SYSTEM_ID", 1)
	timelineID, errs = collectInt(errs, "LOGSHIP_TIMELINE_ID", 1)
	pageSize, errs = collectInt(errs, "LOGSHIP_PAGE_SIZE", 8192)
	segSize, errs = collectInt(errs, "LOGSHIP_SEG_SIZE", 16*1024*1024)
	maxFrame, errs = collectInt(errs, "LOGSHIP_MAX_FRAME", 128*1024)
	maxSenders, errs = collectInt(errs, "LOGSHIP_MAX_SENDERS", 0)
	napDelay, errs = collectInt(errs, "LOGSHIP_NAP_DELAY_MS", 200)

	// FileSize defaults to the largest multiple of SegSize not exceeding 2^32-1,
	// so the (logId, recOff) rollover in §3 lands on a segment boundary.
	defaultFileSize := 0
	if segSize > 0 {
		defaultFileSize = int((uint64(0xFFFFFFFF) / uint64(segSize)) * uint64(segSize))
	}
	var fileSize int
	fileSize, errs = collectInt(errs, "LOGSHIP_FILE_SIZE", defaultFileSize)

	cfg.SystemID = uint64(systemID) //nolint:gosec // bounded by operator-supplied config
	cfg.TimelineID = uint32(timelineID)
	cfg.PageSize = uint32(pageSize)
	cfg.SegSize = uint32(segSize)
	cfg.FileSize = uint32(fileSize)
	cfg.MaxFrame = uint32(maxFrame)
	cfg.MaxSenders = uint32(maxSenders)
	cfg.NapDelayMS = uint32(napDelay)

	cfg.OTELInsecure, errs = collectBool(errs, "OTEL_EXPORTER_OTLP_INSECURE", false)

	cfg.ReadTimeout, errs = collectDuration(errs, "LOGSHIP_READ_TIMEOUT", 30*time.Second)
	cfg.WriteTimeout, errs = collectDuration(errs, "LOGSHIP_WRITE_TIMEOUT", 30*time.Second)

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return Config{}, fmt.Errorf("config: invalid environment variables:\n  %s", strings.Join(msgs, "\n  "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// collectInt parses an int env var, appending any error to the accumulator.
func collectInt(errs []error, key string, fallback int) (int, []error) {
	v, err := envInt(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectBool parses a bool env var, appending any error to the accumulator.
func collectBool(errs []error, key string, fallback bool) (bool, []error) {
	v, err := envBool(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectDuration parses a duration env var, appending any error to the accumulator.
func collectDuration(errs []error, key string, fallback time.Duration) (time.Duration, []error) {
	v, err := envDuration(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// Validate checks that required configuration is sane, enforcing the
// divisibility constraints from SPEC_FULL.md §3 and the MaxFrame <= SegSize
// constraint from §9's open question.
func (c Config) Validate() error {
	var errs []error

	if c.WALDir == "" {
		errs = append(errs, errors.New("config: LOGSHIP_WAL_DIR is required"))
	}
	if c.PageSize == 0 || c.SegSize%c.PageSize != 0 {
		errs = append(errs, errors.New("config: LOGSHIP_PAGE_SIZE must divide LOGSHIP_SEG_SIZE"))
	}
	if c.SegSize == 0 || c.FileSize%c.SegSize != 0 {
		errs = append(errs, errors.New("config: LOGSHIP_SEG_SIZE must divide LOGSHIP_FILE_SIZE"))
	}
	if c.MaxFrame == 0 || c.MaxFrame > c.SegSize {
		errs = append(errs, errors.New("config: LOGSHIP_MAX_FRAME must be positive and <= LOGSHIP_SEG_SIZE (see SPEC_FULL.md §9)"))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, errors.New("config: LOGSHIP_READ_TIMEOUT must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("config: LOGSHIP_WRITE_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

package audit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/shellbox/config"
)

// Default Log settings
const (
	DefaultExcerptBytes = 1800
	DefaultWriteTimeout = 2 * time.Second
)

// ExcerptMarker is appended to an output excerpt that was cut short
const ExcerptMarker = "\n... (output truncated)"

// Options configures a Log
type Options struct {
	ExcerptBytes int
	WriteTimeout time.Duration
}

// Option customizes a Log
type Option func(*Log)

// WithClock sets the time source for record timestamps
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// WithIDGenerator sets the record ID source
func WithIDGenerator(newID func() string) Option {
	return func(l *Log) {
		l.newID = newID
	}
}

// Log is the audit log used by the request path
type Log struct {
	store    Store
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
	newID    func() string
	failures atomic.Int64
}

// NewLog wraps store
func NewLog(logger *zap.Logger, store Store, opts Options, options ...Option) *Log {
	if opts.ExcerptBytes <= 0 {
		opts.ExcerptBytes = DefaultExcerptBytes
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	l := &Log{
		store:  store,
		logger: logger,
		opts:   opts,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, option := range options {
		option(l)
	}
	return l
}

// NewFromConfig opens the configured store and wraps it in a Log
func NewFromConfig(ctx context.Context, logger *zap.Logger, cfg *config.Config) (*Log, error) {
	store, err := OpenStore(ctx, logger, cfg.Audit)
	if err != nil {
		return nil, err
	}
	return NewLog(logger, store, Options{
		ExcerptBytes: cfg.Audit.ExcerptBytes,
		WriteTimeout: cfg.Audit.WriteTimeout,
	}), nil
}

// OpenStore opens the store selected by cfg.Backend
func OpenStore(ctx context.Context, logger *zap.Logger, cfg config.AuditConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(ctx, logger, cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported audit backend: %s", cfg.Backend)
	}
}

// Append stamps record with an ID and timestamp, truncates its output
// excerpt and writes it. The write outlives cancellation of ctx but is
// bounded by the write timeout. A failed write is logged and counted,
// never returned.
func (l *Log) Append(ctx context.Context, record Record) Record {
	if record.ID == "" {
		record.ID = l.newID()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = l.now().UTC()
	}
	record.OutputExcerpt = Excerpt(record.OutputExcerpt, l.opts.ExcerptBytes)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.WriteTimeout)
	defer cancel()

	if err := l.store.Insert(writeCtx, record); err != nil {
		l.failures.Add(1)
		l.logger.Error("Failed to write audit record",
			zap.String("id", record.ID),
			zap.String("user_id", record.UserID),
			zap.String("action", string(record.Action)),
			zap.String("outcome", string(record.Outcome)),
			zap.Error(err))
	}
	return record
}

// Query reads records back, most recent first
func (l *Log) Query(ctx context.Context, filter Filter) ([]Record, error) {
	return l.store.Query(ctx, filter)
}

// Failures is the number of records that could not be persisted
func (l *Log) Failures() int64 {
	return l.failures.Load()
}

// Close closes the underlying store
func (l *Log) Close() error {
	return l.store.Close()
}

// Excerpt cuts s to at most limit bytes, on a rune boundary, and marks
// the cut with ExcerptMarker.
func Excerpt(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ExcerptMarker
}

package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/shellbox/config"
)

// Category names a class of rate-limited action
type Category string

// Known categories
const (
	SessionCreate    Category = config.CategorySessionCreate
	CommandExec      Category = config.CategoryCommandExec
	InteractiveQuery Category = config.CategoryInteractiveQuery
)

// ErrUnknownCategory is returned for a category with no configured budget
var ErrUnknownCategory = errors.New("ratelimit: unknown category")

// Limit is the budget of one category
type Limit struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of Check
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Stats describes a user's usage of one category
type Stats struct {
	Used      int           `json:"used"`
	Remaining int           `json:"remaining"`
	Limit     int           `json:"limit"`
	Window    time.Duration `json:"window"`
	ResetIn   time.Duration `json:"reset_in"`
}

type bucketKey struct {
	user     string
	category Category
}

type bucket struct {
	resetAt time.Time
	count   int
}

// Limiter tracks usage per (user, category). All methods are safe for
// concurrent use; a single mutex makes check-and-increment atomic.
type Limiter struct {
	logger *zap.Logger
	limits map[Category]Limit
	now    func() time.Time

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces the wall clock, for tests
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a Limiter enforcing limits
func New(logger *zap.Logger, limits map[Category]Limit, opts ...Option) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		logger:  logger,
		limits:  limits,
		now:     time.Now,
		buckets: make(map[bucketKey]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewFromConfig creates a Limiter from cfg.RateLimits
func NewFromConfig(logger *zap.Logger, cfg *config.Config) *Limiter {
	limits := make(map[Category]Limit, len(cfg.RateLimits))
	for name, limit := range cfg.RateLimits {
		limits[Category(name)] = Limit{Limit: limit.Limit, Window: limit.Window}
	}
	return New(logger, limits)
}

// Check consumes one unit of user's budget for category if the current
// window has room, and otherwise reports how long until it resets.
func (l *Limiter) Check(user string, category Category) (Decision, error) {
	limit, ok := l.limits[category]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := bucketKey{user: user, category: category}
	b, ok := l.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		l.buckets[key] = &bucket{resetAt: now.Add(limit.Window), count: 1}
		return Decision{Allowed: true}, nil
	}

	if b.count >= limit.Limit {
		retryAfter := b.resetAt.Sub(now)
		l.logger.Debug("rate limited",
			zap.String("user", user),
			zap.String("category", string(category)),
			zap.Duration("retry_after", retryAfter))
		return Decision{RetryAfter: retryAfter}, nil
	}

	b.count++
	return Decision{Allowed: true}, nil
}

// Stats reports user's current usage of category without consuming budget
func (l *Limiter) Stats(user string, category Category) (Stats, error) {
	limit, ok := l.limits[category]
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Stats{Remaining: limit.Limit, Limit: limit.Limit, Window: limit.Window}
	now := l.now()
	if b, ok := l.buckets[bucketKey{user: user, category: category}]; ok && now.Before(b.resetAt) {
		stats.Used = b.count
		stats.Remaining = max(0, limit.Limit-b.count)
		stats.ResetIn = b.resetAt.Sub(now)
	}
	return stats, nil
}

// Reset clears every window held by user
func (l *Limiter) Reset(user string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key := range l.buckets {
		if key.user == user {
			delete(l.buckets, key)
		}
	}
	l.logger.Info("rate limit reset", zap.String("user", user))
}

// Cleanup drops elapsed windows and returns how many were removed
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		if !now.Before(b.resetAt) {
			delete(l.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("rate limiter buckets cleaned up", zap.Int("removed", removed))
	}
	return removed
}

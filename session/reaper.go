package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/shellbox/config"
)

// Reaper periodically calls Store.Reap, independent of request traffic.
// It must be started with Start and stopped with Stop.
type Reaper struct {
	logger   *zap.Logger
	store    *Store
	interval time.Duration
	sweeps   []func()

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a stopped Reaper. Each sweep runs after every Reap
// pass; the rate limiter's Cleanup is the usual one.
func NewReaper(logger *zap.Logger, store *Store, interval time.Duration, sweeps ...func()) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		logger:   logger,
		store:    store,
		interval: interval,
		sweeps:   sweeps,
	}
}

// NewReaperFromConfig creates a Reaper ticking every session.reap_interval
func NewReaperFromConfig(logger *zap.Logger, cfg *config.Config, store *Store, sweeps ...func()) *Reaper {
	return NewReaper(logger, store, cfg.Session.ReapInterval, sweeps...)
}

// Start launches the background loop. Calling Start on a running Reaper
// does nothing.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)

	r.logger.Info("session reaper started", zap.Duration("interval", r.interval))
}

// Stop cancels the loop and waits for it to exit
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("session reaper stopped")
}

func (r *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce()
		}
	}
}

// RunOnce performs a single reap pass followed by the sweeps
func (r *Reaper) RunOnce() ReapResult {
	result := r.store.Reap()
	if result.Expired > 0 || result.Purged > 0 {
		r.logger.Info("reaped sessions",
			zap.Int("expired", result.Expired),
			zap.Int("purged", result.Purged))
	}
	for _, sweep := range r.sweeps {
		sweep()
	}
	return result
}

package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/shellbox/command"
	"github.com/isdmx/shellbox/config"
)

// Options configures a Store
type Options struct {
	Root        string
	IdleTimeout time.Duration
	MaxPerUser  int
	HistorySize int
	// Retention is how long terminal sessions stay visible before Reap
	// purges them.
	Retention time.Duration
}

// Store holds all sessions in memory. It is safe for concurrent use.
type Store struct {
	logger *zap.Logger
	opts   Options
	now    func() time.Time
	newID  func() string

	mu       sync.RWMutex
	sessions map[string]*session
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithClock replaces the wall clock, for tests
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithIDGenerator replaces the session id generator
func WithIDGenerator(newID func() string) StoreOption {
	return func(s *Store) {
		s.newID = newID
	}
}

// NewStore creates an empty Store
func NewStore(logger *zap.Logger, opts Options, storeOpts ...StoreOption) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		newID:    uuid.NewString,
		sessions: make(map[string]*session),
	}
	for _, opt := range storeOpts {
		opt(s)
	}
	return s
}

// NewStoreFromConfig creates a Store from the sandbox and session sections
// of cfg
func NewStoreFromConfig(logger *zap.Logger, cfg *config.Config) *Store {
	return NewStore(logger, Options{
		Root:        cfg.Sandbox.Root,
		IdleTimeout: cfg.Session.IdleTimeout,
		MaxPerUser:  cfg.Session.MaxPerUser,
		HistorySize: cfg.Session.HistorySize,
		Retention:   cfg.Session.Retention,
	})
}

// Root returns the sandbox root every session is confined to
func (s *Store) Root() string {
	return s.opts.Root
}

// Create starts a new Active session for userID rooted at the sandbox
// root. It fails with ErrTooManySessions when userID already holds
// MaxPerUser live sessions.
func (s *Store) Create(userID string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	live := 0
	for _, sess := range s.sessions {
		if sess.userID != userID {
			continue
		}
		sess.mu.Lock()
		if sess.state == StateActive && !s.idle(sess, now) {
			live++
		}
		sess.mu.Unlock()
	}
	if live >= s.opts.MaxPerUser {
		return Info{}, fmt.Errorf("%w: user holds %d of %d", ErrTooManySessions, live, s.opts.MaxPerUser)
	}

	sess := &session{
		id:           s.newID(),
		userID:       userID,
		createdAt:    now,
		workDir:      s.opts.Root,
		lastActivity: now,
		state:        StateActive,
	}
	s.sessions[sess.id] = sess

	s.logger.Info("session created",
		zap.String("session_id", sess.id),
		zap.String("user", userID))

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshot(), nil
}

// Get returns a copy of the session. Sessions owned by another user are
// reported as ErrNotFound; terminal sessions return their info together
// with ErrExpired or ErrClosed.
func (s *Store) Get(id, userID string) (Info, error) {
	sess, err := s.lookup(id, userID)
	if err != nil {
		return Info{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshot(), stateError(sess.state)
}

// Touch records activity on an Active session
func (s *Store) Touch(id string) error {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := stateError(sess.state); err != nil {
		return err
	}
	sess.lastActivity = s.now()
	return nil
}

// Acquire takes the session's run lock for one command and touches it.
// The caller must Release the returned Lease. An Active session that has
// already been idle past the timeout is expired on the spot.
func (s *Store) Acquire(id, userID string) (*Lease, error) {
	sess, err := s.lookup(id, userID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	state := sess.state
	sess.mu.Unlock()
	if err := stateError(state); err != nil {
		return nil, err
	}

	if !sess.run.TryLock() {
		return nil, ErrBusy
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := stateError(sess.state); err != nil {
		sess.run.Unlock()
		return nil, err
	}

	now := s.now()
	if s.idle(sess, now) {
		sess.end(StateExpired, now)
		sess.run.Unlock()
		s.logger.Info("session expired on access",
			zap.String("session_id", sess.id),
			zap.String("user", sess.userID))
		return nil, ErrExpired
	}

	sess.lastActivity = now
	return &Lease{store: s, sess: sess}, nil
}

// Close moves the session to Closed. Closing a terminal session is a
// no-op.
func (s *Store) Close(id, userID string) error {
	sess, err := s.lookup(id, userID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == StateActive {
		sess.end(StateClosed, s.now())
		s.logger.Info("session closed",
			zap.String("session_id", sess.id),
			zap.String("user", sess.userID))
	}
	return nil
}

// List returns copies of userID's sessions, oldest first
func (s *Store) List(userID string) []Info {
	s.mu.RLock()
	owned := make([]*session, 0)
	for _, sess := range s.sessions {
		if sess.userID == userID {
			owned = append(owned, sess)
		}
	}
	s.mu.RUnlock()

	infos := make([]Info, 0, len(owned))
	for _, sess := range owned {
		sess.mu.Lock()
		infos = append(infos, sess.snapshot())
		sess.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// ReapResult summarizes one Reap pass
type ReapResult struct {
	Expired int
	Purged  int
}

// Reap expires idle Active sessions and purges terminal sessions older
// than the retention period. Sessions with a command in flight are
// skipped.
func (s *Store) Reap() ReapResult {
	s.mu.RLock()
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	var result ReapResult
	var purge []string
	now := s.now()
	for _, sess := range all {
		if !sess.run.TryLock() {
			continue
		}
		sess.mu.Lock()
		switch {
		case sess.state == StateActive && s.idle(sess, now):
			sess.end(StateExpired, now)
			result.Expired++
			s.logger.Info("session expired",
				zap.String("session_id", sess.id),
				zap.String("user", sess.userID),
				zap.Time("last_activity", sess.lastActivity))
		case sess.state.Terminal() && now.Sub(sess.endedAt) >= s.opts.Retention:
			purge = append(purge, sess.id)
		}
		sess.mu.Unlock()
		sess.run.Unlock()
	}

	if len(purge) > 0 {
		s.mu.Lock()
		for _, id := range purge {
			delete(s.sessions, id)
		}
		s.mu.Unlock()
		result.Purged = len(purge)
	}
	return result
}

func (s *Store) lookup(id, userID string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok || sess.userID != userID {
		return nil, ErrNotFound
	}
	return sess, nil
}

// idle must be called with sess.mu held
func (s *Store) idle(sess *session, now time.Time) bool {
	return now.Sub(sess.lastActivity) > s.opts.IdleTimeout
}

// Lease is exclusive access to one session for the duration of a single
// command. It is not safe for concurrent use.
type Lease struct {
	store    *Store
	sess     *session
	released bool
}

// Info returns a copy of the leased session
func (l *Lease) Info() Info {
	l.sess.mu.Lock()
	defer l.sess.mu.Unlock()
	return l.sess.snapshot()
}

// WorkDir returns the session's current working directory
func (l *Lease) WorkDir() string {
	l.sess.mu.Lock()
	defer l.sess.mu.Unlock()
	return l.sess.workDir
}

// ChangeDir moves the session to dir, which must already be canonical and
// inside the sandbox root
func (l *Lease) ChangeDir(dir string) error {
	if !command.Within(l.store.opts.Root, dir) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, dir)
	}
	l.sess.mu.Lock()
	defer l.sess.mu.Unlock()
	l.sess.workDir = dir
	return nil
}

// Record appends entry to the bounded history, evicting the oldest entry
// when full, and counts the command
func (l *Lease) Record(entry Entry) {
	l.sess.mu.Lock()
	defer l.sess.mu.Unlock()

	l.sess.commandCount++
	l.sess.history = append(l.sess.history, entry)
	if limit := l.store.opts.HistorySize; limit > 0 && len(l.sess.history) > limit {
		l.sess.history = append(l.sess.history[:0], l.sess.history[len(l.sess.history)-limit:]...)
	}
	if l.sess.state == StateActive {
		l.sess.lastActivity = l.store.now()
	}
}

// Release gives up the run lock. It is safe to call more than once.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	l.sess.run.Unlock()
}

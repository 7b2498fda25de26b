package session

import (
	"errors"
	"sync"
	"time"
)

// State is the lifecycle state of a session
type State string

// Session states. Expired and Closed are terminal.
const (
	StateActive  State = "active"
	StateExpired State = "expired"
	StateClosed  State = "closed"
)

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == StateExpired || s == StateClosed
}

// Errors returned by Store operations
var (
	ErrNotFound        = errors.New("session not found")
	ErrExpired         = errors.New("session expired")
	ErrClosed          = errors.New("session closed")
	ErrBusy            = errors.New("session busy")
	ErrTooManySessions = errors.New("too many sessions")
	ErrOutsideRoot     = errors.New("directory outside sandbox root")
)

// Entry is one executed invocation in a session's history
type Entry struct {
	At       time.Time `json:"at"`
	Command  string    `json:"command"`
	ExitCode int       `json:"exit_code"`
}

// Info is a point-in-time copy of a session
type Info struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	WorkDir        string    `json:"working_directory"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	State          State     `json:"state"`
	CommandCount   int       `json:"command_count"`
	History        []Entry   `json:"history,omitempty"`
}

type session struct {
	id        string
	userID    string
	createdAt time.Time

	// run serializes commands; held by a Lease
	run sync.Mutex

	mu           sync.Mutex
	workDir      string
	lastActivity time.Time
	state        State
	endedAt      time.Time
	commandCount int
	history      []Entry
}

// snapshot must be called with s.mu held
func (s *session) snapshot() Info {
	history := make([]Entry, len(s.history))
	copy(history, s.history)
	return Info{
		ID:             s.id,
		UserID:         s.userID,
		WorkDir:        s.workDir,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		State:          s.state,
		CommandCount:   s.commandCount,
		History:        history,
	}
}

// stateError maps a terminal state to its error
func stateError(state State) error {
	switch state {
	case StateExpired:
		return ErrExpired
	case StateClosed:
		return ErrClosed
	default:
		return nil
	}
}

// end moves s into a terminal state. Must be called with s.mu held.
func (s *session) end(state State, now time.Time) {
	s.state = state
	s.endedAt = now
}

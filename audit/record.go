package audit

import (
	"context"
	"time"
)

// Outcome is the result class of an audited attempt
type Outcome string

// Outcomes
const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

// Action names the boundary operation that was attempted
type Action string

// Actions
const (
	ActionCreateSession Action = "session.create"
	ActionSubmitCommand Action = "command.submit"
	ActionCloseSession  Action = "session.close"
	ActionConsumeQuota  Action = "quota.consume"
)

// Record is one audit entry. SessionID is empty when the attempt failed
// before a session was resolved; ExitCode is nil unless a process ran.
type Record struct {
	ID            string    `json:"id" yaml:"id"`
	SessionID     string    `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	UserID        string    `json:"user_id" yaml:"user_id"`
	Action        Action    `json:"action" yaml:"action"`
	RawInput      string    `json:"raw_input" yaml:"raw_input"`
	Outcome       Outcome   `json:"outcome" yaml:"outcome"`
	Reason        string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp" yaml:"timestamp"`
	ExitCode      *int      `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	OutputExcerpt string    `json:"output_excerpt,omitempty" yaml:"output_excerpt,omitempty"`
}

// Filter selects records for Query. Zero fields match everything.
type Filter struct {
	UserID    string
	SessionID string
	Action    Action
	Outcome   Outcome
	Since     time.Time
	Limit     int
	Offset    int
}

// Query page sizes
const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 500
)

// normalize clamps the page parameters
func (f Filter) normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// matches reports whether r satisfies every non-zero field of f
func (f Filter) matches(r Record) bool {
	switch {
	case f.UserID != "" && r.UserID != f.UserID:
		return false
	case f.SessionID != "" && r.SessionID != f.SessionID:
		return false
	case f.Action != "" && r.Action != f.Action:
		return false
	case f.Outcome != "" && r.Outcome != f.Outcome:
		return false
	case !f.Since.IsZero() && r.Timestamp.Before(f.Since):
		return false
	}
	return true
}

// Store persists records
type Store interface {
	Insert(ctx context.Context, record Record) error
	// Query returns matching records most recent first
	Query(ctx context.Context, filter Filter) ([]Record, error)
	Close() error
}

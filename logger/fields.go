package logger

import (
	"strconv"

	"go.uber.org/zap"
)

// Field keys shared by every component
const (
	KeyUser      = "user"
	KeySessionID = "session_id"
	KeyRawInput  = "raw_input"
)

// MaxRawInputLen caps how much untrusted input reaches the log
const MaxRawInputLen = 256

// ForSession returns a child of log tagged with the user and, when set,
// the session
func ForSession(log *zap.Logger, user, sessionID string) *zap.Logger {
	if sessionID == "" {
		return log.With(zap.String(KeyUser, user))
	}
	return log.With(zap.String(KeyUser, user), zap.String(KeySessionID, sessionID))
}

// RawInput is a field holding caller-supplied input. Control characters
// are escaped and the value is cut to MaxRawInputLen bytes, so a hostile
// command cannot forge log lines in console mode.
func RawInput(raw string) zap.Field {
	if len(raw) > MaxRawInputLen {
		raw = raw[:MaxRawInputLen]
	}
	quoted := strconv.Quote(raw)
	return zap.String(KeyRawInput, quoted[1:len(quoted)-1])
}

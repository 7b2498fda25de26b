// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. Production mode emits JSON with ISO8601 timestamps;
// development mode emits colored console output. Output always goes to
// stderr because stdout may carry the MCP stdio transport.
//
// ForSession and RawInput give every component the same field names for
// the caller, the session and untrusted command text.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	logger.ForSession(log, user, sessionID).Debug("command submitted", logger.RawInput(raw))
package logger

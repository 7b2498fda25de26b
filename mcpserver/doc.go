// Package mcpserver exposes the sandbox controller as Model Context
// Protocol (MCP) tools.
//
// Tools: create_session, submit_command, close_session, list_sessions,
// query_audit and rate_limit_status. Every tool takes the caller's
// user_id, which the surrounding gateway is trusted to supply. Results
// are JSON text; controller failures come back as tool errors whose JSON
// body carries the error kind, so callers can tell RateLimited from
// SessionBusy without parsing messages.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, ctrl)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.Start()
//	defer server.Stop(ctx)
package mcpserver

// Package main is the entry point for the shellbox server.
//
// shellbox lets remote, untrusted callers run a narrow set of allow-listed
// commands inside per-user sessions confined to one sandbox directory,
// under per-user rate limits and with every attempt written to an audit
// log. The sandbox is exposed as MCP tools over stdio or HTTP.
//
// Subcommands:
//
//	shellbox serve  [--config path]   run the MCP server (default)
//	shellbox audit  [--config path]   print audit records as YAML
//
// The server uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main

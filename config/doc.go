// Package config provides application configuration management.
//
// Configuration is read from a YAML file (config.yaml in the working
// directory or ./config, or an explicit path), an optional .env file and
// SHELLBOX_* environment variables, in increasing order of precedence.
// It covers the transport, logging, the sandbox root and executable
// allow-list, validation rules, session lifecycle, per-category rate
// limits and the audit store.
//
// Usage:
//
//	cfg, err := config.Load("/etc/shellbox/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox root: %s\n", cfg.Sandbox.Root)
package config

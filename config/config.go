package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// SHELLBOX_SANDBOX_ROOT or SHELLBOX_RATE_LIMITS_COMMAND_EXEC_LIMIT.
const EnvPrefix = "SHELLBOX"

// Rate limit categories that must be configured.
const (
	CategorySessionCreate    = "session-create"
	CategoryCommandExec      = "command-exec"
	CategoryInteractiveQuery = "interactive-query"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig               `mapstructure:"server"`
	Logging    LoggingConfig              `mapstructure:"logging"`
	Sandbox    SandboxConfig              `mapstructure:"sandbox"`
	Validator  ValidatorConfig            `mapstructure:"validator"`
	Session    SessionConfig              `mapstructure:"session"`
	RateLimits map[string]RateLimitConfig `mapstructure:"rate_limits"`
	Audit      AuditConfig                `mapstructure:"audit"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds the execution engine configuration
type SandboxConfig struct {
	Root               string            `mapstructure:"root"`
	AllowedExecutables []string          `mapstructure:"allowed_executables"`
	ExecTimeout        time.Duration     `mapstructure:"exec_timeout"`
	OutputLimitBytes   int               `mapstructure:"output_limit_bytes"`
	Path               string            `mapstructure:"path"`
	Env                map[string]string `mapstructure:"env"`
}

// ValidatorConfig holds command validation rules
type ValidatorConfig struct {
	ForbiddenTokens []string            `mapstructure:"forbidden_tokens"`
	CheckPathArgs   bool                `mapstructure:"check_path_args"`
	DeniedArgs      map[string][]string `mapstructure:"denied_args"`
}

// SessionConfig holds session lifecycle configuration
type SessionConfig struct {
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxPerUser   int           `mapstructure:"max_per_user"`
	HistorySize  int           `mapstructure:"history_size"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	Retention    time.Duration `mapstructure:"retention"`
}

// RateLimitConfig is the budget of one action category
type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// AuditConfig holds audit log configuration
type AuditConfig struct {
	Backend      string        `mapstructure:"backend"`
	Path         string        `mapstructure:"path"`
	ExcerptBytes int           `mapstructure:"excerpt_bytes"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultForbiddenTokens are the shell metacharacters rejected anywhere in
// raw input, quoted or not.
var DefaultForbiddenTokens = []string{";", "|", "&", "`", "$(", "(", ")", "<", ">", "\n", "\r", "\x00"}

// New loads the configuration from the default search path
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path (or config.yaml in . and ./config when
// path is empty), applies .env and SHELLBOX_* environment overrides,
// validates the result and canonicalizes the sandbox root.
func Load(path string) (*Config, error) {
	// A missing .env is the normal case
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	root, err := CanonicalRoot(config.Sandbox.Root)
	if err != nil {
		return nil, err
	}
	config.Sandbox.Root = root

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("sandbox.root", "")
	v.SetDefault("sandbox.allowed_executables", []string{
		"ls", "cat", "head", "tail", "grep", "find", "pwd", "whoami", "date", "echo",
		"wc", "sort", "uniq", "cut", "mkdir", "touch", "git", "python3",
	})
	v.SetDefault("sandbox.exec_timeout", 30*time.Second)
	v.SetDefault("sandbox.output_limit_bytes", 64*1024)
	v.SetDefault("sandbox.path", "/usr/local/bin:/usr/bin:/bin")
	v.SetDefault("sandbox.env", map[string]string{})

	v.SetDefault("validator.forbidden_tokens", DefaultForbiddenTokens)
	v.SetDefault("validator.check_path_args", true)
	v.SetDefault("validator.denied_args", map[string][]string{
		"git":     {"-c", "-C", "--exec-path", "--git-dir", "--work-tree", "config", "hook", "--upload-pack", "--receive-pack"},
		"find":    {"-exec", "-execdir", "-ok", "-okdir", "-delete", "-fprint", "-fprintf", "-fls"},
		"python3": {"-c", "-m"},
	})

	v.SetDefault("session.idle_timeout", 5*time.Minute)
	v.SetDefault("session.max_per_user", 3)
	v.SetDefault("session.history_size", 50)
	v.SetDefault("session.reap_interval", 30*time.Second)
	v.SetDefault("session.retention", time.Hour)

	v.SetDefault("rate_limits."+CategorySessionCreate+".limit", 3)
	v.SetDefault("rate_limits."+CategorySessionCreate+".window", 5*time.Minute)
	v.SetDefault("rate_limits."+CategoryCommandExec+".limit", 10)
	v.SetDefault("rate_limits."+CategoryCommandExec+".window", time.Minute)
	v.SetDefault("rate_limits."+CategoryInteractiveQuery+".limit", 5)
	v.SetDefault("rate_limits."+CategoryInteractiveQuery+".window", time.Minute)

	v.SetDefault("audit.backend", "sqlite")
	v.SetDefault("audit.path", "shellbox-audit.db")
	v.SetDefault("audit.excerpt_bytes", 1800)
	v.SetDefault("audit.write_timeout", 2*time.Second)
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // Flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Sandbox.Root == "" {
		return fmt.Errorf("sandbox.root is required")
	}

	if len(c.Sandbox.AllowedExecutables) == 0 {
		return fmt.Errorf("sandbox.allowed_executables must not be empty")
	}
	for _, name := range c.Sandbox.AllowedExecutables {
		if name == "" || strings.ContainsRune(name, '/') {
			return fmt.Errorf("sandbox.allowed_executables entry must be a bare name, got: %q", name)
		}
	}

	if c.Sandbox.ExecTimeout <= 0 {
		return fmt.Errorf("sandbox.exec_timeout must be positive, got: %s", c.Sandbox.ExecTimeout)
	}

	if c.Sandbox.OutputLimitBytes <= 0 {
		return fmt.Errorf("sandbox.output_limit_bytes must be positive, got: %d", c.Sandbox.OutputLimitBytes)
	}

	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout must be positive, got: %s", c.Session.IdleTimeout)
	}

	if c.Session.MaxPerUser <= 0 {
		return fmt.Errorf("session.max_per_user must be positive, got: %d", c.Session.MaxPerUser)
	}

	if c.Session.HistorySize <= 0 {
		return fmt.Errorf("session.history_size must be positive, got: %d", c.Session.HistorySize)
	}

	if c.Session.ReapInterval <= 0 {
		return fmt.Errorf("session.reap_interval must be positive, got: %s", c.Session.ReapInterval)
	}

	if c.Session.Retention < 0 {
		return fmt.Errorf("session.retention must not be negative, got: %s", c.Session.Retention)
	}

	for _, category := range []string{CategorySessionCreate, CategoryCommandExec, CategoryInteractiveQuery} {
		limit, ok := c.RateLimits[category]
		if !ok {
			return fmt.Errorf("rate_limits.%s is required", category)
		}
		if limit.Limit <= 0 {
			return fmt.Errorf("rate_limits.%s.limit must be positive, got: %d", category, limit.Limit)
		}
		if limit.Window <= 0 {
			return fmt.Errorf("rate_limits.%s.window must be positive, got: %s", category, limit.Window)
		}
	}

	switch c.Audit.Backend {
	case "memory":
	case "sqlite":
		if c.Audit.Path == "" {
			return fmt.Errorf("audit.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unsupported audit.backend: %s", c.Audit.Backend)
	}

	if c.Audit.ExcerptBytes <= 0 {
		return fmt.Errorf("audit.excerpt_bytes must be positive, got: %d", c.Audit.ExcerptBytes)
	}

	if c.Audit.WriteTimeout <= 0 {
		return fmt.Errorf("audit.write_timeout must be positive, got: %s", c.Audit.WriteTimeout)
	}

	return nil
}

// CanonicalRoot makes root absolute, creates it if missing and resolves
// symlinks so that every later containment check compares real paths.
func CanonicalRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving sandbox.root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("creating sandbox.root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving sandbox.root: %w", err)
	}
	return resolved, nil
}

package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/shellbox/config"
)

// NewExecutor creates the sandbox executor described by cfg.Sandbox
func NewExecutor(logger *zap.Logger, cfg *config.Config) (Executor, error) {
	if cfg.Sandbox.OutputLimitBytes <= 0 {
		return nil, fmt.Errorf("sandbox.output_limit_bytes must be positive, got: %d", cfg.Sandbox.OutputLimitBytes)
	}
	if cfg.Sandbox.ExecTimeout <= 0 {
		return nil, fmt.Errorf("sandbox.exec_timeout must be positive, got: %s", cfg.Sandbox.ExecTimeout)
	}

	executorConfig := Config{
		Timeout:     cfg.Sandbox.ExecTimeout,
		OutputLimit: cfg.Sandbox.OutputLimitBytes,
		Path:        cfg.Sandbox.Path,
		Env:         cfg.Sandbox.Env,
	}

	return NewLocalExecutor(logger, &executorConfig), nil
}

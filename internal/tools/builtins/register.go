package builtins

import (
	"time"

	"github.com/jarvis-ops/jarvis/internal/tools"
)

// Config bundles the per-builtin settings main() needs to assemble before
// registering the default tool set.
type Config struct {
	PackageManagerDefault string
	ToolTimeout           time.Duration
	Router                Completer // nil disables llm_assist on DockerVM
}

// RegisterAll registers SystemStatus, PackageManager, and DockerVM against
// registry, in that order. It stops at the first registration error.
func RegisterAll(registry *tools.Registry, cfg Config) error {
	timeout := cfg.ToolTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	builtinsList := []tools.Tool{
		SystemStatus{},
		PackageManager{DefaultManager: cfg.PackageManagerDefault, Timeout: timeout},
		DockerVM{Router: cfg.Router, Timeout: timeout},
	}

	for _, t := range builtinsList {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

package core

import (
	"go.uber.org/zap"
)

// EngineConfig holds per-engine runtime configuration.
type EngineConfig struct {
	MemoryLimitMB int           // per-runtime memory limit, 0 for none
	Bundler       ModuleBundler // resolves PreloadModule specifiers
	Logger        *zap.Logger   // receives console output
}

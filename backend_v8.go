//go:build v8

package webworker

import (
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/v8engine"
)

func defaultEngineFactory() core.EngineFactory {
	return v8engine.NewEngine
}

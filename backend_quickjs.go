//go:build !v8

package webworker

import (
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/quickjs"
)

func defaultEngineFactory() core.EngineFactory {
	return quickjs.NewEngine
}

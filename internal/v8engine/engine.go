//go:build v8

// Package v8engine is the optional worker backend on V8, selected with the
// v8 build tag.
package v8engine

import (
	"fmt"

	v8 "github.com/tommie/v8go"

	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/jsengine"
)

// NewEngine creates an isolate and context and wraps them as a worker
// engine. The abort capability terminates execution on the isolate.
func NewEngine(cfg core.EngineConfig) (core.Engine, error) {
	var iso *v8.Isolate
	if cfg.MemoryLimitMB > 0 {
		heapSize := uint64(cfg.MemoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8.NewIsolate()
	}
	ctx := v8.NewContext(iso)
	rt := &v8Runtime{iso: iso, ctx: ctx}

	e, err := jsengine.New(rt, jsengine.Hooks{
		Abort: iso.TerminateExecution,
		Close: func() {
			ctx.Close()
			iso.Dispose()
		},
	}, cfg)
	if err != nil {
		ctx.Close()
		iso.Dispose()
		return nil, fmt.Errorf("setup: %w", err)
	}
	return e, nil
}

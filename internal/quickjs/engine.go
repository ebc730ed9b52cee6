//go:build !v8

// Package quickjs is the default worker backend, built on the pure-Go
// QuickJS port from modernc.org.
package quickjs

import (
	"fmt"

	"modernc.org/quickjs"

	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/jsengine"
)

// NewEngine creates a QuickJS VM and wraps it as a worker engine. The abort
// capability interrupts the VM; it is safe to call from any goroutine.
func NewEngine(cfg core.EngineConfig) (core.Engine, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}

	if cfg.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(cfg.MemoryLimitMB) * 1024 * 1024)
	}

	rt, err := newRuntime(vm)
	if err != nil {
		vm.Close()
		return nil, err
	}

	e, err := jsengine.New(rt, jsengine.Hooks{
		Abort: func() { vm.Interrupt() },
		Close: func() { vm.Close() },
	}, cfg)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("setup: %w", err)
	}
	return e, nil
}

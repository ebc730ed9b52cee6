// Package webapi installs the script-visible globals of a worker: events,
// timers, console, error reporting and the worker scope itself.
package webapi

import (
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/eventloop"
)

// SetupFunc installs one group of globals into a fresh runtime.
type SetupFunc func(rt core.JSRuntime, el *eventloop.EventLoop) error

// Install runs setups in order, stopping at the first failure.
func Install(rt core.JSRuntime, el *eventloop.EventLoop, setups ...SetupFunc) error {
	for _, setup := range setups {
		if err := setup(rt, el); err != nil {
			return err
		}
	}
	return nil
}

// Package termination implements the two-phase cancellation protocol shared
// by every handle of a worker: a cooperative signal observed at poll
// boundaries, backed by a forced engine abort after a grace period.
package termination

import (
	"sync/atomic"
	"time"
)

// DefaultGracePeriod is how long a cooperative terminate request may go
// unobserved before the engine is aborted from the requesting side.
const DefaultGracePeriod = 2 * time.Second

// Coordinator is the single source of truth for "termination requested"
// and "engine aborted". The abort capability runs at most once.
type Coordinator struct {
	signal     atomic.Bool
	terminated atomic.Bool
	waker      AtomicWaker
	abort      AbortSlot
	grace      time.Duration

	// OnForcedAbort, when set, runs after the grace-period fallback
	// performed the abort. Set it before the coordinator is shared.
	OnForcedAbort func()
	forced        atomic.Bool
	timer         atomic.Pointer[time.Timer]
}

// New returns a Coordinator using grace as the forced-abort delay.
// A non-positive grace selects DefaultGracePeriod.
func New(grace time.Duration) *Coordinator {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Coordinator{grace: grace}
}

// GracePeriod returns the forced-abort delay.
func (c *Coordinator) GracePeriod() time.Duration { return c.grace }

// BindAbort installs the engine abort capability.
func (c *Coordinator) BindAbort(fn func()) { c.abort.Bind(fn) }

// Waker returns the waker the polling goroutine registers with.
func (c *Coordinator) Waker() *AtomicWaker { return &c.waker }

// RequestTerminate asks the worker to stop. Only the first call has an
// effect: it wakes the poller and arms the forced abort. It never blocks.
func (c *Coordinator) RequestTerminate() bool {
	if c.signal.Swap(true) {
		return false
	}
	if c.terminated.Load() {
		return true
	}
	c.waker.Wake()
	t := time.AfterFunc(c.grace, func() {
		if c.Terminate() {
			c.forced.Store(true)
			if c.OnForcedAbort != nil {
				c.OnForcedAbort()
			}
		}
	})
	c.timer.Store(t)
	if c.terminated.Load() {
		t.Stop()
	}
	return true
}

// ApplyIfNeeded is called by the poller before each poll. It reports
// whether the worker must stop, applying the abort when a request is
// pending.
func (c *Coordinator) ApplyIfNeeded() bool {
	if c.terminated.Load() {
		return true
	}
	if !c.signal.Load() {
		return false
	}
	c.Terminate()
	return true
}

// Terminate marks the worker terminated. The call that flips the flag
// disarms the forced abort, runs the abort capability and wakes the poller;
// it returns true. Every other call returns false.
func (c *Coordinator) Terminate() bool {
	if c.terminated.Swap(true) {
		return false
	}
	if t := c.timer.Load(); t != nil {
		t.Stop()
	}
	c.abort.invoke()
	c.waker.Wake()
	return true
}

// MarkTerminated records termination without running the abort. It is
// used when the host has already dropped its end of the control channel.
func (c *Coordinator) MarkTerminated() bool {
	if c.terminated.Swap(true) {
		return false
	}
	if t := c.timer.Load(); t != nil {
		t.Stop()
	}
	return true
}

// IsTerminated reports whether the abort has been applied.
func (c *Coordinator) IsTerminated() bool { return c.terminated.Load() }

// IsSignaled reports whether termination was requested.
func (c *Coordinator) IsSignaled() bool { return c.signal.Load() }

// Forced reports whether the grace-period fallback performed the abort.
func (c *Coordinator) Forced() bool { return c.forced.Load() }

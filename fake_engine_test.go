package webworker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cryguy/webworker/internal/core"
)

// fakeEngine is a scriptable core.Engine for lifecycle tests.
type fakeEngine struct {
	state *core.StateStore

	aborts    atomic.Int32
	aborted   chan struct{}
	abortOnce sync.Once
	closed    atomic.Bool
	polling   atomic.Bool
	listener  atomic.Bool
	polls     atomic.Int32

	boot     core.BootstrapArgs
	module   string
	mode     core.ModuleMode
	bootErr  error
	preErr   error
	execute  func(f *fakeEngine) error
	poll     func(f *fakeEngine, wake func()) core.PollResult
	executed []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		state:   core.NewStateStore(),
		aborted: make(chan struct{}),
	}
}

func (f *fakeEngine) factory() EngineFactory {
	return func(core.EngineConfig) (core.Engine, error) { return f, nil }
}

func (f *fakeEngine) Bootstrap(args core.BootstrapArgs) error {
	f.boot = args
	return f.bootErr
}

func (f *fakeEngine) ExecuteScript(name, code string) error {
	f.executed = append(f.executed, name)
	if f.execute != nil {
		return f.execute(f)
	}
	return nil
}

func (f *fakeEngine) PreloadModule(specifier string, mode core.ModuleMode) (core.ModuleID, error) {
	f.module = specifier
	f.mode = mode
	if f.preErr != nil {
		return 0, f.preErr
	}
	return 1, nil
}

func (f *fakeEngine) EvaluateModule(core.ModuleID) error {
	if f.execute != nil {
		return f.execute(f)
	}
	return nil
}

func (f *fakeEngine) StartPollingForMessages() { f.polling.Store(true) }

func (f *fakeEngine) HasMessageEventListener() bool { return f.listener.Load() }

func (f *fakeEngine) PollEventLoop(wake func()) core.PollResult {
	f.polls.Add(1)
	if f.poll != nil {
		return f.poll(f, wake)
	}
	return core.Ready(nil)
}

func (f *fakeEngine) AbortFunc() func() {
	return func() {
		f.aborts.Add(1)
		f.abortOnce.Do(func() { close(f.aborted) })
	}
}

func (f *fakeEngine) State() *core.StateStore { return f.state }

func (f *fakeEngine) Close() { f.closed.Store(true) }

// closeFromScript does what close() in a script does.
func (f *fakeEngine) closeFromScript() {
	if h, ok := core.Lookup[*InternalHandle](f.state, core.InternalHandleKey); ok {
		h.Close()
	}
}

func pendingForever(*fakeEngine, func()) core.PollResult { return core.Pending() }

// blockUntilAborted models a script stuck in a loop that only an engine
// abort can break.
func blockUntilAborted(f *fakeEngine, _ func()) core.PollResult {
	<-f.aborted
	return core.Ready(core.WrapEngineError(core.PhasePoll, context.Canceled))
}

func drainEvents(t *testing.T, h HostHandle) []ControlEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var evs []ControlEvent
	for {
		ev, ok, err := h.NextEvent(ctx)
		require.NoError(t, err)
		if !ok {
			return evs
		}
		evs = append(evs, ev)
	}
}

func waitDone(t *testing.T, h HostHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish")
	}
}

type exitRecord struct {
	state RunState
	err   error
}

func recordExit(opts *Options) *exitRecord {
	rec := &exitRecord{}
	opts.OnExit = func(_ WorkerID, state RunState, err error) {
		rec.state = state
		rec.err = err
	}
	return rec
}

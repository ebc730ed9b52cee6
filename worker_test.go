package webworker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cryguy/webworker/internal/control"
	"github.com/cryguy/webworker/internal/core"
)

func scriptOptions(fe *fakeEngine) Options {
	opts := DefaultOptions()
	opts.Entry = ScriptEntry("main.js", "")
	opts.EngineFactory = fe.factory()
	return opts
}

func TestWorkerID_Monotonic(t *testing.T) {
	a := newWorkerID()
	b := newWorkerID()
	assert.Greater(t, uint32(b), uint32(a))
	assert.Equal(t, "worker-7", WorkerID(7).String())
}

func TestNewWorker_RequiresEntry(t *testing.T) {
	_, _, err := NewWorker(Options{EngineFactory: newFakeEngine().factory()})
	assert.ErrorIs(t, err, ErrNoEntry)
}

func TestNewWorker_FactoryError(t *testing.T) {
	boom := errors.New("no engine")
	opts := DefaultOptions()
	opts.Entry = ScriptEntry("main.js", "")
	opts.EngineFactory = func(core.EngineConfig) (core.Engine, error) { return nil, boom }

	_, err := Start(context.Background(), opts)
	assert.ErrorIs(t, err, boom)
}

func TestSpawnHandle_IntoHostTwicePanics(t *testing.T) {
	fe := newFakeEngine()
	_, spawn, err := NewWorker(scriptOptions(fe))
	require.NoError(t, err)

	h := spawn.IntoHost()
	assert.Equal(t, spawn.ID(), h.ID())
	assert.Panics(t, func() { spawn.IntoHost() })
}

func TestWorker_BootstrapBindsIdentity(t *testing.T) {
	fe := newFakeEngine()
	opts := scriptOptions(fe)
	opts.Name = "boot"
	opts.Kind = KindNode
	opts.CloseOnIdle = true
	opts.Payload = &StartupPayload{Buffer: []byte(`{"n":1}`)}

	h, err := Start(context.Background(), opts)
	require.NoError(t, err)
	drainEvents(t, h)
	waitDone(t, h)

	assert.Equal(t, uint32(h.ID()), fe.boot.ID)
	assert.Equal(t, h.ID().String(), fe.boot.IDString)
	assert.Equal(t, "boot", fe.boot.Name)
	assert.Equal(t, KindNode, fe.boot.Kind)
	assert.True(t, fe.boot.CloseOnIdle)
	require.NotNil(t, fe.boot.Payload)
	assert.Equal(t, `{"n":1}`, string(fe.boot.Payload.Buffer))
	assert.NotNil(t, fe.boot.Port)
}

func TestWorker_CloseOnIdle(t *testing.T) {
	fe := newFakeEngine()
	opts := scriptOptions(fe)
	opts.CloseOnIdle = true
	exit := recordExit(&opts)

	h, err := Start(context.Background(), opts)
	require.NoError(t, err)

	evs := drainEvents(t, h)
	waitDone(t, h)

	require.Len(t, evs, 1)
	assert.True(t, evs[0].IsClose())
	assert.Equal(t, StateClosedIdle, exit.state)
	assert.NoError(t, exit.err)
	assert.Equal(t, int32(1), fe.aborts.Load())
	assert.True(t, fe.closed.Load())
	assert.True(t, fe.polling.Load())
	assert.True(t, h.IsTerminated())
}

func TestWorker_CloseOnIdleWaitsForListener(t *testing.T) {
	fe := newFakeEngine()
	fe.listener.Store(true)
	opts := scriptOptions(fe)
	opts.CloseOnIdle = true
	exit := recordExit(&opts)

	h, err := Start(context.Background(), opts)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fe.polls.Load() > 0 }, time.Second, time.Millisecond)
	select {
	case <-h.Done():
		t.Fatal("worker with a message listener closed while idle")
	case <-time.After(50 * time.Millisecond):
	}

	h.Terminate()
	assert.Empty(t, drainEvents(t, h))
	waitDone(t, h)
	assert.Equal(t, StateForcedTerminate, exit.state)
	assert.Equal(t, int32(1), fe.aborts.Load())
}

func TestWorker_TerminalErrorCarriesUserLocation(t *testing.T) {
	fe := newFakeEngine()
	fe.execute = func(*fakeEngine) error {
		return core.WrapEngineError(core.PhaseEvaluate, core.NewScriptError("Error", "boom",
			"Error: boom\n    at ext:webworker/eval.js:1:1\n    at run (file:///app/main.js:3:7)\n    at file:///app/main.js:5:1"))
	}
	obs, logs := observer.New(zap.ErrorLevel)
	opts := scriptOptions(fe)
	opts.Name = "boom-worker"
	opts.Logger = zap.New(obs)
	exit := recordExit(&opts)

	h, err := Start(context.Background(), opts)
	require.NoError(t, err)
	evs := drainEvents(t, h)
	waitDone(t, h)

	require.Len(t, evs, 1)
	ev := evs[0]
	require.True(t, ev.IsTerminalError())
	assert.Equal(t, "Uncaught Error: boom", ev.Message)
	require.NotNil(t, ev.Location)
	assert.Equal(t, Location{FileName: "file:///app/main.js", LineNumber: 3, ColumnNumber: 7}, *ev.Location)

	assert.Equal(t, StateTerminalError, exit.state)
	var se *ScriptError
	require.ErrorAs(t, exit.err, &se)
	assert.Equal(t, "boom", se.Message)
	assert.Equal(t, int32(1), fe.aborts.Load())
	assert.Zero(t, fe.polls.Load(), "event loop must not run after a failed entry")

	entries := logs.FilterMessage(`Uncaught (in worker "boom-worker") Error: boom`).All()
	assert.Len(t, entries, 1)
}

func TestWorker_FormatErrorIsUsed(t *testing.T) {
	fe := newFakeEngine()
	fe.execute = func(*fakeEngine) error {
		return core.NewScriptError("TypeError", "bad", "TypeError: bad\n    at f (main.js:1:2)")
	}
	obs, logs := observer.New(zap.ErrorLevel)
	opts := scriptOptions(fe)
	opts.Name = "fmt"
	opts.Logger = zap.New(obs)
	opts.FormatError = FormatScriptError

	h, err := Start(context.Background(), opts)
	require.NoError(t, err)
	drainEvents(t, h)
	waitDone(t, h)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Uncaught (in worker \"fmt\") TypeError: bad\n    at f (main.js:1:2)", logs.All()[0].Message)
}

func TestWorker_CustomInternalFramePredicate(t *testing.T) {
	fe := newFakeEngine()
	fe.execute = func(*fakeEngine) error {
		return core.NewScriptError("Error", "x", "Error: x\n    at lib (vendor/lib.js:1:1)\n    at main (app.js:2:3)")
	}
	opts := scriptOptions(fe)
	opts.InternalFrame = func(file string) bool { return file == "vendor/lib.js" }

	h, err := Start(context.Background(), opts)
	require.NoError(t, err)
	evs := drainEvents(t, h)
	require.Len(t, evs, 1)
	require.NotNil(t, evs[0].Location)
	assert.Equal(t, "app.js", evs[0].Location.FileName)
}

func TestWorker_NonScriptErrorFallsBackToText(t *testing.T) {
	fe := newFakeEngine()
	fe.preErr = core.WrapEngineError(core.PhaseLoad, errors.New("module not found"))
	opts := DefaultOptions()
	opts.Entry = ModuleEntry("./missing.js", ModeMain)
	opts.EngineFactory = fe.factory()

	h, err := Start(context.Background(), opts)
	require.NoError(t, err)
	evs := drainEvents(t, h)

	require.Len(t, evs, 1)
	assert.Equal(t, "load: module not found", evs[0].Message)
	assert.Nil(t, evs[0].Location)
	assert.False(t, fe.polling.Load())
}

func TestWorker_PollErrorIsTerminal(t *testing.T) {
	fe := newFakeEngine()
	fe.poll = func(*fakeEngine, func()) core.PollResult {
		return core.Ready(core.WrapEngineError(core.PhasePoll, core.NewScriptError("Error", "late", "")))
	}
	opts := scriptOptions(fe)
	exit := recordExit(&opts)

	h, err := Start(context.Background(), opts)
	require.NoError(t, err)
	evs := drainEvents(t, h)
	waitDone(t, h)

	require.Len(t, evs, 1)
	assert.Equal(t, "Uncaught Error: late", evs[0].Message)
	assert.Equal(t, StateTerminalError, exit.state)
}

func TestWorker_ModuleMainAndSide(t *testing.T) {
	for _, mode := range []ModuleMode{ModeMain, ModeSide} {
		fe := newFakeEngine()
		opts := DefaultOptions()
		opts.Entry = ModuleEntry("./mod.js", mode)
		opts.EngineFactory = fe.factory()
		opts.CloseOnIdle = true

		h, err := Start(context.Background(), opts)
		require.NoError(t, err)
		drainEvents(t, h)
		waitDone(t, h)

		assert.Equal(t, "./mod.js", fe.module)
		assert.Equal(t, mode, fe.mode)
		assert.True(t, fe.polling.Load())
	}
}

func TestWorker_ExplicitClose(t *testing.T) {
	fe := newFakeEngine()
	fe.execute = func(f *fakeEngine) error {
		f.closeFromScript()
		return core.WrapEngineError(core.PhaseEvaluate, errors.New("interrupted"))
	}
	opts := DefaultOptions()
	opts.Entry = ModuleEntry("./close.js", ModeMain)
	opts.EngineFactory = fe.factory()
	exit := recordExit(&opts)

	h, err := Start(context.Background(), opts)
	require.NoError(t, err)
	evs := drainEvents(t, h)
	waitDone(t, h)

	require.Len(t, evs, 1)
	assert.True(t, evs[0].IsClose())
	assert.Equal(t, StateClosedExplicit, exit.state)
	assert.NoError(t, exit.err)
	assert.Equal(t, int32(1), fe.aborts.Load())
	assert.Zero(t, fe.polls.Load())
}

func TestWorker_ExplicitCloseFromEventLoop(t *testing.T) {
	fe := newFakeEngine()
	fe.poll = func(f *fakeEngine, _ func()) core.PollResult {
		f.closeFromScript()
		return core.Ready(errors.New("interrupted"))
	}
	opts := scriptOptions(fe)
	exit := recordExit(&opts)

	h, err := Start(context.Background(), opts)
	require.NoError(t, err)
	evs := drainEvents(t, h)
	waitDone(t, h)

	require.Len(t, evs, 1)
	assert.True(t, evs[0].IsClose())
	assert.Equal(t, StateClosedExplicit, exit.state)
	assert.Equal(t, int32(1), fe.aborts.Load())
}

func TestWorker_ExplicitCloseWhileLoopStaysPending(t *testing.T) {
	fe := newFakeEngine()
	fe.listener.Store(true)
	fe.poll = func(f *fakeEngine, _ func()) core.PollResult {
		f.closeFromScript()
		return core.Pending()
	}
	opts := scriptOptions(fe)
	exit := recordExit(&opts)

	h, err := Start(context.Background(), opts)
	require.NoError(t, err)
	evs := drainEvents(t, h)
	waitDone(t, h)

	require.Len(t, evs, 1)
	assert.True(t, evs[0].IsClose())
	assert.Equal(t, StateClosedExplicit, exit.state)
	assert.Equal(t, int32(1), fe.aborts.Load())
	assert.Equal(t, int32(1), fe.polls.Load())
	assert.True(t, fe.closed.Load())
}

func TestWorker_PersistentNeverTerminates(t *testing.T) {
	fe := newFakeEngine()
	fe.poll = pendingForever
	opts := scriptOptions(fe)

	h, err := Start(context.Background(), opts)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fe.polls.Load() > 0 }, time.Second, time.Millisecond)
	select {
	case <-h.Done():
		t.Fatal("persistent worker reached a terminal state on its own")
	case <-time.After(100 * time.Millisecond):
	}
	ev, ok, err := h.TryNextEvent()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, ControlEvent{}, ev)
	assert.Zero(t, fe.aborts.Load())

	h.Terminate()
	waitDone(t, h)
}

func TestWorker_CooperativeTerminate(t *testing.T) {
	fe := newFakeEngine()
	fe.poll = pendingForever
	opts := scriptOptions(fe)
	forced := make(chan WorkerID, 1)
	opts.OnForcedAbort = func(id WorkerID) { forced <- id }
	exit := recordExit(&opts)

	h, err := Start(context.Background(), opts)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fe.polls.Load() > 0 }, time.Second, time.Millisecond)

	h.Terminate()
	assert.Empty(t, drainEvents(t, h))
	waitDone(t, h)

	assert.Equal(t, StateForcedTerminate, exit.state)
	assert.Equal(t, int32(1), fe.aborts.Load())
	assert.Empty(t, forced)
}

func TestWorker_ForcedAbortAfterGracePeriod(t *testing.T) {
	fe := newFakeEngine()
	fe.poll = blockUntilAborted
	opts := scriptOptions(fe)
	opts.GracePeriod = 200 * time.Millisecond
	forced := make(chan WorkerID, 1)
	opts.OnForcedAbort = func(id WorkerID) { forced <- id }
	exit := recordExit(&opts)

	h, err := Start(context.Background(), opts)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fe.polls.Load() > 0 }, time.Second, time.Millisecond)

	start := time.Now()
	h.Terminate()
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Terminate must not block")

	assert.Empty(t, drainEvents(t, h))
	waitDone(t, h)

	select {
	case id := <-forced:
		assert.Equal(t, h.ID(), id)
	case <-time.After(time.Second):
		t.Fatal("forced abort callback not called")
	}
	assert.Equal(t, StateForcedTerminate, exit.state)
	assert.Equal(t, int32(1), fe.aborts.Load())
}

func TestWorker_TerminateBeforePolling(t *testing.T) {
	fe := newFakeEngine()
	release := make(chan struct{})
	fe.execute = func(*fakeEngine) error {
		<-release
		return nil
	}
	fe.poll = pendingForever
	opts := scriptOptions(fe)
	opts.GracePeriod = time.Hour
	exit := recordExit(&opts)

	h, err := Start(context.Background(), opts)
	require.NoError(t, err)
	h.Terminate()
	close(release)

	waitDone(t, h)
	assert.Equal(t, StateForcedTerminate, exit.state)
	assert.Zero(t, fe.polls.Load())
	assert.Equal(t, int32(1), fe.aborts.Load())
}

func TestWorker_ConcurrentCloneTerminate(t *testing.T) {
	for _, n := range []int{0, 1, 2, 16, 128} {
		fe := newFakeEngine()
		fe.poll = pendingForever
		opts := scriptOptions(fe)

		h, err := Start(context.Background(), opts)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(c HostHandle) {
				defer wg.Done()
				c.Terminate()
			}(h.Clone())
		}
		wg.Wait()
		if n == 0 {
			h.Terminate()
		}

		waitDone(t, h)
		assert.Equal(t, int32(1), fe.aborts.Load(), "n=%d", n)
		assert.True(t, h.IsTerminated())

		// Terminating a finished worker is a no-op.
		h.Terminate()
		assert.Equal(t, int32(1), fe.aborts.Load(), "n=%d", n)
	}
}

func TestWorker_ContextCancelTerminates(t *testing.T) {
	fe := newFakeEngine()
	fe.poll = pendingForever
	opts := scriptOptions(fe)
	exit := recordExit(&opts)

	ctx, cancel := context.WithCancel(context.Background())
	h, err := Start(ctx, opts)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fe.polls.Load() > 0 }, time.Second, time.Millisecond)

	cancel()
	waitDone(t, h)
	assert.Equal(t, StateForcedTerminate, exit.state)
	assert.Equal(t, int32(1), fe.aborts.Load())
}

func TestWorker_ReleasedHostSkipsAbort(t *testing.T) {
	fe := newFakeEngine()
	release := make(chan struct{})
	fe.execute = func(*fakeEngine) error {
		<-release
		return nil
	}
	opts := scriptOptions(fe)
	opts.CloseOnIdle = true
	exit := recordExit(&opts)

	h, err := Start(context.Background(), opts)
	require.NoError(t, err)
	h.Release()
	close(release)

	waitDone(t, h)
	assert.Equal(t, StateClosedIdle, exit.state)
	assert.True(t, h.IsTerminated())
	assert.Zero(t, fe.aborts.Load(), "a worker the host let go of is not aborted")

	_, ok, err := h.NextEvent(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorker_ClassicPersistentToleratesIdle(t *testing.T) {
	for _, kind := range []WorkerKind{KindClassic, KindNode} {
		fe := newFakeEngine()
		obs, logs := observer.New(zap.ErrorLevel)
		opts := scriptOptions(fe)
		opts.Kind = kind
		opts.Logger = zap.New(obs)
		exit := recordExit(&opts)

		h, err := Start(context.Background(), opts)
		require.NoError(t, err)
		evs := drainEvents(t, h)
		waitDone(t, h)

		assert.Equal(t, StateClosedIdle, exit.state, "kind=%s", kind)
		require.Len(t, evs, 1)
		assert.True(t, evs[0].IsClose())
		assert.Equal(t, 1, logs.FilterMessage("classic worker terminated unexpectedly").Len())
	}
}

func TestWorker_ModulePersistentIdlePanics(t *testing.T) {
	fe := newFakeEngine()
	opts := scriptOptions(fe)
	opts.Kind = KindModule

	w, spawn, err := NewWorker(opts)
	require.NoError(t, err)
	h := spawn.IntoHost()

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_, _ = w.Run(context.Background())
	}()

	var ice *InternalConsistencyError
	require.ErrorAs(t, recovered.(error), &ice)
	assert.Equal(t, KindModule, ice.Kind)

	// Teardown still ran.
	waitDone(t, h)
	assert.True(t, fe.closed.Load())
	assert.Equal(t, int32(1), fe.aborts.Load())
}

func TestWorker_RunStateProgression(t *testing.T) {
	fe := newFakeEngine()
	var seen []RunState
	var w *Worker
	fe.execute = func(*fakeEngine) error {
		seen = append(seen, w.State())
		return nil
	}
	fe.poll = func(*fakeEngine, func()) core.PollResult {
		seen = append(seen, w.State())
		return core.Ready(nil)
	}
	opts := scriptOptions(fe)
	opts.CloseOnIdle = true

	w, spawn, err := NewWorker(opts)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, w.State())
	h := spawn.IntoHost()

	state, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateClosedIdle, state)
	assert.Equal(t, []RunState{StateLoading, StateRunning}, seen)
	assert.True(t, state.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.Equal(t, "closed_idle", state.String())
	waitDone(t, h)
}

func TestInternalHandle_PostEventOnce(t *testing.T) {
	fe := newFakeEngine()
	fe.poll = pendingForever
	_, spawn, err := NewWorker(scriptOptions(fe))
	require.NoError(t, err)

	ih, ok := core.Lookup[*InternalHandle](fe.state, core.InternalHandleKey)
	require.True(t, ok)
	assert.Equal(t, spawn.ID(), ih.ID())

	require.NoError(t, ih.PostEvent(core.CloseEvent()))
	assert.ErrorIs(t, ih.PostEvent(core.CloseEvent()), ErrEventAlreadyPosted)

	h := spawn.IntoHost()
	ev, ok, err := h.TryNextEvent()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ev.IsClose())
}

func TestHostHandle_SingleReader(t *testing.T) {
	fe := newFakeEngine()
	fe.poll = pendingForever
	h, err := Start(context.Background(), scriptOptions(fe))
	require.NoError(t, err)
	defer h.Terminate()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		close(started)
		_, _, _ = h.NextEvent(ctx)
	}()
	<-started

	assert.Eventually(t, func() bool {
		_, _, err := h.Clone().TryNextEvent()
		return errors.Is(err, control.ErrConcurrentRead)
	}, time.Second, time.Millisecond)
	cancel()
}

func TestHostHandle_Messages(t *testing.T) {
	fe := newFakeEngine()
	fe.poll = pendingForever
	h, err := Start(context.Background(), scriptOptions(fe))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fe.polls.Load() > 0 }, time.Second, time.Millisecond)

	require.NoError(t, h.PostMessage([]byte(`"ping"`)))
	msg, ok := fe.boot.Port.TryRecv()
	require.True(t, ok)
	assert.Equal(t, `"ping"`, string(msg.Data))

	h.Terminate()
	waitDone(t, h)
	_, err = h.RecvMessage(context.Background())
	assert.Error(t, err)
}

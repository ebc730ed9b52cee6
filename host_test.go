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

	"github.com/cryguy/webworker/internal/core"
)

func newTestHost(t *testing.T, opts ...HostOption) *Host {
	t.Helper()
	h, err := NewHost(append([]HostOption{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h
}

func waitExit(t *testing.T, h *Host, id WorkerID) Exit {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exit, err := h.Wait(ctx, id)
	require.NoError(t, err)
	return exit
}

func TestHost_SpawnAndWait(t *testing.T) {
	var mu sync.Mutex
	var seen []ControlEvent
	h := newTestHost(t,
		WithJournal(":memory:"),
		WithMetrics("test"),
		WithOnEvent(func(_ WorkerID, ev ControlEvent) {
			mu.Lock()
			seen = append(seen, ev)
			mu.Unlock()
		}),
	)

	fe := newFakeEngine()
	opts := scriptOptions(fe)
	opts.Name = "idle"
	opts.CloseOnIdle = true

	handle, err := h.Spawn(context.Background(), opts)
	require.NoError(t, err)

	exit := waitExit(t, h, handle.ID())
	assert.Equal(t, handle.ID(), exit.ID)
	assert.Equal(t, "idle", exit.Name)
	assert.Equal(t, StateClosedIdle, exit.State)
	require.NotNil(t, exit.Event)
	assert.True(t, exit.Event.IsClose())
	assert.False(t, exit.EndedAt.Before(exit.StartedAt))

	mu.Lock()
	assert.Len(t, seen, 1)
	mu.Unlock()

	runs, err := h.Journal().ForWorker(context.Background(), uint32(handle.ID()))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "closed_idle", runs[0].State)
	assert.Equal(t, "module", runs[0].Kind)

	families, err := h.MetricsRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
	assert.Empty(t, h.Running())
}

func TestHost_TerminalErrorJournaled(t *testing.T) {
	h := newTestHost(t, WithJournal(":memory:"))

	fe := newFakeEngine()
	fe.execute = func(*fakeEngine) error {
		return core.NewScriptError("Error", "boom", "Error: boom\n    at main (main.js:2:5)")
	}
	handle, err := h.Spawn(context.Background(), scriptOptions(fe))
	require.NoError(t, err)

	exit := waitExit(t, h, handle.ID())
	assert.Equal(t, StateTerminalError, exit.State)
	var se *ScriptError
	assert.ErrorAs(t, exit.Err, &se)
	require.NotNil(t, exit.Event)
	assert.True(t, exit.Event.IsTerminalError())

	runs, err := h.Journal().ForWorker(context.Background(), uint32(handle.ID()))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "Uncaught Error: boom", runs[0].Message)
	assert.Equal(t, "main.js", runs[0].FileName)
	assert.Equal(t, 2, runs[0].LineNumber)
	assert.Equal(t, 5, runs[0].ColumnNumber)
}

func TestHost_Terminate(t *testing.T) {
	h := newTestHost(t, WithMetrics(""))

	fe := newFakeEngine()
	fe.poll = pendingForever
	handle, err := h.Spawn(context.Background(), scriptOptions(fe))
	require.NoError(t, err)
	assert.Contains(t, h.Running(), handle.ID())

	require.NoError(t, h.Terminate(handle.ID()))
	exit := waitExit(t, h, handle.ID())
	assert.Equal(t, StateForcedTerminate, exit.State)
	assert.Nil(t, exit.Event)
	assert.Equal(t, int32(1), fe.aborts.Load())

	got, err := h.Handle(handle.ID())
	require.NoError(t, err)
	assert.True(t, got.IsTerminated())
}

func TestHost_UnknownWorker(t *testing.T) {
	h := newTestHost(t)

	assert.ErrorIs(t, h.Terminate(WorkerID(1<<31)), ErrUnknownWorker)
	_, err := h.Wait(context.Background(), WorkerID(1<<31))
	assert.ErrorIs(t, err, ErrUnknownWorker)
	_, err = h.Handle(WorkerID(1 << 31))
	assert.ErrorIs(t, err, ErrUnknownWorker)
}

func TestHost_SpawnFailure(t *testing.T) {
	h := newTestHost(t, WithMetrics(""))
	boom := errors.New("no engine")
	opts := DefaultOptions()
	opts.Entry = ScriptEntry("main.js", "")
	opts.EngineFactory = func(core.EngineConfig) (core.Engine, error) { return nil, boom }

	_, err := h.Spawn(context.Background(), opts)
	assert.ErrorIs(t, err, boom)
}

func TestHost_ShutdownTerminatesAll(t *testing.T) {
	h, err := NewHost(WithLogger(zap.NewNop()))
	require.NoError(t, err)

	var engines []*fakeEngine
	for i := 0; i < 4; i++ {
		fe := newFakeEngine()
		fe.poll = pendingForever
		engines = append(engines, fe)
		_, err := h.Spawn(context.Background(), scriptOptions(fe))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))

	for _, fe := range engines {
		assert.Equal(t, int32(1), fe.aborts.Load())
		assert.True(t, fe.closed.Load())
	}
	assert.Empty(t, h.Running())

	_, err = h.Spawn(context.Background(), scriptOptions(newFakeEngine()))
	assert.ErrorIs(t, err, ErrHostClosed)
}

func TestHost_WaitHonoursContext(t *testing.T) {
	h := newTestHost(t)
	fe := newFakeEngine()
	fe.poll = pendingForever
	handle, err := h.Spawn(context.Background(), scriptOptions(fe))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx, handle.ID())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

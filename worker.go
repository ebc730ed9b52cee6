// Package webworker runs scripts in isolated workers, each owning one
// engine on a dedicated OS thread, and coordinates their termination with
// the host.
//
// A worker is started with Start (or through a Host), which returns a
// HostHandle. The worker ends in exactly one terminal state: it went idle,
// the script called close(), an uncaught error escaped, or the host
// terminated it. Only the last case posts no control event.
package webworker

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	esbuild "github.com/evanw/esbuild/pkg/api"
	"go.uber.org/zap"

	"github.com/cryguy/webworker/internal/control"
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/modules"
	"github.com/cryguy/webworker/internal/port"
	"github.com/cryguy/webworker/internal/termination"
)

// Worker owns a script engine and drives it to a terminal state. All of
// its methods except ID, Name and State belong to the goroutine that
// created it.
type Worker struct {
	id          WorkerID
	name        string
	kind        WorkerKind
	entry       Entry
	closeOnIdle bool

	engine   core.Engine
	internal *InternalHandle
	coord    *termination.Coordinator
	tx       *control.Sender
	port     *port.Port
	payload  *StartupPayload
	done     chan struct{}

	internalFrame InternalFramePredicate
	formatError   FormatErrorFunc
	onExit        func(WorkerID, RunState, error)
	logger        *zap.Logger

	state   atomic.Int32
	exitErr error
}

// NewWorker creates the worker's handles and engine on the calling
// goroutine, which must then call Run. The SpawnHandle goes to the host.
func NewWorker(opts Options) (*Worker, *SpawnHandle, error) {
	if opts.Entry.kind == entryNone {
		return nil, nil, ErrNoEntry
	}

	id := newWorkerID()
	name := opts.Name
	if name == "" {
		name = id.String()
	}
	log := opts.Logger
	if log == nil {
		log = Logger()
	}
	log = log.With(zap.Stringer("worker", id), zap.String("name", name))

	coord := termination.New(opts.GracePeriod)
	coord.OnForcedAbort = func() {
		log.Warn("worker ignored terminate request; engine aborted",
			zap.Duration("grace", coord.GracePeriod()))
		if opts.OnForcedAbort != nil {
			opts.OnForcedAbort(id)
		}
	}

	tx, rx := control.New()
	hostPort, workerPort := port.NewPair()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	internal := &InternalHandle{
		id:     id,
		name:   name,
		kind:   opts.Kind,
		coord:  coord,
		tx:     tx,
		ctx:    ctx,
		cancel: cancel,
	}

	bundler := opts.Bundler
	if bundler == nil && opts.Entry.IsModule() {
		platform := esbuild.PlatformDefault
		if opts.Kind == KindNode {
			platform = esbuild.PlatformNode
		}
		b, err := modules.NewBundler(modules.Options{
			Root:     opts.ModuleRoot,
			Sources:  opts.Sources,
			Platform: platform,
		})
		if err != nil {
			cancel()
			return nil, nil, fmt.Errorf("creating module bundler: %w", err)
		}
		bundler = b
	}

	factory := opts.EngineFactory
	if factory == nil {
		factory = defaultEngineFactory()
	}
	engine, err := factory(core.EngineConfig{
		MemoryLimitMB: opts.MemoryLimitMB,
		Bundler:       bundler,
		Logger:        log,
	})
	if err != nil {
		cancel()
		tx.Close()
		hostPort.Disentangle()
		return nil, nil, fmt.Errorf("creating engine for %s: %w", id, err)
	}

	coord.BindAbort(engine.AbortFunc())
	engine.State().Put(core.InternalHandleKey, internal)

	w := &Worker{
		id:            id,
		name:          name,
		kind:          opts.Kind,
		entry:         opts.Entry,
		closeOnIdle:   opts.CloseOnIdle,
		engine:        engine,
		internal:      internal,
		coord:         coord,
		tx:            tx,
		port:          workerPort,
		payload:       opts.Payload,
		done:          done,
		internalFrame: opts.InternalFrame,
		formatError:   opts.FormatError,
		onExit:        opts.OnExit,
		logger:        log,
	}
	spawn := &SpawnHandle{
		id:    id,
		coord: coord,
		rx:    rx,
		port:  hostPort,
		done:  done,
	}
	return w, spawn, nil
}

// ID returns the worker id.
func (w *Worker) ID() WorkerID { return w.id }

// Name returns the worker name.
func (w *Worker) Name() string { return w.name }

// State returns the current run state. Safe from any goroutine.
func (w *Worker) State() RunState { return RunState(w.state.Load()) }

func (w *Worker) setState(s RunState) {
	w.state.Store(int32(s))
	w.logger.Debug("worker state", zap.Stringer("state", s))
}

// Start spawns a worker on a new goroutine locked to its OS thread and
// returns the host's handle once the engine exists. Cancelling ctx
// requests termination.
func Start(ctx context.Context, opts Options) (HostHandle, error) {
	type spawned struct {
		handle *SpawnHandle
		err    error
	}
	ch := make(chan spawned, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		w, handle, err := NewWorker(opts)
		ch <- spawned{handle: handle, err: err}
		if err != nil {
			return
		}
		_, _ = w.Run(ctx)
	}()

	res := <-ch
	if res.err != nil {
		return HostHandle{}, res.err
	}
	return res.handle.IntoHost(), nil
}

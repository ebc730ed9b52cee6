package webworker

import (
	"context"

	"go.uber.org/zap"

	"github.com/cryguy/webworker/internal/core"
)

// Run drives the worker to a terminal state on the calling goroutine and
// tears the engine down. The returned error is the terminal script or
// engine error, if any.
//
// A persistent module or node worker whose event loop finishes without
// being closed or terminated is a bug in the engine; Run panics with an
// *InternalConsistencyError in that case.
func (w *Worker) Run(ctx context.Context) (RunState, error) {
	defer w.teardown()

	if err := w.bootstrap(); err != nil {
		if w.coord.IsTerminated() {
			return w.finish(w.stoppedState(), nil)
		}
		return w.finish(StateTerminalError, err)
	}
	w.setState(StateBootstrapped)

	w.setState(StateLoading)
	err := w.load()
	if w.coord.IsTerminated() {
		return w.finish(w.stoppedState(), nil)
	}
	if err != nil {
		return w.finish(StateTerminalError, err)
	}

	w.setState(StateRunning)
	state, err := w.pollLoop(ctx)
	return w.finish(state, err)
}

func (w *Worker) bootstrap() error {
	payload := w.payload
	w.payload = nil
	return w.engine.Bootstrap(core.BootstrapArgs{
		ID:          uint32(w.id),
		IDString:    w.id.String(),
		Name:        w.name,
		Kind:        w.kind,
		CloseOnIdle: w.closeOnIdle,
		Port:        w.port,
		Payload:     payload,
	})
}

// load runs the entry. Message polling starts once the entry is in place:
// after execution for scripts, between preload and evaluation for modules.
func (w *Worker) load() error {
	if !w.entry.IsModule() {
		err := w.engine.ExecuteScript(w.entry.name, w.entry.code)
		w.startPolling()
		return err
	}

	id, err := w.engine.PreloadModule(w.entry.specifier, w.entry.mode)
	if err != nil {
		return err
	}
	w.startPolling()
	return w.engine.EvaluateModule(id)
}

func (w *Worker) startPolling() {
	if w.coord.IsTerminated() {
		return
	}
	w.engine.StartPollingForMessages()
}

// pollLoop polls the engine until it reaches a terminal state. Terminate
// requests are observed before every poll and after every finished one.
func (w *Worker) pollLoop(ctx context.Context) (RunState, error) {
	wakeCh := make(chan struct{}, 1)
	wake := func() {
		select {
		case wakeCh <- struct{}{}:
		default:
		}
	}
	waker := w.coord.Waker()
	defer waker.Register(nil)

	done := ctx.Done()
	for {
		if w.coord.ApplyIfNeeded() {
			return w.stoppedState(), nil
		}
		waker.Register(wake)

		res := w.engine.PollEventLoop(wake)
		if !res.IsPending() {
			if w.coord.ApplyIfNeeded() {
				return w.stoppedState(), nil
			}
			if res.Err != nil {
				return StateTerminalError, res.Err
			}

			switch {
			case w.closeOnIdle:
				if !w.engine.HasMessageEventListener() {
					return StateClosedIdle, nil
				}
			case w.kind != KindModule:
				w.logger.Error("classic worker terminated unexpectedly", zap.Stringer("kind", w.kind))
				return StateClosedIdle, nil
			default:
				panic(&InternalConsistencyError{
					ID:     w.id,
					Kind:   w.kind,
					Reason: "event loop finished but the worker was neither closed nor terminated",
				})
			}
		} else if w.coord.IsTerminated() {
			return w.stoppedState(), nil
		}

		select {
		case <-wakeCh:
		case <-done:
			w.coord.RequestTerminate()
			done = nil
		}
	}
}

// stoppedState names the end of a worker whose engine was stopped.
func (w *Worker) stoppedState() RunState {
	if w.internal.ClosedExplicitly() {
		return StateClosedExplicit
	}
	return StateForcedTerminate
}

// finish posts the control event for state, if any.
func (w *Worker) finish(state RunState, err error) (RunState, error) {
	w.setState(state)
	w.exitErr = err

	switch state {
	case StateClosedIdle:
		if perr := w.internal.PostEvent(core.CloseEvent()); perr != nil {
			w.logger.Warn("failed to post close event", zap.Error(perr))
		}
	case StateTerminalError:
		printWorkerError(w.logger, w.name, err, w.formatError)
		ev := classifyError(err, w.internalFrame)
		if perr := w.internal.PostEvent(ev); perr != nil {
			w.logger.Warn("failed to post terminal error", zap.Error(perr))
		}
	}
	return state, err
}

// teardown runs on every exit path, including a panic from pollLoop.
func (w *Worker) teardown() {
	w.coord.Terminate()
	w.internal.cancel()
	w.tx.Close()
	w.port.Disentangle()
	w.engine.Close()

	state := w.State()
	if state.Terminal() {
		w.logger.Debug("worker finished", zap.Stringer("state", state))
		if w.onExit != nil {
			w.onExit(w.id, state, w.exitErr)
		}
	}
	close(w.done)
}

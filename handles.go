package webworker

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/cryguy/webworker/internal/control"
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/port"
	"github.com/cryguy/webworker/internal/termination"
)

// ErrEventAlreadyPosted is returned when a worker tries to post a second
// control event.
var ErrEventAlreadyPosted = errors.New("webworker: control event already posted")

// SpawnHandle is created on the worker goroutine and moved to the host
// exactly once, where IntoHost turns it into a HostHandle.
type SpawnHandle struct {
	id        WorkerID
	coord     *termination.Coordinator
	rx        *control.Receiver
	port      *port.Port
	done      <-chan struct{}
	converted atomic.Bool
}

// ID returns the worker id.
func (s *SpawnHandle) ID() WorkerID { return s.id }

// IntoHost converts the handle. It panics when called twice.
func (s *SpawnHandle) IntoHost() HostHandle {
	if s.converted.Swap(true) {
		panic("webworker: SpawnHandle converted to HostHandle twice")
	}
	return HostHandle{
		id:    s.id,
		coord: s.coord,
		rx:    s.rx,
		port:  s.port,
		done:  s.done,
	}
}

// HostHandle is the host's view of a running worker. Copies share all
// state; Clone exists for readability at call sites.
type HostHandle struct {
	id    WorkerID
	coord *termination.Coordinator
	rx    *control.Receiver
	port  *port.Port
	done  <-chan struct{}
}

// ID returns the worker id.
func (h HostHandle) ID() WorkerID { return h.id }

// Clone returns another handle to the same worker.
func (h HostHandle) Clone() HostHandle { return h }

// Terminate asks the worker to stop and disentangles the host port. It
// never blocks; the engine is aborted after the grace period if the worker
// does not stop on its own. Safe to call from any goroutine, any number of
// times.
func (h HostHandle) Terminate() {
	h.coord.RequestTerminate()
	h.port.Disentangle()
}

// IsTerminated reports whether the worker's engine has been stopped.
func (h HostHandle) IsTerminated() bool { return h.coord.IsTerminated() }

// NextEvent waits for the worker's control event. ok is false at end of
// stream. Only one goroutine may wait at a time; others get
// control.ErrConcurrentRead.
func (h HostHandle) NextEvent(ctx context.Context) (ev ControlEvent, ok bool, err error) {
	return h.rx.Recv(ctx)
}

// TryNextEvent is the non-blocking form of NextEvent.
func (h HostHandle) TryNextEvent() (ev ControlEvent, ok bool, err error) {
	return h.rx.TryRecv()
}

// PostMessage sends data, and optionally ports, to the worker's scope.
func (h HostHandle) PostMessage(data []byte, transfer ...*Port) error {
	return h.port.Post(port.Message{Data: data, Ports: transfer})
}

// RecvMessage waits for the next message the worker posted.
func (h HostHandle) RecvMessage(ctx context.Context) (Message, error) {
	return h.port.Recv(ctx)
}

// Port returns the host end of the worker's message channel.
func (h HostHandle) Port() *Port { return h.port }

// Done is closed once the worker goroutine has torn down its engine.
func (h HostHandle) Done() <-chan struct{} { return h.done }

// Release drops the host's interest in control events. A worker that
// finishes afterwards is marked terminated without posting.
func (h HostHandle) Release() { h.rx.Close() }

// InternalHandle is the worker-resident handle. The engine finds it in its
// state store under core.InternalHandleKey.
type InternalHandle struct {
	id    WorkerID
	name  string
	kind  WorkerKind
	coord *termination.Coordinator
	tx    *control.Sender

	ctx    context.Context
	cancel context.CancelFunc

	posted           atomic.Bool
	closedExplicitly atomic.Bool
}

// ID returns the worker id.
func (h *InternalHandle) ID() WorkerID { return h.id }

// Name returns the worker name.
func (h *InternalHandle) Name() string { return h.name }

// Kind returns the worker kind.
func (h *InternalHandle) Kind() WorkerKind { return h.kind }

// Context is cancelled when the worker terminates.
func (h *InternalHandle) Context() context.Context { return h.ctx }

// PostEvent sends the worker's one control event. If the host already
// closed the channel the worker is marked terminated and nil is returned.
func (h *InternalHandle) PostEvent(ev ControlEvent) error {
	if !h.posted.CompareAndSwap(false, true) {
		return ErrEventAlreadyPosted
	}
	closed, err := h.tx.Send(ev)
	if closed {
		h.coord.MarkTerminated()
		return nil
	}
	return err
}

// Close is the script-initiated shutdown: it posts Close, cancels the
// worker context, stops the engine and closes the channel.
func (h *InternalHandle) Close() {
	if h.closedExplicitly.Swap(true) {
		return
	}
	_ = h.PostEvent(core.CloseEvent())
	h.cancel()
	h.coord.Terminate()
	h.tx.Close()
}

// ClosedExplicitly reports whether the script called close().
func (h *InternalHandle) ClosedExplicitly() bool { return h.closedExplicitly.Load() }

// IsTerminated reports whether the worker's engine has been stopped.
func (h *InternalHandle) IsTerminated() bool { return h.coord.IsTerminated() }

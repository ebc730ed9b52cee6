package webworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cryguy/webworker/internal/control"
	"github.com/cryguy/webworker/internal/journal"
	"github.com/cryguy/webworker/internal/metrics"
)

// ErrUnknownWorker is returned for ids the host never spawned.
var ErrUnknownWorker = errors.New("webworker: unknown worker")

// ErrHostClosed is returned by Spawn after Shutdown.
var ErrHostClosed = errors.New("webworker: host is shut down")

// Exit describes how a worker supervised by a Host ended.
type Exit struct {
	ID        WorkerID
	Name      string
	Kind      WorkerKind
	State     RunState
	Event     *ControlEvent // nil when the worker posted nothing
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

// HostOption configures a Host.
type HostOption func(*hostConfig)

type hostConfig struct {
	logger      *zap.Logger
	journalPath string
	namespace   string
	metrics     bool
	onEvent     func(WorkerID, ControlEvent)
}

// WithLogger sets the logger for the host and for workers spawned without
// their own.
func WithLogger(l *zap.Logger) HostOption {
	return func(c *hostConfig) { c.logger = l }
}

// WithJournal records every finished worker in the SQLite database at path.
func WithJournal(path string) HostOption {
	return func(c *hostConfig) { c.journalPath = path }
}

// WithMetrics enables Prometheus metrics under namespace.
func WithMetrics(namespace string) HostOption {
	return func(c *hostConfig) {
		c.metrics = true
		c.namespace = namespace
	}
}

// WithOnEvent observes every control event as the host receives it.
func WithOnEvent(fn func(WorkerID, ControlEvent)) HostOption {
	return func(c *hostConfig) { c.onEvent = fn }
}

type hostedWorker struct {
	handle  HostHandle
	name    string
	kind    WorkerKind
	started time.Time
	done    chan struct{}

	mu    sync.Mutex
	state RunState
	err   error
	exit  Exit
}

// Host supervises a set of workers: it reads their control events, records
// their outcomes and terminates them on request.
type Host struct {
	logger  *zap.Logger
	journal *journal.Journal
	metrics *metrics.Collector
	onEvent func(WorkerID, ControlEvent)

	mu      sync.Mutex
	workers map[WorkerID]*hostedWorker
	closed  bool
	wg      sync.WaitGroup
}

// NewHost creates a Host.
func NewHost(opts ...HostOption) (*Host, error) {
	var cfg hostConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = Logger()
	}

	h := &Host{
		logger:  cfg.logger,
		onEvent: cfg.onEvent,
		workers: make(map[WorkerID]*hostedWorker),
	}
	if cfg.metrics {
		h.metrics = metrics.NewCollector(cfg.namespace)
	}
	if cfg.journalPath != "" {
		j, err := journal.Open(cfg.journalPath)
		if err != nil {
			return nil, err
		}
		h.journal = j
	}
	return h, nil
}

// MetricsRegistry returns the host's Prometheus registry, or nil when
// metrics are disabled.
func (h *Host) MetricsRegistry() *prometheus.Registry {
	if h.metrics == nil {
		return nil
	}
	return h.metrics.Registry()
}

// Spawn starts a worker and begins supervising it. Cancelling ctx
// terminates the worker.
func (h *Host) Spawn(ctx context.Context, opts Options) (HostHandle, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return HostHandle{}, ErrHostClosed
	}

	rec := &hostedWorker{
		name:    opts.Name,
		kind:    opts.Kind,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	if opts.Logger == nil {
		opts.Logger = h.logger
	}
	userExit := opts.OnExit
	opts.OnExit = func(id WorkerID, state RunState, err error) {
		rec.mu.Lock()
		rec.state = state
		rec.err = err
		rec.mu.Unlock()
		if userExit != nil {
			userExit(id, state, err)
		}
	}
	userForced := opts.OnForcedAbort
	opts.OnForcedAbort = func(id WorkerID) {
		if h.metrics != nil {
			h.metrics.RecordForcedAbort()
		}
		if userForced != nil {
			userForced(id)
		}
	}

	handle, err := Start(ctx, opts)
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordSpawnFailure()
		}
		return HostHandle{}, err
	}
	rec.handle = handle
	if rec.name == "" {
		rec.name = handle.ID().String()
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		handle.Terminate()
		return HostHandle{}, ErrHostClosed
	}
	h.workers[handle.ID()] = rec
	h.wg.Add(1)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RecordSpawn(rec.kind.String())
	}
	h.logger.Debug("worker spawned",
		zap.Stringer("worker", handle.ID()),
		zap.String("name", rec.name),
		zap.Stringer("kind", rec.kind))

	go h.watch(rec)
	return handle.Clone(), nil
}

// watch reads the worker's control events until end of stream, then
// waits for teardown and records the outcome.
func (h *Host) watch(rec *hostedWorker) {
	defer h.wg.Done()
	defer close(rec.done)

	id := rec.handle.ID()
	var last *ControlEvent
	for {
		ev, ok, err := rec.handle.NextEvent(context.Background())
		if errors.Is(err, control.ErrConcurrentRead) {
			h.logger.Warn("control events read outside the host", zap.Stringer("worker", id))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if err != nil || !ok {
			break
		}
		last = &ev
		if h.onEvent != nil {
			h.onEvent(id, ev)
		}
	}
	<-rec.handle.Done()

	rec.mu.Lock()
	rec.exit = Exit{
		ID:        id,
		Name:      rec.name,
		Kind:      rec.kind,
		State:     rec.state,
		Event:     last,
		Err:       rec.err,
		StartedAt: rec.started,
		EndedAt:   time.Now(),
	}
	exit := rec.exit
	rec.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RecordExit(exit.Kind.String(), exit.State.String(), exit.EndedAt.Sub(exit.StartedAt))
	}
	if h.journal != nil {
		if err := h.record(exit); err != nil {
			h.logger.Warn("failed to journal worker exit", zap.Stringer("worker", id), zap.Error(err))
		}
	}
	h.logger.Debug("worker exited", zap.Stringer("worker", id), zap.Stringer("state", exit.State))
}

func (h *Host) record(exit Exit) error {
	e := journal.Entry{
		WorkerID:  uint32(exit.ID),
		Name:      exit.Name,
		Kind:      exit.Kind.String(),
		State:     exit.State.String(),
		StartedAt: exit.StartedAt,
		EndedAt:   exit.EndedAt,
	}
	if ev := exit.Event; ev != nil && ev.IsTerminalError() {
		e.Message = ev.Message
		if ev.Location != nil {
			e.FileName = ev.Location.FileName
			e.LineNumber = ev.Location.LineNumber
			e.ColumnNumber = ev.Location.ColumnNumber
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.journal.Record(ctx, e)
	return err
}

func (h *Host) lookup(id WorkerID) (*hostedWorker, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	return rec, nil
}

// Handle returns a handle to a supervised worker.
func (h *Host) Handle(id WorkerID) (HostHandle, error) {
	rec, err := h.lookup(id)
	if err != nil {
		return HostHandle{}, err
	}
	return rec.handle.Clone(), nil
}

// Terminate requests termination of the worker. It does not wait.
func (h *Host) Terminate(id WorkerID) error {
	rec, err := h.lookup(id)
	if err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.RecordTerminateRequest()
	}
	rec.handle.Terminate()
	return nil
}

// Wait blocks until the worker has exited and been recorded.
func (h *Host) Wait(ctx context.Context, id WorkerID) (Exit, error) {
	rec, err := h.lookup(id)
	if err != nil {
		return Exit{}, err
	}
	select {
	case <-rec.done:
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.exit, nil
	case <-ctx.Done():
		return Exit{}, ctx.Err()
	}
}

// Running returns the ids of workers that have not exited.
func (h *Host) Running() []WorkerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []WorkerID
	for id, rec := range h.workers {
		select {
		case <-rec.done:
		default:
			ids = append(ids, id)
		}
	}
	return ids
}

// Journal returns the host's lifecycle journal, or nil.
func (h *Host) Journal() *journal.Journal { return h.journal }

// Shutdown terminates every worker, waits for them to exit and closes the
// journal. Spawn fails afterwards.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	recs := make([]*hostedWorker, 0, len(h.workers))
	for _, rec := range h.workers {
		recs = append(recs, rec)
	}
	h.mu.Unlock()

	for _, rec := range recs {
		rec.handle.Terminate()
	}

	waited := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	if h.journal != nil {
		return h.journal.Close()
	}
	return nil
}

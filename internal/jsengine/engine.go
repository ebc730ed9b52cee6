// Package jsengine drives a core.JSRuntime as a worker engine: it installs
// the worker globals, loads scripts and module bundles, and runs the
// cooperative event loop over timers and port messages. Backends supply
// only the runtime and the abort/close primitives.
package jsengine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/eventloop"
	"github.com/cryguy/webworker/internal/port"
	"github.com/cryguy/webworker/internal/stacktrace"
	"github.com/cryguy/webworker/internal/webapi"
)

// maxTurns bounds the work done in one poll before yielding, so that a
// terminate request is observed even while messages keep arriving.
const maxTurns = 64

var (
	// ErrUnknownPort is returned when script code names a port this
	// engine does not own.
	ErrUnknownPort = errors.New("jsengine: unknown port")
	// ErrNoBundler is returned by PreloadModule without a configured bundler.
	ErrNoBundler = errors.New("jsengine: no module bundler configured")
)

// Hooks are the backend primitives. Abort may be called from any goroutine
// and is called at most once; Close is called once from the owner.
type Hooks struct {
	Abort func()
	Close func()
}

// stackNormalizer is implemented by runtimes whose stack traces need
// file names rewritten before parsing.
type stackNormalizer interface {
	NormalizeStack(stack string) string
}

// closer is the worker-side handle stored under core.InternalHandleKey.
type closer interface {
	Close()
}

// Engine implements core.Engine on top of a core.JSRuntime.
type Engine struct {
	rt     core.JSRuntime
	hooks  Hooks
	loop   *eventloop.EventLoop
	state  *core.StateStore
	cfg    core.EngineConfig
	logger *zap.Logger
	mapper *stacktrace.Mapper

	abortMu sync.Mutex
	closed  bool

	wake atomic.Pointer[func()]

	port      *port.Port
	ports     map[int]*port.Port
	nextPort  int
	polling   bool
	keepAlive bool
	closing   bool
	pending   *core.ScriptError

	modules    map[core.ModuleID]*core.Bundle
	nextModule core.ModuleID
}

var _ core.Engine = (*Engine)(nil)

// New installs the worker globals into rt and returns the engine.
func New(rt core.JSRuntime, hooks Hooks, cfg core.EngineConfig) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		rt:      rt,
		hooks:   hooks,
		loop:    eventloop.New(),
		state:   core.NewStateStore(),
		cfg:     cfg,
		logger:  logger,
		mapper:  stacktrace.NewMapper(),
		ports:   make(map[int]*port.Port),
		modules: make(map[core.ModuleID]*core.Bundle),
	}
	if err := webapi.Install(rt, e.loop,
		webapi.SetupEvents,
		webapi.SetupErrors(e),
		webapi.SetupTimers,
		webapi.SetupGlobals,
		webapi.SetupConsole(logger),
		webapi.SetupWorkerScope(scopeHost{e}),
	); err != nil {
		return nil, fmt.Errorf("installing worker globals: %w", err)
	}
	return e, nil
}

// Bootstrap binds the worker identity and startup payload into the scope.
func (e *Engine) Bootstrap(args core.BootstrapArgs) error {
	e.port = args.Port
	e.keepAlive = !args.CloseOnIdle
	if e.port != nil {
		e.port.SetNotify(e.notify)
	}

	info := webapi.BootstrapInfo{
		ID:       args.ID,
		IDString: args.IDString,
		Name:     args.Name,
		Kind:     args.Kind.String(),
	}
	if args.Payload != nil {
		info.HasPayload = true
		info.Payload = string(args.Payload.Buffer)
		info.Ports = e.adoptPorts(args.Payload.Transferables)
	}
	if err := webapi.Bootstrap(e.rt, info); err != nil {
		return core.WrapEngineError(core.PhaseBootstrap, err)
	}
	return nil
}

// ExecuteScript runs code as a classic script, then drains the microtasks
// it queued.
func (e *Engine) ExecuteScript(name, code string) error {
	return e.run(name, code)
}

func (e *Engine) run(origin, code string) error {
	if err := e.rt.RunScript(origin, code); err != nil {
		return core.WrapEngineError(core.PhaseEvaluate, e.normalize(err))
	}
	e.rt.RunMicrotasks()
	return nil
}

// PreloadModule resolves the module graph rooted at specifier.
func (e *Engine) PreloadModule(specifier string, mode core.ModuleMode) (core.ModuleID, error) {
	if e.cfg.Bundler == nil {
		return 0, core.WrapEngineError(core.PhaseLoad, ErrNoBundler)
	}
	b, err := e.cfg.Bundler.Bundle(specifier, mode)
	if err != nil {
		return 0, core.WrapEngineError(core.PhaseLoad, err)
	}
	if len(b.SourceMap) > 0 {
		if err := e.mapper.Register(b.Origin, b.SourceMap); err != nil {
			e.logger.Warn("ignoring unusable source map", zap.String("module", specifier), zap.Error(err))
		}
	}
	e.nextModule++
	e.modules[e.nextModule] = b
	return e.nextModule, nil
}

// EvaluateModule runs a preloaded module bundle.
func (e *Engine) EvaluateModule(id core.ModuleID) error {
	b, ok := e.modules[id]
	if !ok {
		return core.WrapEngineError(core.PhaseEvaluate, fmt.Errorf("module %d was not preloaded", id))
	}
	return e.run(b.Origin, b.Code)
}

// StartPollingForMessages begins delivering port messages to the scope.
func (e *Engine) StartPollingForMessages() {
	e.polling = true
}

// HasMessageEventListener reports whether the scope listens for messages.
func (e *Engine) HasMessageEventListener() bool {
	return webapi.HasMessageListener(e.rt)
}

// PollEventLoop runs due timers and queued messages. It returns Pending
// when work remains, having arranged for wake to be called, and Ready once
// nothing can happen anymore or a script error escaped.
func (e *Engine) PollEventLoop(wake func()) core.PollResult {
	e.wake.Store(&wake)

	for turn := 0; turn < maxTurns; turn++ {
		progressed := false
		if e.polling {
			n, err := e.drainPorts()
			if err != nil {
				return core.Ready(core.WrapEngineError(core.PhasePoll, err))
			}
			progressed = n > 0
		}
		if e.pending == nil {
			fired, err := e.loop.RunDue(e.rt)
			if err != nil {
				return core.Ready(core.WrapEngineError(core.PhasePoll, err))
			}
			progressed = progressed || fired > 0
		}
		e.rt.RunMicrotasks()

		if se := e.pending; se != nil {
			e.pending = nil
			return core.Ready(core.WrapEngineError(core.PhasePoll, se))
		}
		if !progressed {
			break
		}
		if turn == maxTurns-1 {
			wake()
			return core.Pending()
		}
	}

	if next, ok := e.loop.NextDeadline(); ok {
		e.loop.ScheduleWake(next, wake)
		return core.Pending()
	}
	if e.polling && e.keepAlive && e.port != nil && e.port.Entangled() {
		return core.Pending()
	}
	return core.Ready(nil)
}

// AbortFunc returns the abort capability. Once Close has run the returned
// function does nothing.
func (e *Engine) AbortFunc() func() {
	return func() {
		e.abortMu.Lock()
		defer e.abortMu.Unlock()
		if e.closed || e.hooks.Abort == nil {
			return
		}
		e.hooks.Abort()
	}
}

// State returns the engine's keyed state store.
func (e *Engine) State() *core.StateStore { return e.state }

// Close disposes of the runtime. It waits for an in-flight abort.
func (e *Engine) Close() {
	e.abortMu.Lock()
	if e.closed {
		e.abortMu.Unlock()
		return
	}
	e.closed = true
	e.abortMu.Unlock()

	e.loop.Reset()
	e.state.Clear()
	for id, p := range e.ports {
		p.Disentangle()
		delete(e.ports, id)
	}
	if e.hooks.Close != nil {
		e.hooks.Close()
	}
}

// ReportError records an exception no script handler cancelled. The first
// one wins; it ends the worker on the next poll.
func (e *Engine) ReportError(se *core.ScriptError) {
	if e.pending != nil {
		return
	}
	if n, ok := e.rt.(stackNormalizer); ok {
		se = core.NewScriptError(se.Name, se.Message, n.NormalizeStack(se.Stack))
	}
	se.Frames = e.mapper.Remap(se.Frames)
	e.pending = se
}

func (e *Engine) postMessage(portID int, data string, transfer []int) error {
	if e.closing {
		return nil
	}
	target := e.port
	if portID != 0 {
		target = e.ports[portID]
	}
	if target == nil {
		return ErrUnknownPort
	}

	var moved []*port.Port
	for _, id := range transfer {
		p, ok := e.ports[id]
		if !ok {
			return ErrUnknownPort
		}
		delete(e.ports, id)
		p.SetNotify(nil)
		moved = append(moved, p)
	}

	err := target.Post(port.Message{Data: []byte(data), Ports: moved})
	if errors.Is(err, port.ErrDisentangled) {
		return nil
	}
	return err
}

func (e *Engine) closePort(portID int) {
	if p, ok := e.ports[portID]; ok {
		delete(e.ports, portID)
		p.Disentangle()
	}
}

// closeFromScript handles close() in script. It goes through the worker's
// internal handle, which aborts the engine.
func (e *Engine) closeFromScript() {
	e.closing = true
	if h, ok := core.Lookup[closer](e.state, core.InternalHandleKey); ok {
		h.Close()
		return
	}
	e.logger.Warn("close() called before the worker handle was bound")
}

// scopeHost adapts the engine to webapi.ScopeHost.
type scopeHost struct{ e *Engine }

func (h scopeHost) PostMessage(portID int, data string, transfer []int) error {
	return h.e.postMessage(portID, data, transfer)
}

func (h scopeHost) ClosePort(portID int) { h.e.closePort(portID) }

func (h scopeHost) Close() { h.e.closeFromScript() }

func (e *Engine) notify() {
	if fn := e.wake.Load(); fn != nil {
		(*fn)()
	}
}

func (e *Engine) adoptPorts(ports []*port.Port) []int {
	ids := make([]int, 0, len(ports))
	for _, p := range ports {
		e.nextPort++
		e.ports[e.nextPort] = p
		p.SetNotify(e.notify)
		ids = append(ids, e.nextPort)
	}
	return ids
}

// drainPorts dispatches queued messages, worker port first, then
// transferred ports in id order.
func (e *Engine) drainPorts() (int, error) {
	ids := make([]int, 0, len(e.ports)+1)
	if e.port != nil {
		ids = append(ids, 0)
	}
	for id := range e.ports {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	delivered := 0
	for _, id := range ids {
		p := e.port
		if id != 0 {
			p = e.ports[id]
		}
		if p == nil {
			continue
		}
		for delivered < maxTurns {
			msg, ok := p.TryRecv()
			if !ok {
				break
			}
			if err := webapi.Dispatch(e.rt, id, string(msg.Data), e.adoptPorts(msg.Ports)); err != nil {
				return delivered, err
			}
			e.rt.RunMicrotasks()
			delivered++
			if e.pending != nil {
				return delivered, nil
			}
		}
	}
	return delivered, nil
}

func (e *Engine) normalize(err error) error {
	var se *core.ScriptError
	if errors.As(err, &se) {
		se.Frames = e.mapper.Remap(se.Frames)
	}
	return err
}

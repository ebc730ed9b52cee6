package core

import (
	"fmt"

	"github.com/cryguy/webworker/internal/port"
)

// PollStatus is the outcome class of one event-loop poll.
type PollStatus int

const (
	// PollPending means the loop still has work and will call wake when
	// it can make progress.
	PollPending PollStatus = iota
	// PollReady means the loop ran to completion, successfully or not.
	PollReady
)

// PollResult is returned by Engine.PollEventLoop.
type PollResult struct {
	Status PollStatus
	Err    error
}

// Pending is the PollResult for an unfinished loop.
func Pending() PollResult { return PollResult{Status: PollPending} }

// Ready is the PollResult for a finished loop; err is nil on success.
func Ready(err error) PollResult { return PollResult{Status: PollReady, Err: err} }

// IsPending reports whether the loop has outstanding work.
func (r PollResult) IsPending() bool { return r.Status == PollPending }

// ModuleMode decides what import.meta.main evaluates to in the entry module.
type ModuleMode int

const (
	ModeMain ModuleMode = iota
	ModeSide
)

func (m ModuleMode) String() string {
	if m == ModeSide {
		return "side"
	}
	return "main"
}

// ModuleID identifies a preloaded module graph inside one engine.
type ModuleID int

// StartupData is the one-shot payload handed to a worker at bootstrap.
type StartupData struct {
	Buffer        []byte
	Transferables []*port.Port
}

// BootstrapArgs is what the engine binds into the worker's global scope.
type BootstrapArgs struct {
	ID          uint32
	IDString    string
	Name        string
	Kind        WorkerKind
	CloseOnIdle bool
	Port        *port.Port
	Payload     *StartupData
}

// Engine is the embedded script engine as seen by the worker run loop.
// All methods except AbortFunc's result must be called from the goroutine
// that owns the engine.
type Engine interface {
	Bootstrap(args BootstrapArgs) error
	ExecuteScript(name, code string) error
	PreloadModule(specifier string, mode ModuleMode) (ModuleID, error)
	EvaluateModule(id ModuleID) error
	StartPollingForMessages()
	HasMessageEventListener() bool
	PollEventLoop(wake func()) PollResult
	// AbortFunc returns the cross-goroutine abort capability. It is not
	// idempotent and must be invoked at most once.
	AbortFunc() func()
	State() *StateStore
	Close()
}

// EngineFactory constructs an engine for one worker.
type EngineFactory func(cfg EngineConfig) (Engine, error)

// Bundle is a resolved module graph ready to be evaluated as one script.
type Bundle struct {
	Specifier string
	Origin    string
	Code      string
	SourceMap []byte
}

// ModuleBundler resolves a module graph rooted at specifier.
type ModuleBundler interface {
	Bundle(specifier string, mode ModuleMode) (*Bundle, error)
}

// Phase names the engine operation an EngineError came from.
type Phase string

const (
	PhaseBootstrap Phase = "bootstrap"
	PhaseLoad      Phase = "load"
	PhaseEvaluate  Phase = "evaluate"
	PhasePoll      Phase = "poll"
)

// EngineError is a failure raised while driving an engine.
type EngineError struct {
	Phase Phase
	Err   error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// WrapEngineError tags err with phase unless it is nil or already tagged.
func WrapEngineError(phase Phase, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*EngineError); ok {
		return err
	}
	return &EngineError{Phase: phase, Err: err}
}

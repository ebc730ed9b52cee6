package webworker

import (
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/port"
	"github.com/cryguy/webworker/internal/stacktrace"
)

// Re-exported types so callers only import the root package.
type (
	WorkerKind     = core.WorkerKind
	ModuleMode     = core.ModuleMode
	ControlEvent   = core.ControlEvent
	Location       = core.Location
	StartupPayload = core.StartupData
	ScriptError    = core.ScriptError
	EngineError    = core.EngineError
	Engine         = core.Engine
	EngineConfig   = core.EngineConfig
	EngineFactory  = core.EngineFactory
	ModuleBundler  = core.ModuleBundler
	Bundle         = core.Bundle
	Port           = port.Port
	Message        = port.Message

	// InternalFramePredicate reports whether a stack frame's file belongs
	// to the runtime rather than to user code.
	InternalFramePredicate = stacktrace.InternalFramePredicate
)

const (
	KindClassic = core.KindClassic
	KindModule  = core.KindModule
	KindNode    = core.KindNode

	ModeMain = core.ModeMain
	ModeSide = core.ModeSide
)

// ParseWorkerKind maps "classic", "module" or "node" to a WorkerKind.
func ParseWorkerKind(s string) (WorkerKind, error) { return core.ParseWorkerKind(s) }

// NewMessageChannel returns two entangled ports. Either end can be sent to
// a worker in StartupPayload.Transferables.
func NewMessageChannel() (*Port, *Port) { return port.NewPair() }

// RunState is the worker run-loop state.
type RunState int32

const (
	StateCreated RunState = iota
	StateBootstrapped
	StateLoading
	StateRunning
	StateClosedIdle
	StateClosedExplicit
	StateTerminalError
	StateForcedTerminate
)

func (s RunState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBootstrapped:
		return "bootstrapped"
	case StateLoading:
		return "loading"
	case StateRunning:
		return "running"
	case StateClosedIdle:
		return "closed_idle"
	case StateClosedExplicit:
		return "closed_explicit"
	case StateTerminalError:
		return "terminal_error"
	case StateForcedTerminate:
		return "forced_terminate"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state.
func (s RunState) Terminal() bool { return s >= StateClosedIdle }

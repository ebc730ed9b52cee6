package webworker

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/webworker/internal/termination"
)

// ErrNoEntry is returned when Options carries no script or module entry.
var ErrNoEntry = errors.New("webworker: no entry script or module")

type entryKind int

const (
	entryNone entryKind = iota
	entryScript
	entryModule
)

// Entry is what a worker runs first: inline script code or a module graph.
type Entry struct {
	kind      entryKind
	name      string
	code      string
	specifier string
	mode      ModuleMode
}

// ScriptEntry runs code as a classic script named name. No module graph
// is resolved.
func ScriptEntry(name, code string) Entry {
	return Entry{kind: entryScript, name: name, code: code}
}

// ModuleEntry loads the module graph rooted at specifier. mode decides
// import.meta.main.
func ModuleEntry(specifier string, mode ModuleMode) Entry {
	return Entry{kind: entryModule, specifier: specifier, mode: mode}
}

// IsModule reports whether e loads a module graph.
func (e Entry) IsModule() bool { return e.kind == entryModule }

func (e Entry) String() string {
	switch e.kind {
	case entryScript:
		return "script " + e.name
	case entryModule:
		return fmt.Sprintf("module %s (%s)", e.specifier, e.mode)
	default:
		return "none"
	}
}

// FormatErrorFunc renders an uncaught script error for the log.
type FormatErrorFunc func(err *ScriptError) string

// Options configures one worker.
type Options struct {
	Name  string
	Kind  WorkerKind
	Entry Entry

	// CloseOnIdle ends the worker once its event loop has nothing left to
	// do and no message listener is registered.
	CloseOnIdle bool

	// GracePeriod is how long a terminate request may go unobserved before
	// the engine is aborted. Zero selects termination.DefaultGracePeriod.
	GracePeriod time.Duration

	MemoryLimitMB int
	Payload       *StartupPayload

	// Bundler resolves module entries. When nil a bundler over ModuleRoot
	// and Sources is created.
	Bundler    ModuleBundler
	ModuleRoot string
	Sources    map[string]string

	// EngineFactory builds the script engine. Defaults to the backend
	// selected at build time.
	EngineFactory EngineFactory

	// InternalFrame filters runtime frames out of error locations. Nil
	// rejects "ext:" and "internal:" files.
	InternalFrame InternalFramePredicate
	FormatError   FormatErrorFunc

	Logger *zap.Logger

	// OnExit runs on the worker goroutine after teardown. err is the
	// terminal error, if any.
	OnExit func(id WorkerID, state RunState, err error)
	// OnForcedAbort runs when the grace period expired and the engine had
	// to be aborted.
	OnForcedAbort func(id WorkerID)
}

// DefaultOptions returns a persistent module worker with the default grace
// period.
func DefaultOptions() Options {
	return Options{
		Kind:        KindModule,
		GracePeriod: termination.DefaultGracePeriod,
	}
}

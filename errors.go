package webworker

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/stacktrace"
)

// InternalConsistencyError reports a worker whose engine broke the run-loop
// contract. It is raised as a panic.
type InternalConsistencyError struct {
	ID     WorkerID
	Kind   WorkerKind
	Reason string
}

func (e *InternalConsistencyError) Error() string {
	return fmt.Sprintf("internal consistency error in %s (%s): %s", e.ID, e.Kind, e.Reason)
}

// classifyError turns a terminal error into the event the host receives.
// The location is the first frame outside the runtime.
func classifyError(err error, internal InternalFramePredicate) ControlEvent {
	var se *core.ScriptError
	if !errors.As(err, &se) {
		return core.TerminalErrorEvent(err.Error(), nil)
	}
	var loc *Location
	if f, ok := stacktrace.FirstUserFrame(se.Frames, internal); ok {
		loc = &Location{FileName: f.File, LineNumber: f.Line, ColumnNumber: f.Column}
	}
	return core.TerminalErrorEvent(se.Error(), loc)
}

// printWorkerError logs an uncaught error the way a console would show it.
func printWorkerError(log *zap.Logger, name string, err error, format FormatErrorFunc) {
	var se *core.ScriptError
	errors.As(err, &se)

	var text string
	switch {
	case se != nil && format != nil:
		text = format(se)
	case se != nil:
		text = se.Error()
	default:
		text = err.Error()
	}

	fields := []zap.Field{zap.Error(err)}
	if se != nil && se.Stack != "" {
		fields = append(fields, zap.String("stack", se.Stack))
	}
	log.Error(fmt.Sprintf("Uncaught (in worker \"%s\") %s", name, strings.TrimPrefix(text, "Uncaught ")), fields...)
}

// FormatScriptError renders err with its stack frames, one per line.
// It is a ready-made FormatErrorFunc.
func FormatScriptError(err *ScriptError) string {
	var b strings.Builder
	b.WriteString(err.Error())
	for _, f := range err.Frames {
		b.WriteString("\n    at ")
		if f.Function != "" {
			fmt.Fprintf(&b, "%s (%s:%d:%d)", f.Function, f.File, f.Line, f.Column)
		} else {
			fmt.Fprintf(&b, "%s:%d:%d", f.File, f.Line, f.Column)
		}
	}
	return b.String()
}

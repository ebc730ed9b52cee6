package core

import (
	"strings"

	"github.com/cryguy/webworker/internal/stacktrace"
)

// ScriptError is an uncaught exception raised by worker code.
type ScriptError struct {
	Name    string
	Message string
	Stack   string
	Frames  []stacktrace.Frame
}

// NewScriptError builds a ScriptError and parses its stack.
func NewScriptError(name, message, stack string) *ScriptError {
	return &ScriptError{
		Name:    name,
		Message: message,
		Stack:   stack,
		Frames:  stacktrace.Parse(stack),
	}
}

// Error renders the exception the way an uncaught error is reported.
func (e *ScriptError) Error() string {
	var b strings.Builder
	b.WriteString("Uncaught ")
	switch {
	case e.Name != "" && e.Message != "":
		b.WriteString(e.Name)
		b.WriteString(": ")
		b.WriteString(e.Message)
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Name != "":
		b.WriteString(e.Name)
	default:
		b.WriteString("(unknown error)")
	}
	return b.String()
}

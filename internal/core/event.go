package core

import (
	"bytes"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ControlEventKind is the wire discriminant of a ControlEvent.
type ControlEventKind int

const (
	EventTerminalError ControlEventKind = 1
	// 2 is reserved and carries no meaning.
	eventReserved ControlEventKind = 2
	EventClose    ControlEventKind = 3
)

func (k ControlEventKind) String() string {
	switch k {
	case EventTerminalError:
		return "TerminalError"
	case EventClose:
		return "Close"
	default:
		return fmt.Sprintf("ControlEventKind(%d)", int(k))
	}
}

// ErrReservedEvent is returned when decoding the reserved discriminant.
var ErrReservedEvent = errors.New("control event discriminant 2 is reserved")

// Location is a source position reported with a terminal error.
type Location struct {
	FileName     string `json:"fileName"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
}

// ControlEvent is the terminal notification a worker sends its host.
type ControlEvent struct {
	Kind     ControlEventKind
	Message  string
	Location *Location
}

// CloseEvent returns the event sent when a worker closes.
func CloseEvent() ControlEvent {
	return ControlEvent{Kind: EventClose}
}

// TerminalErrorEvent returns the event sent when a worker dies from an error.
func TerminalErrorEvent(message string, loc *Location) ControlEvent {
	return ControlEvent{Kind: EventTerminalError, Message: message, Location: loc}
}

// IsClose reports whether ev is a Close event.
func (ev ControlEvent) IsClose() bool { return ev.Kind == EventClose }

// IsTerminalError reports whether ev is a TerminalError event.
func (ev ControlEvent) IsTerminalError() bool { return ev.Kind == EventTerminalError }

func (ev ControlEvent) String() string {
	if ev.Kind != EventTerminalError {
		return ev.Kind.String()
	}
	if ev.Location == nil {
		return fmt.Sprintf("TerminalError(%s)", ev.Message)
	}
	return fmt.Sprintf("TerminalError(%s at %s:%d:%d)", ev.Message,
		ev.Location.FileName, ev.Location.LineNumber, ev.Location.ColumnNumber)
}

type terminalPayload struct {
	Message      string  `json:"message"`
	FileName     *string `json:"fileName"`
	LineNumber   *int    `json:"lineNumber"`
	ColumnNumber *int    `json:"columnNumber"`
}

// MarshalJSON renders the event as a [discriminant, payload] pair.
func (ev ControlEvent) MarshalJSON() ([]byte, error) {
	switch ev.Kind {
	case EventClose:
		return []byte(`[3,null]`), nil
	case EventTerminalError:
		p := terminalPayload{Message: ev.Message}
		if ev.Location != nil {
			p.FileName = &ev.Location.FileName
			p.LineNumber = &ev.Location.LineNumber
			p.ColumnNumber = &ev.Location.ColumnNumber
		}
		return json.Marshal([]any{int(EventTerminalError), p})
	default:
		return nil, fmt.Errorf("cannot encode %s", ev.Kind)
	}
}

// UnmarshalJSON decodes the [discriminant, payload] pair.
func (ev *ControlEvent) UnmarshalJSON(data []byte) error {
	var raw []jsoniter.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding control event: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("decoding control event: expected 2 elements, got %d", len(raw))
	}
	var kind int
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return fmt.Errorf("decoding control event discriminant: %w", err)
	}

	switch ControlEventKind(kind) {
	case EventClose:
		*ev = CloseEvent()
		return nil
	case eventReserved:
		return ErrReservedEvent
	case EventTerminalError:
		if bytes.Equal(bytes.TrimSpace(raw[1]), []byte("null")) {
			return errors.New("decoding control event: terminal error without payload")
		}
		var p terminalPayload
		if err := json.Unmarshal(raw[1], &p); err != nil {
			return fmt.Errorf("decoding terminal error payload: %w", err)
		}
		out := ControlEvent{Kind: EventTerminalError, Message: p.Message}
		if p.FileName != nil {
			out.Location = &Location{FileName: *p.FileName}
			if p.LineNumber != nil {
				out.Location.LineNumber = *p.LineNumber
			}
			if p.ColumnNumber != nil {
				out.Location.ColumnNumber = *p.ColumnNumber
			}
		}
		*ev = out
		return nil
	default:
		return fmt.Errorf("decoding control event: unknown discriminant %d", kind)
	}
}

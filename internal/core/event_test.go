package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlEvent_MarshalClose(t *testing.T) {
	b, err := json.Marshal(CloseEvent())
	require.NoError(t, err)
	assert.JSONEq(t, `[3,null]`, string(b))
}

func TestControlEvent_MarshalTerminalError(t *testing.T) {
	ev := TerminalErrorEvent("Uncaught Error: boom", &Location{FileName: "main.js", LineNumber: 3, ColumnNumber: 9})
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,{"message":"Uncaught Error: boom","fileName":"main.js","lineNumber":3,"columnNumber":9}]`, string(b))

	var back ControlEvent
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, ev, back)
}

func TestControlEvent_NoLocationEncodesNulls(t *testing.T) {
	b, err := json.Marshal(TerminalErrorEvent("oops", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `[1,{"message":"oops","fileName":null,"lineNumber":null,"columnNumber":null}]`, string(b))

	var back ControlEvent
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, back.IsTerminalError())
	assert.Nil(t, back.Location)
}

func TestControlEvent_ReservedDiscriminant(t *testing.T) {
	var ev ControlEvent
	err := json.Unmarshal([]byte(`[2,null]`), &ev)
	assert.ErrorIs(t, err, ErrReservedEvent)
}

func TestControlEvent_RejectsMalformed(t *testing.T) {
	for _, in := range []string{`[]`, `[1]`, `[9,null]`, `[1,null]`, `{"kind":3}`} {
		var ev ControlEvent
		assert.Error(t, json.Unmarshal([]byte(in), &ev), in)
	}
}

func TestControlEvent_String(t *testing.T) {
	assert.Equal(t, "Close", CloseEvent().String())
	assert.Equal(t, "TerminalError(x at a.js:1:2)",
		TerminalErrorEvent("x", &Location{FileName: "a.js", LineNumber: 1, ColumnNumber: 2}).String())
}

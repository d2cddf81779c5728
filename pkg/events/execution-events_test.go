package events

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventType_ClosedSet(t *testing.T) {
	assert.Len(t, knownEventTypes, 17)

	et, err := ParseEventType("TOOL_APPROVAL")
	require.NoError(t, err)
	assert.Equal(t, EventTypeToolApproval, et)

	_, err = ParseEventType("TOKEN")
	assert.Error(t, err)
}

func TestNewEvent_DataIsCopied(t *testing.T) {
	data := map[string]any{"args": map[string]any{"q": "a"}}
	ev := NewEvent(EventTypeActing, Trace{}, "", data)

	data["args"].(map[string]any)["q"] = "b"
	data["extra"] = 1

	assert.Equal(t, "a", ev.Data["args"].(map[string]any)["q"])
	_, ok := ev.Data["extra"]
	assert.False(t, ok)
	assert.False(t, ev.Trace.StartTime.IsZero())
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, NewEvent(EventTypeDone, Trace{}, "", nil).IsTerminal())
	assert.True(t, NewEvent(EventTypeDoneWithWarning, Trace{}, "", nil).IsTerminal())
	assert.False(t, NewErrorEvent(Trace{}, ErrorCodeValidation, errors.New("bad"), false).IsTerminal())

	ev := NewErrorEvent(Trace{}, ErrorCodeProvider, errors.New("boom"), true)
	assert.True(t, ev.IsTerminal())
	assert.Equal(t, ErrorCodeProvider, ev.Code())
	assert.Equal(t, "boom", ev.Message)
}

func TestPublishEventToContext(t *testing.T) {
	var got []ExecutionEvent
	sink := SinkFunc(func(e ExecutionEvent) error {
		got = append(got, e)
		return nil
	})
	failing := SinkFunc(func(ExecutionEvent) error { return errors.New("nope") })

	ctx := WithEventSinks(context.Background(), sink)
	ctx = WithEventSinks(ctx, failing)
	ctx = WithTrace(ctx, Trace{TurnID: "t-1"})

	trace, ok := TraceFromContext(ctx)
	require.True(t, ok)
	PublishEventToContext(ctx, NewEvent(EventTypeInitPlan, trace, "plan", nil))

	require.Len(t, got, 1)
	assert.Equal(t, "t-1", got[0].Trace.TurnID)

	// no sinks is a no-op
	PublishEventToContext(context.Background(), NewEvent(EventTypeInitPlan, Trace{}, "", nil))
}

package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEterna/real-agent-sub001/pkg/events"
)

func TestMetrics_ObserveTurn(t *testing.T) {
	m := New(prometheus.NewRegistry())
	trace := events.Trace{TurnID: "t"}

	stream := []events.ExecutionEvent{
		events.NewEvent(events.EventTypeStarted, trace, "", nil),
		events.NewEvent(events.EventTypeToolApproval, trace, "", nil),
		events.NewEvent(events.EventTypeInteraction, trace, "approve", map[string]any{"approved": true}),
		events.NewEvent(events.EventTypeTool, trace, "echo", map[string]any{"tool": "echo", "ok": true, "elapsed_ms": int64(1500)}),
		events.NewEvent(events.EventTypeTool, trace, "nope", map[string]any{"tool": "nope", "ok": false, "code": string(events.ErrorCodeToolNotFound), "elapsed_ms": float64(0)}),
		events.NewEvent(events.EventTypeTool, trace, "echo", map[string]any{"tool": "echo", "ok": false, "code": string(events.ErrorCodeApprovalTimeout)}),
		events.NewErrorEvent(trace, events.ErrorCodeToolNotFound, assert.AnError, false),
	}
	for _, ev := range stream {
		require.NoError(t, m.Handle(context.Background(), ev))
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveTurns))

	m.Observe(events.NewErrorEvent(trace, events.ErrorCodeProvider, assert.AnError, true))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsStarted))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveTurns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsFinished.WithLabelValues("PROVIDER_ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("echo", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("nope", "TOOL_NOT_FOUND")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Approvals.WithLabelValues("approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Approvals.WithLabelValues("timeout")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Events.WithLabelValues("TOOL")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.ToolDuration))
}

func TestMetrics_DoneOutcome(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Observe(events.NewEvent(events.EventTypeStarted, events.Trace{}, "", nil))
	m.Observe(events.NewTerminalEvent(events.EventTypeDoneWithWarning, events.Trace{}, "", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsFinished.WithLabelValues("DONE_WITH_WARNING")))
}

package agents

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
	"github.com/TheEterna/real-agent-sub001/pkg/events"
	"github.com/TheEterna/real-agent-sub001/pkg/provider"
	"github.com/TheEterna/real-agent-sub001/pkg/provider/fixtures"
	"github.com/TheEterna/real-agent-sub001/pkg/tools"
)

func newRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	require.NoError(t, tools.RegisterCompletionTool(r))
	require.NoError(t, tools.RegisterPlanTools(r))
	require.NoError(t, r.RegisterWithKeywords(tools.NewEchoTool(), "utility"))
	return r
}

func TestRunner_ToolVisibilityByKeyword(t *testing.T) {
	r := NewRunner(fixtures.New(), newRegistry(t))
	set := DefaultSet()

	names := func(specs []tools.ToolSpec) []string {
		var ret []string
		for _, s := range specs {
			ret = append(ret, s.Name)
		}
		return ret
	}
	assert.Equal(t, []string{"advance_plan", "analyze_task", "init_plan", "update_plan"}, names(r.Tools(set.Thinking)))
	assert.Contains(t, names(r.Tools(set.Action)), tools.CompletionToolName)
	assert.Contains(t, names(r.Tools(set.Action)), "echo")
	assert.Empty(t, r.Tools(set.Observation))
	assert.Empty(t, r.Tools(set.Final))
}

func TestRunner_StreamsChunksAsStageEvents(t *testing.T) {
	p := fixtures.New(fixtures.Reply{Chunks: []string{"a", "b"}, ToolCalls: []conversation.ToolCall{{ID: "c1", Name: "echo", Arguments: `{"text":"x"}`}}})
	r := NewRunner(p, newRegistry(t))

	var got []events.ExecutionEvent
	out, err := r.Run(context.Background(), NewAction(), Input{
		Messages: conversation.Conversation{conversation.NewMessage(conversation.MessageTypeUser, "hi")},
		Trace:    events.Trace{SessionID: "s", TurnID: "t"},
		NodeID:   "iter-1-action",
		Emit: func(e events.ExecutionEvent) error {
			got = append(got, e)
			return nil
		},
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, events.EventTypeAction, got[0].Type)
	assert.Equal(t, "action-agent", got[0].Trace.AgentID)
	assert.Equal(t, "iter-1-action", got[0].Trace.NodeID)
	assert.Equal(t, "ab", out.Text)
	require.Len(t, out.ToolCalls, 1)
	require.NotNil(t, out.Message)
	assert.Equal(t, conversation.MessageTypeAction, out.Message.Type)
	assert.Equal(t, "t", out.Message.TurnID)

	reqs := p.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "action", reqs[0].Stage)
	assert.NotEmpty(t, reqs[0].Tools)
}

func TestRunner_StageWithoutToolsDropsCalls(t *testing.T) {
	p := fixtures.New(fixtures.Reply{Chunks: []string{"summary"}, ToolCalls: []conversation.ToolCall{{ID: "c1", Name: "echo"}}})
	r := NewRunner(p, newRegistry(t))

	out, err := r.Run(context.Background(), NewObservation(), Input{})
	require.NoError(t, err)
	assert.Empty(t, out.ToolCalls)
	assert.Equal(t, "summary", out.Message.Content)
}

func TestRunner_ProviderFailure(t *testing.T) {
	p := fixtures.New(fixtures.Reply{Error: "rate limited"})
	r := NewRunner(p, newRegistry(t))

	_, err := r.Run(context.Background(), NewThinking(), Input{})
	var pe *provider.ProviderError
	assert.True(t, errors.As(err, &pe))
}

func TestRunner_EmitErrorStopsRun(t *testing.T) {
	p := fixtures.New(fixtures.Text("a", "b"))
	r := NewRunner(p, newRegistry(t))

	_, err := r.Run(context.Background(), NewFinal(), Input{Emit: func(events.ExecutionEvent) error {
		return events.ErrStreamOverflow
	}})
	assert.True(t, errors.Is(err, events.ErrStreamOverflow))
}

func TestSet_WithModelCopies(t *testing.T) {
	base := DefaultSet()
	withModel := base.WithModel("gpt-4o")
	assert.Equal(t, "gpt-4o", withModel.Final.Model)
	assert.Equal(t, "", base.Final.Model)
}

func TestRunner_CallsOutsideKeywordsAreNotAllowed(t *testing.T) {
	p := fixtures.New(fixtures.Calls(conversation.ToolCall{ID: "c1", Name: tools.CompletionToolName, Arguments: `{"summary":"from thinking"}`}))
	reg := newRegistry(t)
	r := NewRunner(p, reg)

	out, err := r.Run(context.Background(), NewThinking(), Input{Trace: events.Trace{SessionID: "s", TurnID: "t"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"advance_plan", "analyze_task", "init_plan", "update_plan"}, out.Allowed)
	require.Len(t, out.ToolCalls, 1)

	d := tools.NewDispatcher(reg, tools.DefaultConfig())
	res, err := d.Execute(context.Background(), out.ToolCalls[0], tools.ExecuteOptions{Allowed: out.Allowed})
	assert.True(t, errors.Is(err, tools.ErrToolNotFound))
	assert.Equal(t, events.ErrorCodeToolNotFound, res.Code)
}

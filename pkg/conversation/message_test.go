package conversation

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Role(t *testing.T) {
	cases := []struct {
		msg  *Message
		role Role
	}{
		{NewMessage(MessageTypeUser, "hi"), RoleUser},
		{NewMessage(MessageTypeSystem, "sys"), RoleSystem},
		{NewMessage(MessageTypeSummary, "sum"), RoleSystem},
		{NewMessage(MessageTypeThinking, "hmm"), RoleAssistant},
		{NewMessage(MessageTypeCompleted, "done"), RoleAssistant},
		{NewMessage(MessageTypeTool, "42", WithToolCallID("c1")), RoleTool},
		{NewMessage(MessageTypeError, "not found", WithToolCallID("c1")), RoleTool},
	}
	for _, c := range cases {
		assert.Equal(t, c.role, c.msg.Role(), string(c.msg.Type))
	}
}

func TestMessage_IsRepresentative(t *testing.T) {
	assert.True(t, NewMessage(MessageTypeCompleted, "x").IsRepresentative())
	assert.True(t, NewMessage(MessageTypeObserving, "x").IsRepresentative())
	assert.False(t, NewMessage(MessageTypeAction, "x", WithToolCalls(ToolCall{ID: "1", Name: "a"})).IsRepresentative())
	assert.False(t, NewMessage(MessageTypeThinking, "x", WithToolCalls(ToolCall{ID: "1", Name: "a"})).IsRepresentative())
	assert.False(t, NewMessage(MessageTypeUser, "x").IsRepresentative())
	assert.False(t, NewMessage(MessageTypeTool, "x", WithToolCallID("1")).IsRepresentative())
}

func TestMessage_CloneIsDeep(t *testing.T) {
	m := NewMessage(MessageTypeAction, "x",
		WithMetadata(map[string]any{"k": []any{"a"}}),
		WithToolCalls(ToolCall{ID: "1", Name: "search", Arguments: `{"q":"go"}`}),
	)
	c := m.Clone()
	c.ToolCalls[0].Name = "changed"
	c.Metadata["k"].([]any)[0] = "b"

	assert.Equal(t, "search", m.ToolCalls[0].Name)
	assert.Equal(t, "a", m.Metadata["k"].([]any)[0])
}

func TestConversation_ForTurn(t *testing.T) {
	c := Conversation{
		NewMessage(MessageTypeUser, "a", WithTurn("s", "t1")),
		NewMessage(MessageTypeUser, "b", WithTurn("s", "t2")),
		NewMessage(MessageTypeCompleted, "c", WithTurn("s", "t1")),
	}
	got := c.ForTurn("t1")
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[1].Content)
	assert.Contains(t, c.GetSinglePrompt(), "[completed]: c")
}

func TestTranscript_YAMLRoundTrip(t *testing.T) {
	tr := &Transcript{
		SessionID: "s",
		TurnID:    "t",
		Outcome:   "DONE",
		Messages: Conversation{
			NewMessage(MessageTypeUser, "hello", WithTurn("s", "t")),
			NewMessage(MessageTypeAction, "", WithTurn("s", "t"), WithToolCalls(ToolCall{ID: "c1", Name: "task_done", Arguments: `{"summary":"ok"}`})),
		},
	}
	var buf bytes.Buffer
	require.NoError(t, tr.WriteYAML(&buf))

	got, err := ReadTranscript(&buf)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "task_done", got.Messages[1].ToolCalls[0].Name)
	assert.Equal(t, "DONE", got.Outcome)
}

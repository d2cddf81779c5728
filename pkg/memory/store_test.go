package memory

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
)

func appendTurn(t *testing.T, s *Store, sessionID, turnID, ask, answer string) {
	t.Helper()
	require.NoError(t, s.Append(sessionID, conversation.NewMessage(conversation.MessageTypeUser, ask, conversation.WithTurn(sessionID, turnID))))
	require.NoError(t, s.Append(sessionID, conversation.NewMessage(conversation.MessageTypeThinking, "let me look", conversation.WithTurn(sessionID, turnID),
		conversation.WithToolCalls(conversation.ToolCall{ID: turnID + "-c1", Name: "search", Arguments: `{"q":"x"}`}))))
	require.NoError(t, s.Append(sessionID, conversation.NewMessage(conversation.MessageTypeTool, "result", conversation.WithTurn(sessionID, turnID), conversation.WithToolCallID(turnID+"-c1"))))
	require.NoError(t, s.Append(sessionID, conversation.NewMessage(conversation.MessageTypeCompleted, answer, conversation.WithTurn(sessionID, turnID))))
}

func TestStore_UnknownSessionIsEmpty(t *testing.T) {
	s := NewStore(WithDefaultPolicy(PolicyData{Policy: PolicySummary}))
	msgs, err := s.Messages("nope", "t")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, PolicySummary, s.Policy("nope").Policy)
}

func TestStore_NoneIsVerbatimAndIdempotent(t *testing.T) {
	s := NewStore()
	appendTurn(t, s, "s", "t1", "q1", "a1")
	appendTurn(t, s, "s", "t2", "q2", "a2")

	first, err := s.Messages("s", "t3")
	require.NoError(t, err)
	second, err := s.Messages("s", "t3")
	require.NoError(t, err)

	require.Len(t, first, 8)
	assert.Equal(t, first, second)
}

func TestStore_ReadsAreCopies(t *testing.T) {
	s := NewStore()
	appendTurn(t, s, "s", "t1", "q1", "a1")

	msgs, err := s.Messages("s", "t1")
	require.NoError(t, err)
	msgs[0].Content = "mutated"
	msgs[1].ToolCalls[0].Name = "mutated"

	again := s.Raw("s")
	assert.Equal(t, "q1", again[0].Content)
	assert.Equal(t, "search", again[1].ToolCalls[0].Name)
}

func TestStore_AppendCopiesInput(t *testing.T) {
	s := NewStore()
	m := conversation.NewMessage(conversation.MessageTypeUser, "hello", conversation.WithTurn("s", "t"))
	require.NoError(t, s.Append("s", m))
	m.Content = "changed"
	assert.Equal(t, "hello", s.Raw("s")[0].Content)
}

func TestStore_SummaryStrictlyReduces(t *testing.T) {
	s := NewStore(WithDefaultPolicy(PolicyData{Policy: PolicySummary}))
	appendTurn(t, s, "s", "t1", "q1", "a1")
	appendTurn(t, s, "s", "t2", "q2", "a2")
	require.NoError(t, s.Append("s", conversation.NewMessage(conversation.MessageTypeUser, "q3", conversation.WithTurn("s", "t3"))))

	raw := s.Raw("s")
	got, err := s.Messages("s", "t3")
	require.NoError(t, err)

	assert.Less(t, len(got), len(raw))
	require.Len(t, got, 4)
	assert.Equal(t, conversation.MessageTypeSummary, got[0].Type)
	assert.Contains(t, got[0].Content, `user asked "q1"`)
	assert.Contains(t, got[0].Content, "tools used: search")
	assert.Equal(t, "a1", got[1].Content)
	assert.Equal(t, "a2", got[2].Content)
	assert.Equal(t, "q3", got[3].Content)
}

func TestStore_SummaryBelowTriggerIsVerbatim(t *testing.T) {
	s := NewStore()
	s.SetPolicy("s", PolicyData{Policy: PolicySummary, TriggerTokens: 100000})
	appendTurn(t, s, "s", "t1", "q1", "a1")
	appendTurn(t, s, "s", "t2", "q2", "a2")

	got, err := s.Messages("s", "t3")
	require.NoError(t, err)
	assert.Len(t, got, 8)
}

func TestStore_PolicyChangeAffectsNextRead(t *testing.T) {
	s := NewStore()
	appendTurn(t, s, "s", "t1", "q1", "a1")
	appendTurn(t, s, "s", "t2", "q2", "a2")

	before, err := s.Messages("s", "t3")
	require.NoError(t, err)
	s.SetPolicy("s", PolicyData{Policy: PolicySummary})
	after, err := s.Messages("s", "t3")
	require.NoError(t, err)

	assert.Len(t, before, 8)
	assert.Len(t, after, 3)
}

func TestStore_AggressiveIsUnsupported(t *testing.T) {
	s := NewStore()
	s.SetPolicy("s", PolicyData{Policy: PolicyAggressive})
	_, err := s.Messages("s", "t")
	assert.True(t, errors.Is(err, ErrUnsupportedOperation))
}

func TestStore_ObserversAndHydrate(t *testing.T) {
	var seen []string
	s := NewStore(WithAppendObserver(func(m *conversation.Message) {
		seen = append(seen, m.Content)
	}))

	hydrated := s.Hydrate("s", conversation.Conversation{
		conversation.NewMessage(conversation.MessageTypeUser, "old", conversation.WithTurn("s", "t0")),
	})
	assert.True(t, hydrated)
	assert.False(t, s.Hydrate("s", conversation.Conversation{}))
	assert.Empty(t, seen)

	require.NoError(t, s.Append("s", conversation.NewMessage(conversation.MessageTypeUser, "new")))
	assert.Equal(t, []string{"new"}, seen)
	assert.Equal(t, 2, s.Len("s"))
	assert.Equal(t, "s", s.Raw("s")[1].SessionID)
}

func TestHeuristicCounter(t *testing.T) {
	c := HeuristicCounter{}
	// 4 ascii chars = 1, 2 non-ascii runes = 3, overhead 4
	msgs := conversation.Conversation{conversation.NewMessage(conversation.MessageTypeUser, "abcd你好")}
	assert.Equal(t, 8, c.Count(msgs))
	// 1 ascii char rounds up
	msgs = conversation.Conversation{conversation.NewMessage(conversation.MessageTypeUser, "a")}
	assert.Equal(t, 5, c.Count(msgs))
	assert.Equal(t, 0, c.Count(nil))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("SUMMARY")
	require.NoError(t, err)
	assert.Equal(t, PolicySummary, p)
	_, err = ParsePolicy("lossy")
	assert.Error(t, err)
}

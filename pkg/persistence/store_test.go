package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
	"github.com/TheEterna/real-agent-sub001/pkg/events"
	"github.com/TheEterna/real-agent-sub001/pkg/turns"
)

type turnGetter interface {
	GetTurn(ctx context.Context, turnID string) (TurnRecord, bool, error)
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStores_RecordTurnAndMessages(t *testing.T) {
	for name, s := range stores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().Truncate(time.Millisecond)

			require.NoError(t, s.SaveSession(ctx, turns.Session{SessionID: "s1", Title: "Weather", CreatedAt: now}))
			sess, ok, err := s.GetSession(ctx, "s1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "Weather", sess.Title)
			assert.True(t, sess.CreatedAt.Equal(now))

			_, ok, err = s.GetSession(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.StartTurn(ctx, turns.Turn{TurnID: "t1", SessionID: "s1", Message: "hi", CreatedAt: now}))

			user := conversation.NewMessage(conversation.MessageTypeUser, "hi", conversation.WithTurn("s1", "t1"))
			action := conversation.NewMessage(conversation.MessageTypeAction, "", conversation.WithTurn("s1", "t1"),
				conversation.WithSender("action-agent"),
				conversation.WithToolCalls(conversation.ToolCall{ID: "c1", Name: "echo", Arguments: `{"text":"x"}`}),
				conversation.WithMetadata(map[string]any{"stage": "action"}))
			tool := conversation.NewMessage(conversation.MessageTypeTool, "x", conversation.WithTurn("s1", "t1"), conversation.WithToolCallID("c1"))
			for _, m := range []*conversation.Message{user, action, tool, user} {
				require.NoError(t, s.SaveMessage(ctx, m))
			}

			msgs, err := s.GetSessionMessages(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			assert.Equal(t, user.ID, msgs[0].ID)
			assert.Equal(t, "echo", msgs[1].ToolCalls[0].Name)
			assert.Equal(t, "action", msgs[1].Metadata["stage"])
			assert.Equal(t, "action-agent", msgs[1].SenderID)
			assert.Equal(t, "c1", msgs[2].ToolCallID)
			assert.Equal(t, conversation.RoleTool, msgs[2].Role())

			require.NoError(t, s.CompleteTurn(ctx, "t1", events.EventTypeDone, "bye"))
			rec, ok, err := s.(turnGetter).GetTurn(ctx, "t1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "DONE", rec.Outcome)
			assert.Equal(t, "bye", rec.Final)
			assert.NotZero(t, rec.CompletedAt)

			empty, err := s.GetSessionMessages(ctx, "other")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	path := filepath.Join(t.TempDir(), "nested", "reactd.db")
	s, err = Open(ctx, "sqlite3", path)
	require.NoError(t, err)
	require.NoError(t, s.SaveSession(ctx, turns.Session{SessionID: "s", CreatedAt: time.Now()}))
	require.NoError(t, s.Close())

	// reopening sees the data
	s, err = Open(ctx, "sqlite3", path)
	require.NoError(t, err)
	_, ok, err := s.GetSession(ctx, "s")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.Close())

	_, err = Open(ctx, "postgres", "x")
	assert.Error(t, err)
	_, err = Open(ctx, "mysql", "")
	assert.Error(t, err)
	_, err = Open(ctx, "mysql", "not a dsn")
	assert.Error(t, err)
}

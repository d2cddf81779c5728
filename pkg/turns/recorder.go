package turns

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
	"github.com/TheEterna/real-agent-sub001/pkg/events"
	"github.com/TheEterna/real-agent-sub001/pkg/memory"
)

// Recorder persists turns and their messages. Failures are logged by the
// manager and never fail a turn.
type Recorder interface {
	StartTurn(ctx context.Context, t Turn) error
	SaveMessage(ctx context.Context, msg *conversation.Message) error
	CompleteTurn(ctx context.Context, turnID string, outcome events.EventType, final string) error
	GetSessionMessages(ctx context.Context, sessionID string) (conversation.Conversation, error)
}

// Hydrator is the part of the context memory used to seed a session from the
// recorder before its first turn in this process.
type Hydrator interface {
	Len(sessionID string) int
	Hydrate(sessionID string, msgs conversation.Conversation) bool
}

var _ Hydrator = (*memory.Store)(nil)

// RecordMessages returns a memory append observer that saves every appended
// message through rec.
func RecordMessages(ctx context.Context, rec Recorder) memory.AppendObserver {
	return func(msg *conversation.Message) {
		if err := rec.SaveMessage(ctx, msg); err != nil {
			log.Warn().Err(err).Str("session_id", msg.SessionID).Str("turn_id", msg.TurnID).Str("message_id", msg.ID).Msg("failed to save message")
		}
	}
}

package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
	"github.com/TheEterna/real-agent-sub001/pkg/events"
	"github.com/TheEterna/real-agent-sub001/pkg/turns"
)

// MemoryStore keeps everything in process. It is the default when no
// database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]turns.Session
	turns    map[string]*TurnRecord
	messages map[string]conversation.Conversation
	seen     map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]turns.Session),
		turns:    make(map[string]*TurnRecord),
		messages: make(map[string]conversation.Conversation),
		seen:     make(map[string]struct{}),
	}
}

func (m *MemoryStore) SaveSession(_ context.Context, s turns.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = s
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (turns.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok, nil
}

func (m *MemoryStore) StartTurn(_ context.Context, t turns.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[t.TurnID] = &TurnRecord{Turn: t}
	return nil
}

func (m *MemoryStore) SaveMessage(_ context.Context, msg *conversation.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[msg.ID]; ok {
		return nil
	}
	m.seen[msg.ID] = struct{}{}
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg.Clone())
	return nil
}

func (m *MemoryStore) CompleteTurn(_ context.Context, turnID string, outcome events.EventType, final string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.turns[turnID]
	if !ok {
		rec = &TurnRecord{Turn: turns.Turn{TurnID: turnID}}
		m.turns[turnID] = rec
	}
	rec.Outcome = string(outcome)
	rec.Final = final
	rec.CompletedAt = time.Now().UnixMilli()
	return nil
}

func (m *MemoryStore) GetSessionMessages(_ context.Context, sessionID string) (conversation.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.messages[sessionID].Clone(), nil
}

// GetTurn returns a copy of the recorded turn.
func (m *MemoryStore) GetTurn(_ context.Context, turnID string) (TurnRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.turns[turnID]
	if !ok {
		return TurnRecord{}, false, nil
	}
	return *rec, true, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

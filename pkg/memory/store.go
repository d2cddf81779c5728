package memory

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
)

// AppendObserver is called after a message was appended, outside the store lock.
type AppendObserver func(msg *conversation.Message)

type session struct {
	messages conversation.Conversation
	policy   *PolicyData
}

// Store is the per-session, append-only conversation memory.
//
// Messages are cloned on the way in and on the way out; nothing a caller
// holds aliases the stored history.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*session
	defaults  PolicyData
	counter   TokenCounter
	observers []AppendObserver
}

type Option func(*Store)

func WithDefaultPolicy(p PolicyData) Option {
	return func(s *Store) {
		s.defaults = p
	}
}

func WithTokenCounter(c TokenCounter) Option {
	return func(s *Store) {
		s.counter = c
	}
}

func WithAppendObserver(o AppendObserver) Option {
	return func(s *Store) {
		s.observers = append(s.observers, o)
	}
}

func NewStore(options ...Option) *Store {
	s := &Store{
		sessions: map[string]*session{},
		defaults: PolicyData{Policy: PolicyNone},
		counter:  HeuristicCounter{},
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// AddObserver registers an observer after construction.
func (s *Store) AddObserver(o AppendObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Append adds a copy of msg to the session's history.
func (s *Store) Append(sessionID string, msg *conversation.Message) error {
	if sessionID == "" {
		return errors.New("append: empty session id")
	}
	if msg == nil {
		return errors.New("append: nil message")
	}
	m := msg.Clone()
	m.SessionID = sessionID

	s.mu.Lock()
	sess := s.getOrCreate(sessionID)
	sess.messages = append(sess.messages, m)
	observers := append([]AppendObserver(nil), s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		o(m.Clone())
	}
	return nil
}

// Hydrate seeds an empty session with previously persisted messages.
// A session that already holds messages is left untouched. Observers are not notified.
func (s *Store) Hydrate(sessionID string, msgs conversation.Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrCreate(sessionID)
	if len(sess.messages) > 0 {
		return false
	}
	sess.messages = msgs.Clone()
	return true
}

// Messages returns the session history as it should be sent to the model while
// currentTurnID is running, with the session's compression policy applied.
// Unknown sessions yield an empty history.
func (s *Store) Messages(sessionID, currentTurnID string) (conversation.Conversation, error) {
	s.mu.RLock()
	var msgs conversation.Conversation
	policy := s.defaults
	if sess, ok := s.sessions[sessionID]; ok {
		msgs = sess.messages.Clone()
		if sess.policy != nil {
			policy = *sess.policy
		}
	}
	s.mu.RUnlock()

	switch policy.Policy {
	case PolicyNone, "":
		return msgs, nil
	case PolicySummary:
		if policy.TriggerTokens > 0 && s.counter.Count(msgs) < policy.TriggerTokens {
			return msgs, nil
		}
		out := summarize(msgs, sessionID, currentTurnID)
		if len(out) != len(msgs) {
			log.Debug().Str("session_id", sessionID).Int("before", len(msgs)).Int("after", len(out)).Msg("compressed session history")
		}
		return out, nil
	case PolicyAggressive:
		return nil, errors.Wrapf(ErrUnsupportedOperation, "compression policy %s", policy.Policy)
	default:
		return nil, errors.Errorf("unknown compression policy %q", policy.Policy)
	}
}

// Raw returns the uncompressed history.
func (s *Store) Raw(sessionID string) conversation.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.messages.Clone()
	}
	return nil
}

// SetPolicy changes the compression policy; it takes effect on the next read.
func (s *Store) SetPolicy(sessionID string, p PolicyData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrCreate(sessionID)
	sess.policy = &p
}

func (s *Store) Policy(sessionID string) PolicyData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[sessionID]; ok && sess.policy != nil {
		return *sess.policy
	}
	return s.defaults
}

func (s *Store) EstimateTokens(sessionID string) int {
	return s.counter.Count(s.Raw(sessionID))
}

func (s *Store) Len(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return len(sess.messages)
	}
	return 0
}

func (s *Store) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *Store) getOrCreate(sessionID string) *session {
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{}
		s.sessions[sessionID] = sess
	}
	return sess
}

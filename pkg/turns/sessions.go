package turns

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
	"github.com/TheEterna/real-agent-sub001/pkg/provider"
)

const (
	DefaultTitleTimeout = 10 * time.Second
	maxTitleRunes       = 50
	fallbackTitleRunes  = 30
)

const titlePrompt = `Write a short title (at most 8 words) for a conversation that starts with the user's message below. Reply with the title only, no quotes.`

type Session struct {
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStore keeps session records.
type SessionStore interface {
	SaveSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, sessionID string) (Session, bool, error)
}

// SessionService materializes sessions for inbound turns.
type SessionService struct {
	store        SessionStore
	titler       provider.ChatProvider
	titleModel   string
	titleTimeout time.Duration

	mu    sync.Mutex
	known map[string]Session
}

type SessionOption func(*SessionService)

func WithSessionStore(store SessionStore) SessionOption {
	return func(s *SessionService) { s.store = store }
}

// WithTitler asks p for a title when a session is created.
func WithTitler(p provider.ChatProvider, model string) SessionOption {
	return func(s *SessionService) {
		s.titler = p
		s.titleModel = model
	}
}

func WithTitleTimeout(d time.Duration) SessionOption {
	return func(s *SessionService) { s.titleTimeout = d }
}

func NewSessionService(options ...SessionOption) *SessionService {
	s := &SessionService{
		titleTimeout: DefaultTitleTimeout,
		known:        make(map[string]Session),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// EnsureSession returns the session with the given id, creating it when it
// does not exist yet. An empty id always creates a new session.
func (s *SessionService) EnsureSession(ctx context.Context, sessionID, firstMessage string) (Session, error) {
	if sessionID != "" {
		if sess, ok, err := s.lookup(ctx, sessionID); err != nil {
			return Session{}, err
		} else if ok {
			return sess, nil
		}
	} else {
		sessionID = uuid.NewString()
	}

	sess := Session{
		SessionID: sessionID,
		Title:     s.title(ctx, firstMessage),
		CreatedAt: time.Now(),
	}
	if s.store != nil {
		if err := s.store.SaveSession(ctx, sess); err != nil {
			return Session{}, errors.Wrapf(err, "save session %s", sessionID)
		}
	}
	s.mu.Lock()
	s.known[sessionID] = sess
	s.mu.Unlock()
	log.Debug().Str("session_id", sessionID).Str("title", sess.Title).Msg("session created")
	return sess, nil
}

func (s *SessionService) lookup(ctx context.Context, sessionID string) (Session, bool, error) {
	s.mu.Lock()
	sess, ok := s.known[sessionID]
	s.mu.Unlock()
	if ok || s.store == nil {
		return sess, ok, nil
	}
	sess, ok, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, false, errors.Wrapf(err, "get session %s", sessionID)
	}
	if ok {
		s.mu.Lock()
		s.known[sessionID] = sess
		s.mu.Unlock()
	}
	return sess, ok, nil
}

func (s *SessionService) title(ctx context.Context, message string) string {
	fallback := truncate(strings.TrimSpace(message), fallbackTitleRunes)
	if s.titler == nil || strings.TrimSpace(message) == "" {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, s.titleTimeout)
	defer cancel()

	stream, err := s.titler.Stream(ctx, provider.Request{
		Model:        s.titleModel,
		SystemPrompt: titlePrompt,
		Messages:     conversation.Conversation{conversation.NewMessage(conversation.MessageTypeUser, message)},
		Stage:        "title",
	})
	if err != nil {
		log.Debug().Err(err).Msg("session title generation failed")
		return fallback
	}
	resp, err := provider.Collect(ctx, "title", stream, nil)
	if err != nil {
		log.Debug().Err(err).Msg("session title generation failed")
		return fallback
	}
	t := strings.Trim(strings.TrimSpace(resp.Content), `"'`)
	if t == "" {
		return fallback
	}
	return truncate(t, maxTitleRunes)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

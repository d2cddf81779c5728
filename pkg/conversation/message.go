package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
)

// MessageType classifies a message by the stage that produced it.
type MessageType string

const (
	MessageTypeSystem    MessageType = "system"
	MessageTypeUser      MessageType = "user"
	MessageTypeAssistant MessageType = "assistant"
	MessageTypeThinking  MessageType = "thinking"
	MessageTypeAction    MessageType = "action"
	MessageTypeObserving MessageType = "observing"
	MessageTypeTool      MessageType = "tool"
	MessageTypeError     MessageType = "error"
	MessageTypeCompleted MessageType = "completed"
	// MessageTypeSummary is synthetic, produced by context compression.
	MessageTypeSummary MessageType = "summary"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
	RoleTool      Role = "tool"
)

// ToolCall is a model-proposed invocation. Arguments holds raw JSON text.
type ToolCall struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Arguments string `json:"arguments" yaml:"arguments"`
}

// Message is one entry of a session's conversation history.
type Message struct {
	ID         string         `json:"id" yaml:"id"`
	Type       MessageType    `json:"type" yaml:"type"`
	Content    string         `json:"content" yaml:"content"`
	SenderID   string         `json:"sender_id,omitempty" yaml:"sender_id,omitempty"`
	SessionID  string         `json:"session_id" yaml:"session_id"`
	TurnID     string         `json:"turn_id" yaml:"turn_id"`
	Timestamp  time.Time      `json:"timestamp" yaml:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty" yaml:"tool_call_id,omitempty"`
}

type MessageOption func(*Message)

func WithID(id string) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.Timestamp = t
	}
}

func WithMetadata(metadata map[string]any) MessageOption {
	return func(m *Message) {
		m.Metadata = metadata
	}
}

func WithSender(senderID string) MessageOption {
	return func(m *Message) {
		m.SenderID = senderID
	}
}

// WithTurn attributes the message to a session and turn.
func WithTurn(sessionID, turnID string) MessageOption {
	return func(m *Message) {
		m.SessionID = sessionID
		m.TurnID = turnID
	}
}

func WithToolCalls(calls ...ToolCall) MessageOption {
	return func(m *Message) {
		m.ToolCalls = append(m.ToolCalls, calls...)
	}
}

// WithToolCallID links a tool (or tool error) message to the call it answers.
func WithToolCallID(id string) MessageOption {
	return func(m *Message) {
		m.ToolCallID = id
	}
}

func NewMessage(t MessageType, content string, options ...MessageOption) *Message {
	ret := &Message{
		ID:        uuid.NewString(),
		Type:      t,
		Content:   content,
		Timestamp: time.Now(),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Role maps the message type onto the chat-completion role it is sent as.
func (m *Message) Role() Role {
	if m.ToolCallID != "" {
		return RoleTool
	}
	switch m.Type {
	case MessageTypeSystem, MessageTypeSummary:
		return RoleSystem
	case MessageTypeUser:
		return RoleUser
	case MessageTypeTool:
		return RoleTool
	default:
		return RoleAssistant
	}
}

func (m *Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// IsRepresentative reports whether the message can stand for its whole turn
// once the turn is compressed: an assistant-side answer with no pending calls.
func (m *Message) IsRepresentative() bool {
	if m.HasToolCalls() || m.ToolCallID != "" {
		return false
	}
	switch m.Type {
	case MessageTypeCompleted, MessageTypeAssistant, MessageTypeObserving, MessageTypeThinking:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	return clone.Clone(m).(*Message)
}

func (m *Message) String() string {
	return fmt.Sprintf("[%s]: %s", m.Type, strings.TrimRight(m.Content, "\n"))
}

type Conversation []*Message

// Clone deep-copies every message.
func (c Conversation) Clone() Conversation {
	if c == nil {
		return nil
	}
	ret := make(Conversation, len(c))
	for i, m := range c {
		ret[i] = m.Clone()
	}
	return ret
}

// GetSinglePrompt renders the conversation as one prompt, one line per message.
func (c Conversation) GetSinglePrompt() string {
	if len(c) == 0 {
		return ""
	}
	if len(c) == 1 {
		return c[0].Content
	}
	var sb strings.Builder
	for _, m := range c {
		sb.WriteString(m.String())
		sb.WriteString("\n")
	}
	return sb.String()
}

// ForTurn returns the messages attributed to turnID, in order.
func (c Conversation) ForTurn(turnID string) Conversation {
	var ret Conversation
	for _, m := range c {
		if m.TurnID == turnID {
			ret = append(ret, m)
		}
	}
	return ret
}

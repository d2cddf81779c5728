package events

import (
	"fmt"
	"time"

	"github.com/huandu/go-clone"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventTypeStarted  EventType = "STARTED"
	EventTypeProgress EventType = "PROGRESS"

	// Streamed stage output, one event per provider chunk
	EventTypeThinking  EventType = "THINKING"
	EventTypeAction    EventType = "ACTION"
	EventTypeObserving EventType = "OBSERVING"
	EventTypeCompleted EventType = "COMPLETED"

	// Tool execution phase
	EventTypeActing       EventType = "ACTING"
	EventTypeTool         EventType = "TOOL"
	EventTypeToolApproval EventType = "TOOL_APPROVAL"
	EventTypeInteraction  EventType = "INTERACTION"

	// Terminal outcomes. ERROR is only terminal when the event says so.
	EventTypeDone            EventType = "DONE"
	EventTypeDoneWithWarning EventType = "DONE_WITH_WARNING"
	EventTypeError           EventType = "ERROR"

	// Planning vocabulary, published by plan-aware tools through the context sinks
	EventTypeTaskAnalysis EventType = "TASK_ANALYSIS"
	EventTypeInitPlan     EventType = "INIT_PLAN"
	EventTypeUpdatePlan   EventType = "UPDATE_PLAN"
	EventTypeAdvancePlan  EventType = "ADVANCE_PLAN"
)

var knownEventTypes = map[EventType]struct{}{
	EventTypeStarted:         {},
	EventTypeProgress:        {},
	EventTypeThinking:        {},
	EventTypeAction:          {},
	EventTypeActing:          {},
	EventTypeObserving:       {},
	EventTypeTool:            {},
	EventTypeToolApproval:    {},
	EventTypeInteraction:     {},
	EventTypeDone:            {},
	EventTypeDoneWithWarning: {},
	EventTypeError:           {},
	EventTypeCompleted:       {},
	EventTypeTaskAnalysis:    {},
	EventTypeInitPlan:        {},
	EventTypeUpdatePlan:      {},
	EventTypeAdvancePlan:     {},
}

// Valid reports whether t belongs to the closed set of event types.
func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// ParseEventType converts a wire name into an EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// ErrorCode classifies ERROR events for clients.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "VALIDATION_ERROR"
	ErrorCodeToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	ErrorCodeToolExecution    ErrorCode = "TOOL_EXECUTION_ERROR"
	ErrorCodeApprovalRejected ErrorCode = "APPROVAL_REJECTED"
	ErrorCodeApprovalTimeout  ErrorCode = "APPROVAL_TIMEOUT"
	ErrorCodeProvider         ErrorCode = "PROVIDER_ERROR"
	ErrorCodeUnsupported      ErrorCode = "UNSUPPORTED_OPERATION"
	ErrorCodeStreamOverflow   ErrorCode = "STREAM_OVERFLOW"
	ErrorCodeTurnClosed       ErrorCode = "TURN_CLOSED"
	ErrorCodeInternal         ErrorCode = "INTERNAL"
)

// Trace correlates an event with the turn, agent and node that produced it.
type Trace struct {
	SessionID string    `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	TurnID    string    `json:"turn_id,omitempty" yaml:"turn_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	NodeID    string    `json:"node_id,omitempty" yaml:"node_id,omitempty"`
	StartTime time.Time `json:"start_time" yaml:"start_time"`
	EndTime   time.Time `json:"end_time" yaml:"end_time"`
}

// WithAgent returns a copy of the trace attributed to the given agent and node.
func (t Trace) WithAgent(agentID, nodeID string) Trace {
	t.AgentID = agentID
	t.NodeID = nodeID
	return t
}

func (t Trace) MarshalZerologObject(e *zerolog.Event) {
	if t.SessionID != "" {
		e.Str("session_id", t.SessionID)
	}
	if t.TurnID != "" {
		e.Str("turn_id", t.TurnID)
	}
	if t.AgentID != "" {
		e.Str("agent_id", t.AgentID)
	}
	if t.NodeID != "" {
		e.Str("node_id", t.NodeID)
	}
}

// ExecutionEvent is one unit of streamed progress for a turn.
//
// Events are values: the constructors deep-copy Data so that later mutation
// of the caller's map never leaks into an event that was already published.
type ExecutionEvent struct {
	Type     EventType      `json:"type" yaml:"type"`
	Message  string         `json:"message,omitempty" yaml:"message,omitempty"`
	Data     map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
	Trace    Trace          `json:"trace" yaml:"trace"`
	Terminal bool           `json:"terminal,omitempty" yaml:"terminal,omitempty"`
}

// NewEvent builds an event whose trace is stamped with the current time.
func NewEvent(t EventType, trace Trace, message string, data map[string]any) ExecutionEvent {
	now := time.Now()
	if trace.StartTime.IsZero() {
		trace.StartTime = now
	}
	trace.EndTime = now
	return ExecutionEvent{
		Type:    t,
		Message: message,
		Data:    cloneData(data),
		Trace:   trace,
	}
}

// NewTerminalEvent builds a DONE / DONE_WITH_WARNING / ERROR event that closes the stream.
func NewTerminalEvent(t EventType, trace Trace, message string, data map[string]any) ExecutionEvent {
	ev := NewEvent(t, trace, message, data)
	ev.Terminal = true
	return ev
}

// NewErrorEvent builds an ERROR event carrying a code. terminal decides whether
// the event ends the stream.
func NewErrorEvent(trace Trace, code ErrorCode, err error, terminal bool) ExecutionEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	ev := NewEvent(EventTypeError, trace, msg, map[string]any{"code": string(code)})
	ev.Terminal = terminal
	return ev
}

// IsTerminal reports whether the event ends its turn's stream.
func (e ExecutionEvent) IsTerminal() bool {
	switch e.Type {
	case EventTypeDone, EventTypeDoneWithWarning:
		return true
	case EventTypeError:
		return e.Terminal
	default:
		return false
	}
}

// Code returns the error code of an ERROR event, or "".
func (e ExecutionEvent) Code() ErrorCode {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data["code"].(string)
	return ErrorCode(s)
}

func (e ExecutionEvent) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type))
	if e.Terminal {
		ev.Bool("terminal", true)
	}
	ev.Object("trace", e.Trace)
}

func cloneData(data map[string]any) map[string]any {
	if len(data) == 0 {
		return nil
	}
	return clone.Clone(data).(map[string]any)
}

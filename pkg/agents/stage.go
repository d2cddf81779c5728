package agents

import (
	"context"
	"slices"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
	"github.com/TheEterna/real-agent-sub001/pkg/events"
	"github.com/TheEterna/real-agent-sub001/pkg/provider"
	"github.com/TheEterna/real-agent-sub001/pkg/tools"
)

// Kind tags the four stage agents of the reasoning loop.
type Kind string

const (
	KindThinking    Kind = "thinking"
	KindAction      Kind = "action"
	KindObservation Kind = "observation"
	KindFinal       Kind = "final"
)

// Stage is a single-purpose agent: one provider call with a fixed prompt and
// the tools resolved from its keyword set, streamed as events of one type.
type Stage struct {
	Kind         Kind
	ID           string
	SystemPrompt string
	Keywords     []string
	EventType    events.EventType
	MessageType  conversation.MessageType
	Model        string
}

// Input is what a stage sees for one run.
type Input struct {
	Messages conversation.Conversation
	Trace    events.Trace
	NodeID   string
	// Emit publishes one streamed chunk. An error aborts the run.
	Emit func(events.ExecutionEvent) error
}

// Output is the aggregated result of a stage run.
type Output struct {
	Text      string
	ToolCalls []conversation.ToolCall
	// Message is the assistant-side message to append to memory, nil when the
	// stage produced nothing.
	Message *conversation.Message
	// Allowed names the tools the stage was offered. Calls to anything else
	// must not run.
	Allowed []string
}

// Runner executes stages against a provider and a tool registry.
type Runner struct {
	provider provider.ChatProvider
	registry *tools.Registry
	name     string
}

type RunnerOption func(*Runner)

// WithProviderName sets the name used when wrapping provider errors.
func WithProviderName(name string) RunnerOption {
	return func(r *Runner) {
		r.name = name
	}
}

func NewRunner(p provider.ChatProvider, registry *tools.Registry, options ...RunnerOption) *Runner {
	r := &Runner{provider: p, registry: registry, name: "provider"}
	for _, o := range options {
		o(r)
	}
	return r
}

// Tools returns the specs visible to the stage.
func (r *Runner) Tools(s *Stage) []tools.ToolSpec {
	if len(s.Keywords) == 0 || r.registry == nil {
		return nil
	}
	return r.registry.ResolveForKeywords(s.Keywords...)
}

func (r *Runner) Run(ctx context.Context, s *Stage, in Input) (*Output, error) {
	if s == nil {
		return nil, errors.New("nil stage")
	}
	trace := in.Trace.WithAgent(s.ID, in.NodeID)
	visible := r.Tools(s)

	req := provider.Request{
		Model:        s.Model,
		SystemPrompt: s.SystemPrompt,
		Messages:     in.Messages,
		Tools:        visible,
		Stage:        string(s.Kind),
	}

	log.Debug().Str("stage", string(s.Kind)).Str("node_id", in.NodeID).Int("messages", len(in.Messages)).Int("tools", len(visible)).Msg("running stage")

	stream, err := r.provider.Stream(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var pe *provider.ProviderError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, provider.Wrap(r.name, err)
	}

	resp, err := provider.Collect(ctx, r.name, stream, func(chunk string) error {
		if in.Emit == nil {
			return nil
		}
		return in.Emit(events.NewEvent(s.EventType, trace, chunk, map[string]any{"delta": chunk}))
	})
	if err != nil {
		return nil, err
	}

	out := &Output{Text: resp.Content, Allowed: make([]string, 0, len(visible))}
	for _, spec := range visible {
		out.Allowed = append(out.Allowed, spec.Name)
	}
	// a stage without tools cannot call any
	if len(visible) > 0 {
		out.ToolCalls = resp.ToolCalls
		for _, call := range resp.ToolCalls {
			if !slices.Contains(out.Allowed, call.Name) {
				log.Warn().Str("stage", string(s.Kind)).Str("tool", call.Name).Msg("stage called a tool outside its keyword set")
			}
		}
	} else if len(resp.ToolCalls) > 0 {
		log.Warn().Str("stage", string(s.Kind)).Int("tool_calls", len(resp.ToolCalls)).Msg("ignoring tool calls from a stage without tools")
	}

	if out.Text != "" || len(out.ToolCalls) > 0 {
		out.Message = conversation.NewMessage(s.MessageType, out.Text,
			conversation.WithTurn(in.Trace.SessionID, in.Trace.TurnID),
			conversation.WithSender(s.ID),
			conversation.WithToolCalls(out.ToolCalls...),
			conversation.WithMetadata(map[string]any{"stage": string(s.Kind), "node_id": in.NodeID}),
		)
	}
	return out, nil
}

package provider

import (
	"context"
	"fmt"

	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
	"github.com/TheEterna/real-agent-sub001/pkg/tools"
)

// Request is one chat-completion call made by a stage agent.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     conversation.Conversation
	Tools        []tools.ToolSpec
	Temperature  *float32
	MaxTokens    int
	// Stage is informational (thinking, action, ...), used by logs and test fixtures.
	Stage string
}

type ToolCallDelta struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// Delta is one streamed chunk: text, tool-call fragments, or both.
type Delta struct {
	Content      string
	ToolCalls    []ToolCallDelta
	FinishReason string
}

// Stream yields deltas until Recv returns io.EOF.
type Stream interface {
	Recv() (Delta, error)
	Close() error
}

// ChatProvider is the chat-completion collaborator.
type ChatProvider interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// ProviderError marks failures of the provider itself. They abort the turn.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Wrap marks err as a provider failure. nil stays nil.
func Wrap(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Err: err}
}

package openai

import (
	"context"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
	"github.com/TheEterna/real-agent-sub001/pkg/provider"
	"github.com/TheEterna/real-agent-sub001/pkg/tools"
)

const Name = "openai"

type Settings struct {
	APIKey      string   `mapstructure:"api_key" yaml:"api_key"`
	BaseURL     string   `mapstructure:"base_url" yaml:"base_url"`
	Model       string   `mapstructure:"model" yaml:"model"`
	Temperature *float32 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int      `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// Provider streams chat completions from an OpenAI-compatible endpoint.
type Provider struct {
	client   *go_openai.Client
	settings Settings
}

func New(settings Settings) (*Provider, error) {
	if settings.APIKey == "" {
		return nil, errors.New("openai: missing api key")
	}
	if settings.Model == "" {
		settings.Model = go_openai.GPT4
	}
	cfg := go_openai.DefaultConfig(settings.APIKey)
	if settings.BaseURL != "" {
		cfg.BaseURL = settings.BaseURL
	}
	return &Provider{
		client:   go_openai.NewClientWithConfig(cfg),
		settings: settings,
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	creq, err := p.makeRequest(req)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("model", creq.Model).Str("stage", req.Stage).Int("messages", len(creq.Messages)).Int("tools", len(creq.Tools)).Msg("OpenAI streaming request")

	s, err := p.client.CreateChatCompletionStream(ctx, *creq)
	if err != nil {
		log.Error().Err(err).Msg("OpenAI streaming request failed")
		return nil, provider.Wrap(Name, err)
	}
	return &stream{s: s}, nil
}

func (p *Provider) makeRequest(req provider.Request) (*go_openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = p.settings.Model
	}
	creq := &go_openai.ChatCompletionRequest{
		Model:    model,
		Stream:   true,
		Messages: MessagesFromConversation(req.SystemPrompt, req.Messages),
	}
	if t := req.Temperature; t != nil {
		creq.Temperature = *t
	} else if p.settings.Temperature != nil {
		creq.Temperature = *p.settings.Temperature
	}
	if req.MaxTokens > 0 {
		creq.MaxTokens = req.MaxTokens
	} else if p.settings.MaxTokens > 0 {
		creq.MaxTokens = p.settings.MaxTokens
	}

	for _, spec := range req.Tools {
		t, err := ToolFromSpec(spec)
		if err != nil {
			return nil, err
		}
		creq.Tools = append(creq.Tools, t)
	}
	return creq, nil
}

// ToolFromSpec converts a tool spec into an OpenAI function tool.
func ToolFromSpec(spec tools.ToolSpec) (go_openai.Tool, error) {
	var params any = map[string]any{"type": "object"}
	if spec.InputSchema != nil {
		raw, err := json.Marshal(spec.InputSchema)
		if err != nil {
			return go_openai.Tool{}, errors.Wrapf(err, "marshal schema of %s", spec.Name)
		}
		params = json.RawMessage(raw)
	}
	return go_openai.Tool{
		Type: go_openai.ToolTypeFunction,
		Function: &go_openai.FunctionDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  params,
		},
	}, nil
}

// MessagesFromConversation maps the conversation onto chat-completion messages.
func MessagesFromConversation(systemPrompt string, msgs conversation.Conversation) []go_openai.ChatCompletionMessage {
	ret := make([]go_openai.ChatCompletionMessage, 0, len(msgs)+1)
	if systemPrompt != "" {
		ret = append(ret, go_openai.ChatCompletionMessage{Role: go_openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, m := range msgs {
		switch m.Role() {
		case conversation.RoleTool:
			ret = append(ret, go_openai.ChatCompletionMessage{
				Role:       go_openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		case conversation.RoleAssistant:
			msg := go_openai.ChatCompletionMessage{
				Role:    go_openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, go_openai.ToolCall{
					ID:   tc.ID,
					Type: go_openai.ToolTypeFunction,
					Function: go_openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			ret = append(ret, msg)
		default:
			ret = append(ret, go_openai.ChatCompletionMessage{Role: string(m.Role()), Content: m.Content})
		}
	}
	return ret
}

type stream struct {
	s *go_openai.ChatCompletionStream
}

func (s *stream) Recv() (provider.Delta, error) {
	resp, err := s.s.Recv()
	if errors.Is(err, io.EOF) {
		return provider.Delta{}, io.EOF
	}
	if err != nil {
		return provider.Delta{}, provider.Wrap(Name, err)
	}
	if len(resp.Choices) == 0 {
		return provider.Delta{}, nil
	}
	choice := resp.Choices[0]
	d := provider.Delta{
		Content:      choice.Delta.Content,
		FinishReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Delta.ToolCalls {
		index := 0
		if tc.Index != nil {
			index = *tc.Index
		}
		d.ToolCalls = append(d.ToolCalls, provider.ToolCallDelta{
			Index:          index,
			ID:             tc.ID,
			Name:           tc.Function.Name,
			ArgumentsDelta: tc.Function.Arguments,
		})
	}
	return d, nil
}

func (s *stream) Close() error {
	return s.s.Close()
}

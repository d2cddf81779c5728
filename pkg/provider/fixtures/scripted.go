package fixtures

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
	"github.com/TheEterna/real-agent-sub001/pkg/provider"
)

const Name = "fixtures"

// Reply is one scripted provider response.
type Reply struct {
	// Stage optionally pins the reply to a stage; a mismatch fails the call.
	Stage     string                  `yaml:"stage,omitempty"`
	Chunks    []string                `yaml:"chunks,omitempty"`
	ToolCalls []conversation.ToolCall `yaml:"tool_calls,omitempty"`
	// Error makes the call fail when opening the stream.
	Error string `yaml:"error,omitempty"`
	// StreamError makes Recv fail after the chunks were delivered.
	StreamError string `yaml:"stream_error,omitempty"`
	// Delay is applied before each chunk.
	Delay time.Duration `yaml:"delay,omitempty"`
	// Block keeps the stream open until the context is cancelled.
	Block bool `yaml:"block,omitempty"`
}

// Text is a shorthand for a reply that streams plain text.
func Text(chunks ...string) Reply {
	return Reply{Chunks: chunks}
}

// Calls is a shorthand for a reply that proposes tool calls.
func Calls(calls ...conversation.ToolCall) Reply {
	return Reply{ToolCalls: calls}
}

// Script is the on-disk fixture format.
type Script struct {
	Replies []Reply `yaml:"replies"`
	// Fallback is used once the replies run out. Without it, exhausting the
	// script is a provider error.
	Fallback *Reply `yaml:"fallback,omitempty"`
}

// Provider replays scripted replies in order and records every request.
type Provider struct {
	mu       sync.Mutex
	replies  []Reply
	fallback *Reply
	requests []provider.Request
	// Responder, when set, is consulted before the queue.
	Responder func(req provider.Request) (Reply, bool)
}

func New(replies ...Reply) *Provider {
	return &Provider{replies: replies}
}

func (p *Provider) WithFallback(r Reply) *Provider {
	p.fallback = &r
	return p
}

func LoadScript(path string) (*Provider, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read fixture %s", path)
	}
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrapf(err, "decode fixture %s", path)
	}
	p := New(s.Replies...)
	p.fallback = s.Fallback
	return p, nil
}

// Requests returns a copy of the requests received so far.
func (p *Provider) Requests() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.Request(nil), p.requests...)
}

func (p *Provider) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	req.Messages = req.Messages.Clone()

	p.mu.Lock()
	p.requests = append(p.requests, req)
	var reply Reply
	var ok bool
	if p.Responder != nil {
		reply, ok = p.Responder(req)
	}
	if !ok {
		switch {
		case len(p.replies) > 0:
			reply = p.replies[0]
			p.replies = p.replies[1:]
		case p.fallback != nil:
			reply = *p.fallback
		default:
			p.mu.Unlock()
			return nil, provider.Wrap(Name, errors.Errorf("script exhausted at stage %s", req.Stage))
		}
	}
	p.mu.Unlock()

	if reply.Stage != "" && req.Stage != "" && reply.Stage != req.Stage {
		return nil, provider.Wrap(Name, errors.Errorf("expected stage %s, got %s", reply.Stage, req.Stage))
	}
	if reply.Error != "" {
		return nil, provider.Wrap(Name, errors.New(reply.Error))
	}
	return &stream{ctx: ctx, reply: reply}, nil
}

type stream struct {
	ctx   context.Context
	reply Reply
	pos   int
	calls bool
}

func (s *stream) Recv() (provider.Delta, error) {
	if s.pos < len(s.reply.Chunks) {
		if s.reply.Delay > 0 {
			select {
			case <-time.After(s.reply.Delay):
			case <-s.ctx.Done():
				return provider.Delta{}, s.ctx.Err()
			}
		}
		c := s.reply.Chunks[s.pos]
		s.pos++
		return provider.Delta{Content: c}, nil
	}
	if !s.calls && len(s.reply.ToolCalls) > 0 {
		s.calls = true
		d := provider.Delta{FinishReason: "tool_calls"}
		for i, tc := range s.reply.ToolCalls {
			d.ToolCalls = append(d.ToolCalls, provider.ToolCallDelta{
				Index:          i,
				ID:             tc.ID,
				Name:           tc.Name,
				ArgumentsDelta: tc.Arguments,
			})
		}
		return d, nil
	}
	if s.reply.Block {
		<-s.ctx.Done()
		return provider.Delta{}, s.ctx.Err()
	}
	if s.reply.StreamError != "" {
		return provider.Delta{}, provider.Wrap(Name, errors.New(s.reply.StreamError))
	}
	return provider.Delta{}, io.EOF
}

func (s *stream) Close() error {
	return nil
}

var _ provider.ChatProvider = (*Provider)(nil)

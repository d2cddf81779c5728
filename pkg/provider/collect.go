package provider

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
)

// Response is the aggregate of a fully consumed stream.
type Response struct {
	Content      string
	ToolCalls    []conversation.ToolCall
	FinishReason string
	Chunks       int
}

// ChunkHandler receives every non-empty text delta, in order. Returning an
// error stops consumption.
type ChunkHandler func(chunk string) error

// Collect consumes the stream to the end. Failures of the stream are returned
// as *ProviderError unless the context was cancelled.
func Collect(ctx context.Context, name string, s Stream, onChunk ChunkHandler) (*Response, error) {
	defer func() {
		if err := s.Close(); err != nil {
			log.Debug().Err(err).Str("provider", name).Msg("failed to close stream")
		}
	}()

	var sb strings.Builder
	merger := NewToolCallMerger()
	resp := &Response{}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var pe *ProviderError
			if errors.As(err, &pe) {
				return nil, err
			}
			return nil, Wrap(name, err)
		}
		resp.Chunks++
		if d.Content != "" {
			sb.WriteString(d.Content)
			if onChunk != nil {
				if err := onChunk(d.Content); err != nil {
					return nil, err
				}
			}
		}
		if len(d.ToolCalls) > 0 {
			merger.Add(d.ToolCalls)
		}
		if d.FinishReason != "" {
			resp.FinishReason = d.FinishReason
		}
	}

	resp.Content = sb.String()
	resp.ToolCalls = merger.ToolCalls()
	log.Debug().Str("provider", name).Int("chunks", resp.Chunks).Int("text_length", len(resp.Content)).Int("tool_calls", len(resp.ToolCalls)).Msg("stream complete")
	return resp, nil
}

package memory

import (
	"math"

	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"

	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
)

// perMessageOverhead approximates role and framing tokens.
const perMessageOverhead = 4

// TokenCounter estimates the prompt size of a conversation.
type TokenCounter interface {
	Count(msgs conversation.Conversation) int
}

// HeuristicCounter weighs non-ASCII runes at 1.5 tokens and ASCII characters
// at 0.25, plus a fixed overhead per message. Good enough to decide when to
// compress; not meant for billing.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(msgs conversation.Conversation) int {
	total := 0.0
	for _, m := range msgs {
		total += perMessageOverhead
		total += estimateText(m.Content)
		for _, tc := range m.ToolCalls {
			total += estimateText(tc.Name) + estimateText(tc.Arguments)
		}
	}
	return int(math.Ceil(total))
}

func estimateText(s string) float64 {
	n := 0.0
	for _, r := range s {
		if r < 128 {
			n += 0.25
		} else {
			n += 1.5
		}
	}
	return n
}

// TiktokenCounter counts with a real BPE codec.
type TiktokenCounter struct {
	codec tokenizer.Codec
}

func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = string(tokenizer.Cl100kBase)
	}
	codec, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return nil, errors.Wrapf(err, "load tokenizer %s", encoding)
	}
	return &TiktokenCounter{codec: codec}, nil
}

func (t *TiktokenCounter) Count(msgs conversation.Conversation) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead + t.count(m.Content)
		for _, tc := range m.ToolCalls {
			total += t.count(tc.Name) + t.count(tc.Arguments)
		}
	}
	return total
}

func (t *TiktokenCounter) count(s string) int {
	if s == "" {
		return 0
	}
	ids, _, err := t.codec.Encode(s)
	if err != nil {
		return int(math.Ceil(estimateText(s)))
	}
	return len(ids)
}

// NewTokenCounter returns the counter named by the memory.token_counter setting.
func NewTokenCounter(name string) (TokenCounter, error) {
	switch name {
	case "", "heuristic":
		return HeuristicCounter{}, nil
	case "tiktoken":
		return NewTiktokenCounter("")
	default:
		return nil, errors.Errorf("unknown token counter %q", name)
	}
}

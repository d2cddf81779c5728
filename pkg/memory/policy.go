package memory

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
)

var ErrUnsupportedOperation = errors.New("unsupported operation")

type Policy string

const (
	PolicyNone       Policy = "none"
	PolicySummary    Policy = "summary"
	PolicyAggressive Policy = "aggressive"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyNone, PolicySummary, PolicyAggressive:
		return p, nil
	case "":
		return PolicyNone, nil
	default:
		return "", errors.Errorf("unknown compression policy %q", s)
	}
}

// PolicyData is the per-session compression setting, evaluated at read time.
// TriggerTokens of 0 compresses on every read.
type PolicyData struct {
	Policy        Policy `json:"policy" yaml:"policy" mapstructure:"policy"`
	TriggerTokens int    `json:"trigger_tokens" yaml:"trigger_tokens" mapstructure:"trigger_tokens"`
}

const summarySnippetRunes = 160

// summarize keeps the current turn verbatim and collapses every earlier turn
// to its representative message, preceded by a single summary message that
// stands for everything dropped.
func summarize(msgs conversation.Conversation, sessionID, currentTurnID string) conversation.Conversation {
	type priorTurn struct {
		id       string
		messages conversation.Conversation
	}

	var order []*priorTurn
	byID := map[string]*priorTurn{}
	var current conversation.Conversation

	for _, m := range msgs {
		if m.TurnID == currentTurnID {
			current = append(current, m)
			continue
		}
		pt, ok := byID[m.TurnID]
		if !ok {
			pt = &priorTurn{id: m.TurnID}
			byID[m.TurnID] = pt
			order = append(order, pt)
		}
		pt.messages = append(pt.messages, m)
	}
	if len(order) == 0 {
		return msgs
	}

	var kept conversation.Conversation
	var lines []string
	dropped := 0
	for i, pt := range order {
		var rep *conversation.Message
		for j := len(pt.messages) - 1; j >= 0; j-- {
			if pt.messages[j].IsRepresentative() {
				rep = pt.messages[j]
				break
			}
		}
		var tools []string
		var ask string
		for _, m := range pt.messages {
			if m == rep {
				continue
			}
			dropped++
			if m.Type == conversation.MessageTypeUser && ask == "" {
				ask = m.Content
			}
			for _, tc := range m.ToolCalls {
				tools = append(tools, tc.Name)
			}
		}
		line := fmt.Sprintf("turn %d", i+1)
		if ask != "" {
			line += ": user asked " + quoteSnippet(ask)
		}
		if len(tools) > 0 {
			line += "; tools used: " + strings.Join(tools, ", ")
		}
		lines = append(lines, line)
		if rep != nil {
			kept = append(kept, rep)
		}
	}
	if dropped == 0 {
		return msgs
	}

	summary := conversation.NewMessage(
		conversation.MessageTypeSummary,
		fmt.Sprintf("Summary of %d earlier turns:\n%s", len(order), strings.Join(lines, "\n")),
		conversation.WithTurn(sessionID, ""),
		conversation.WithMetadata(map[string]any{"compressed_messages": dropped}),
	)

	out := make(conversation.Conversation, 0, 1+len(kept)+len(current))
	out = append(out, summary)
	out = append(out, kept...)
	out = append(out, current...)
	if len(out) >= len(msgs) {
		return msgs
	}
	return out
}

func quoteSnippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > summarySnippetRunes {
		s = string(r[:summarySnippetRunes]) + "…"
	}
	return fmt.Sprintf("%q", s)
}

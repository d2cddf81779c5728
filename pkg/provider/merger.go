package provider

import (
	"sort"

	"github.com/google/uuid"

	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
)

// ToolCallMerger reassembles streamed tool-call fragments by index.
type ToolCallMerger struct {
	toolCalls map[int]*conversation.ToolCall
}

func NewToolCallMerger() *ToolCallMerger {
	return &ToolCallMerger{
		toolCalls: make(map[int]*conversation.ToolCall),
	}
}

func (m *ToolCallMerger) Add(deltas []ToolCallDelta) {
	for _, d := range deltas {
		existing, ok := m.toolCalls[d.Index]
		if !ok {
			existing = &conversation.ToolCall{}
			m.toolCalls[d.Index] = existing
		}
		if d.ID != "" {
			existing.ID = d.ID
		}
		existing.Name += d.Name
		existing.Arguments += d.ArgumentsDelta
	}
}

// ToolCalls returns the merged calls in index order. Calls that never got an
// id are given one so every call can be answered by a tool message.
func (m *ToolCallMerger) ToolCalls() []conversation.ToolCall {
	indexes := make([]int, 0, len(m.toolCalls))
	for i := range m.toolCalls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	ret := make([]conversation.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		tc := *m.toolCalls[i]
		if tc.Name == "" {
			continue
		}
		if tc.ID == "" {
			tc.ID = "call_" + uuid.NewString()
		}
		ret = append(ret, tc)
	}
	return ret
}

package agents

import (
	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
	"github.com/TheEterna/real-agent-sub001/pkg/events"
	"github.com/TheEterna/real-agent-sub001/pkg/tools"
)

const (
	thinkingPrompt = `You are the reasoning stage of an agent. Think step by step about what the user needs and what is still missing.
If a planning or lookup tool helps, call it. Do not answer the user directly.`

	actionPrompt = `You are the acting stage of an agent. Based on the reasoning so far, call the tools needed for the next step.
When the task is complete, call ` + tools.CompletionToolName + ` with a short summary for the user.`

	observationPrompt = `You are the observation stage of an agent. Summarize what the last tool results mean for the task, in a few sentences.
Point out errors or missing information. Do not call tools.`

	finalPrompt = `You are the final stage of an agent. Write the answer to the user based on the conversation so far.
Be direct and complete. Do not call tools.`
)

// Set holds one stage per kind.
type Set struct {
	Thinking    *Stage
	Action      *Stage
	Observation *Stage
	Final       *Stage
}

func NewThinking() *Stage {
	return &Stage{
		Kind:         KindThinking,
		ID:           "thinking-agent",
		SystemPrompt: thinkingPrompt,
		Keywords:     []string{"thinking"},
		EventType:    events.EventTypeThinking,
		MessageType:  conversation.MessageTypeThinking,
	}
}

func NewAction() *Stage {
	return &Stage{
		Kind:         KindAction,
		ID:           "action-agent",
		SystemPrompt: actionPrompt,
		Keywords:     []string{tools.WildcardKeyword},
		EventType:    events.EventTypeAction,
		MessageType:  conversation.MessageTypeAction,
	}
}

func NewObservation() *Stage {
	return &Stage{
		Kind:         KindObservation,
		ID:           "observation-agent",
		SystemPrompt: observationPrompt,
		EventType:    events.EventTypeObserving,
		MessageType:  conversation.MessageTypeObserving,
	}
}

func NewFinal() *Stage {
	return &Stage{
		Kind:         KindFinal,
		ID:           "final-agent",
		SystemPrompt: finalPrompt,
		EventType:    events.EventTypeCompleted,
		MessageType:  conversation.MessageTypeCompleted,
	}
}

// DefaultSet returns the four stages with their default prompts and keywords.
func DefaultSet() Set {
	return Set{
		Thinking:    NewThinking(),
		Action:      NewAction(),
		Observation: NewObservation(),
		Final:       NewFinal(),
	}
}

// WithModel returns a copy of the set where every stage uses model.
func (s Set) WithModel(model string) Set {
	withModel := func(st *Stage) *Stage {
		if st == nil {
			return nil
		}
		c := *st
		c.Keywords = append([]string(nil), st.Keywords...)
		c.Model = model
		return &c
	}
	return Set{
		Thinking:    withModel(s.Thinking),
		Action:      withModel(s.Action),
		Observation: withModel(s.Observation),
		Final:       withModel(s.Final),
	}
}

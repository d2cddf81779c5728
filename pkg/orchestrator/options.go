package orchestrator

import (
	"github.com/TheEterna/real-agent-sub001/pkg/agents"
	"github.com/TheEterna/real-agent-sub001/pkg/tools"
)

const DefaultMaxIterations = 10

type Option func(*Orchestrator)

func WithRunner(r *agents.Runner) Option {
	return func(o *Orchestrator) { o.runner = r }
}

func WithStages(s agents.Set) Option {
	return func(o *Orchestrator) { o.stages = s }
}

func WithDispatcher(d *tools.Dispatcher) Option {
	return func(o *Orchestrator) { o.dispatcher = d }
}

func WithMemory(m Memory) Option {
	return func(o *Orchestrator) { o.memory = m }
}

func WithMaxIterations(n int) Option {
	return func(o *Orchestrator) { o.maxIterations = n }
}

// WithApprovalMode overrides the dispatcher's deployment approval mode.
func WithApprovalMode(mode tools.ApprovalMode) Option {
	return func(o *Orchestrator) { o.approvalMode = mode }
}

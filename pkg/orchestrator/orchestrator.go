package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/TheEterna/real-agent-sub001/pkg/agents"
	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
	"github.com/TheEterna/real-agent-sub001/pkg/events"
	"github.com/TheEterna/real-agent-sub001/pkg/tools"
)

// State is the phase the reasoning loop is in.
type State string

const (
	StateThinking   State = "THINKING"
	StateActing     State = "ACTING"
	StateObserving  State = "OBSERVING"
	StateFinalizing State = "FINALIZING"
)

// Memory is the slice of the context memory the loop needs.
type Memory interface {
	Append(sessionID string, msg *conversation.Message) error
	Messages(sessionID, currentTurnID string) (conversation.Conversation, error)
}

// Publisher is the turn's ordered event stream.
type Publisher interface {
	Publish(ev events.ExecutionEvent) error
}

type PublisherFunc func(ev events.ExecutionEvent) error

func (f PublisherFunc) Publish(ev events.ExecutionEvent) error {
	return f(ev)
}

// Request describes one turn to run.
type Request struct {
	SessionID   string
	TurnID      string
	UserMessage string
	Publisher   Publisher
	Approver    tools.Approver
	// OnIteration is called at the start of every iteration.
	OnIteration func(iteration int)
	// OnState is called on every phase change.
	OnState func(state State)
}

type Result struct {
	Outcome    events.EventType
	FinalText  string
	Summary    string
	Iterations int
}

// Orchestrator drives the Thinking → Action → Observation loop of a turn and
// finalizes it exactly once.
type Orchestrator struct {
	runner        *agents.Runner
	stages        agents.Set
	dispatcher    *tools.Dispatcher
	memory        Memory
	maxIterations int
	approvalMode  tools.ApprovalMode
}

func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		stages:        agents.DefaultSet(),
		maxIterations: DefaultMaxIterations,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.runner == nil {
		return nil, errors.New("orchestrator: runner is nil")
	}
	if o.dispatcher == nil {
		return nil, errors.New("orchestrator: dispatcher is nil")
	}
	if o.memory == nil {
		return nil, errors.New("orchestrator: memory is nil")
	}
	if o.stages.Thinking == nil || o.stages.Action == nil || o.stages.Observation == nil || o.stages.Final == nil {
		return nil, errors.New("orchestrator: incomplete stage set")
	}
	if o.maxIterations <= 0 {
		o.maxIterations = DefaultMaxIterations
	}
	return o, nil
}

func (o *Orchestrator) MaxIterations() int {
	return o.maxIterations
}

// emitter publishes to the turn stream and remembers the first failure, so
// that events published by tools through the context cannot lose an
// overflow silently.
type emitter struct {
	pub    Publisher
	mu     sync.Mutex
	failed error
}

func (e *emitter) emit(ev events.ExecutionEvent) error {
	if err := e.pub.Publish(ev); err != nil {
		e.mu.Lock()
		if e.failed == nil {
			e.failed = err
		}
		e.mu.Unlock()
		return err
	}
	return nil
}

func (e *emitter) PublishEvent(ev events.ExecutionEvent) error {
	return e.emit(ev)
}

func (e *emitter) err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

type run struct {
	o     *Orchestrator
	req   Request
	trace events.Trace
	em    *emitter
}

// Run executes the turn. It publishes STARTED, the stage and tool events and
// the terminal DONE or DONE_WITH_WARNING. Any returned error is left for the
// caller to turn into a terminal ERROR.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Publisher == nil {
		return nil, errors.New("orchestrator: publisher is nil")
	}
	r := &run{
		o:     o,
		req:   req,
		trace: events.Trace{SessionID: req.SessionID, TurnID: req.TurnID, StartTime: time.Now()},
		em:    &emitter{pub: req.Publisher},
	}

	ctx = events.WithEventSinks(ctx, r.em)
	ctx = events.WithTrace(ctx, r.trace)

	return r.execute(ctx)
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	max := r.o.maxIterations
	if err := r.em.emit(events.NewEvent(events.EventTypeStarted, r.trace, r.req.UserMessage, map[string]any{
		"max_iterations": max,
	})); err != nil {
		return nil, err
	}

	if err := r.o.memory.Append(r.req.SessionID, conversation.NewMessage(conversation.MessageTypeUser, r.req.UserMessage,
		conversation.WithTurn(r.req.SessionID, r.req.TurnID),
		conversation.WithSender("user"),
	)); err != nil {
		return nil, errors.Wrap(err, "append user message")
	}

	res := &Result{Outcome: events.EventTypeDoneWithWarning}
	completed := false

	for i := 1; i <= max && !completed; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Iterations = i
		if r.req.OnIteration != nil {
			r.req.OnIteration(i)
		}
		log.Debug().Str("turn_id", r.req.TurnID).Int("iteration", i).Msg("orchestrator: iteration")
		if err := r.em.emit(events.NewEvent(events.EventTypeProgress, r.trace, fmt.Sprintf("iteration %d/%d", i, max), map[string]any{
			"iteration":      i,
			"max_iterations": max,
		})); err != nil {
			return nil, err
		}

		r.setState(StateThinking)
		thought, err := r.runStage(ctx, r.o.stages.Thinking, i)
		if err != nil {
			return nil, err
		}

		calls, allowed := thought.ToolCalls, thought.Allowed
		if len(calls) == 0 {
			action, err := r.runStage(ctx, r.o.stages.Action, i)
			if err != nil {
				return nil, err
			}
			calls, allowed = action.ToolCalls, action.Allowed
		}
		if len(calls) == 0 {
			log.Debug().Str("turn_id", r.req.TurnID).Int("iteration", i).Msg("orchestrator: no tool calls proposed")
			continue
		}

		r.setState(StateActing)
		outcome, err := r.act(ctx, calls, allowed, i)
		if err != nil {
			return nil, err
		}
		switch {
		case outcome.completed:
			completed = true
			res.Outcome = events.EventTypeDone
			res.Summary = outcome.summary
			continue
		case outcome.interrupted:
			continue
		}

		r.setState(StateObserving)
		if _, err := r.runStage(ctx, r.o.stages.Observation, i); err != nil {
			return nil, err
		}
	}

	if !completed {
		log.Warn().Str("turn_id", r.req.TurnID).Int("max_iterations", max).Msg("orchestrator: maximum iterations reached")
	}

	r.setState(StateFinalizing)
	final, err := r.runStage(ctx, r.o.stages.Final, res.Iterations)
	if err != nil {
		return nil, err
	}
	res.FinalText = final.Text
	if res.FinalText == "" {
		res.FinalText = res.Summary
		if res.FinalText != "" {
			if err := r.o.memory.Append(r.req.SessionID, conversation.NewMessage(conversation.MessageTypeCompleted, res.FinalText,
				conversation.WithTurn(r.req.SessionID, r.req.TurnID),
				conversation.WithSender(r.o.stages.Final.ID),
			)); err != nil {
				return nil, errors.Wrap(err, "append final message")
			}
		}
	}

	data := map[string]any{
		"final":      res.FinalText,
		"iterations": res.Iterations,
	}
	var terminal events.ExecutionEvent
	if res.Outcome == events.EventTypeDone {
		terminal = events.NewTerminalEvent(events.EventTypeDone, r.trace, res.FinalText, data)
	} else {
		data["max_iterations"] = max
		terminal = events.NewTerminalEvent(events.EventTypeDoneWithWarning, r.trace,
			fmt.Sprintf("stopped after reaching the maximum of %d iterations", max), data)
	}
	if err := r.em.emit(terminal); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *run) setState(s State) {
	if r.req.OnState != nil {
		r.req.OnState(s)
	}
}

func nodeID(iteration int, kind agents.Kind) string {
	return fmt.Sprintf("iter-%d-%s", iteration, kind)
}

// runStage reads memory, runs the stage and appends its aggregated message
// once its stream is complete.
func (r *run) runStage(ctx context.Context, s *agents.Stage, iteration int) (*agents.Output, error) {
	msgs, err := r.o.memory.Messages(r.req.SessionID, r.req.TurnID)
	if err != nil {
		return nil, err
	}
	out, err := r.o.runner.Run(ctx, s, agents.Input{
		Messages: msgs,
		Trace:    r.trace,
		NodeID:   nodeID(iteration, s.Kind),
		Emit:     r.em.emit,
	})
	if err != nil {
		return nil, err
	}
	if out.Message != nil {
		if err := r.o.memory.Append(r.req.SessionID, out.Message); err != nil {
			return nil, errors.Wrapf(err, "append %s message", s.Kind)
		}
	}
	return out, nil
}

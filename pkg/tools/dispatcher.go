package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/TheEterna/real-agent-sub001/pkg/approval"
	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
	"github.com/TheEterna/real-agent-sub001/pkg/events"
)

// Approver asks a human whether a tool call may run. Implementations publish
// the TOOL_APPROVAL event and block until a response, a timeout or cancellation.
type Approver interface {
	RequestApproval(ctx context.Context, req approval.Request) (approval.Response, error)
}

type ApproverFunc func(ctx context.Context, req approval.Request) (approval.Response, error)

func (f ApproverFunc) RequestApproval(ctx context.Context, req approval.Request) (approval.Response, error) {
	return f(ctx, req)
}

type ExecuteOptions struct {
	Mode      ApprovalMode
	Approver  Approver
	TurnID    string
	SessionID string
	// Allowed restricts the callable tools to these names. Nil allows every
	// registered tool.
	Allowed []string
}

// ToolResult is produced once per invocation.
type ToolResult struct {
	OK        bool             `json:"ok"`
	Code      events.ErrorCode `json:"code,omitempty"`
	Data      any              `json:"data,omitempty"`
	Error     string           `json:"error,omitempty"`
	ElapsedMs int64            `json:"elapsed_ms"`
	Meta      map[string]any   `json:"meta,omitempty"`
}

// Content renders the result as the text of a tool message.
func (r *ToolResult) Content() string {
	if r == nil {
		return ""
	}
	if !r.OK {
		return fmt.Sprintf("Error (%s): %s", r.Code, r.Error)
	}
	switch v := r.Data.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

type currentToolCallKey struct{}

// WithCurrentToolCall annotates the context handed to an executor.
func WithCurrentToolCall(ctx context.Context, call conversation.ToolCall) context.Context {
	return context.WithValue(ctx, currentToolCallKey{}, call)
}

func CurrentToolCallFromContext(ctx context.Context) (conversation.ToolCall, bool) {
	call, ok := ctx.Value(currentToolCallKey{}).(conversation.ToolCall)
	return call, ok
}

// Dispatcher executes tool calls against a registry.
type Dispatcher struct {
	registry *Registry
	config   Config
}

func NewDispatcher(registry *Registry, config Config) *Dispatcher {
	if config.ExecutionTimeout <= 0 {
		config.ExecutionTimeout = DefaultConfig().ExecutionTimeout
	}
	if config.ApprovalTimeout <= 0 {
		config.ApprovalTimeout = DefaultConfig().ApprovalTimeout
	}
	if config.ApprovalMode == "" {
		config.ApprovalMode = ApprovalModeAuto
	}
	return &Dispatcher{registry: registry, config: config}
}

func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

func (d *Dispatcher) Config() Config {
	return d.config
}

// Execute runs one tool call. On failure the returned ToolResult carries the
// error code and the error is one of ErrToolNotFound, *ValidationError,
// ErrApprovalRejected, ErrApprovalTimeout or *ToolExecutionError, or the
// context error when the turn was cancelled.
func (d *Dispatcher) Execute(ctx context.Context, call conversation.ToolCall, opts ExecuteOptions) (*ToolResult, error) {
	start := time.Now()
	mode := opts.Mode
	if mode == "" {
		mode = d.config.ApprovalMode
	}
	meta := map[string]any{
		"tool":    call.Name,
		"call_id": call.ID,
		"mode":    string(mode),
	}
	fail := func(err error) (*ToolResult, error) {
		res := &ToolResult{
			OK:        false,
			Code:      CodeFor(err),
			Error:     err.Error(),
			ElapsedMs: time.Since(start).Milliseconds(),
			Meta:      meta,
		}
		log.Debug().Str("tool", call.Name).Str("call_id", call.ID).Str("code", string(res.Code)).Err(err).Msg("tool call failed")
		return res, err
	}

	if opts.Allowed != nil && !slices.Contains(opts.Allowed, call.Name) {
		return fail(errors.Wrapf(ErrToolNotFound, "%q is not available to this stage", call.Name))
	}
	e, ok := d.registry.lookup(call.Name)
	if !ok {
		return fail(errors.Wrapf(ErrToolNotFound, "%q", call.Name))
	}

	args := json.RawMessage(call.Arguments)
	if err := validateArgs(call.Name, e.schema, args); err != nil {
		return fail(err)
	}

	if mode == ApprovalModeRequire && !e.tool.SkipApproval {
		if err := d.awaitApproval(ctx, call, args, opts, meta); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fail(ctxErr)
			}
			return fail(err)
		}
	}

	data, err := d.run(ctx, e.tool, call, args)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(ctxErr)
		}
		return fail(&ToolExecutionError{Tool: call.Name, Err: err})
	}

	return &ToolResult{
		OK:        true,
		Data:      data,
		ElapsedMs: time.Since(start).Milliseconds(),
		Meta:      meta,
	}, nil
}

func (d *Dispatcher) awaitApproval(ctx context.Context, call conversation.ToolCall, args json.RawMessage, opts ExecuteOptions, meta map[string]any) error {
	if opts.Approver == nil {
		return errors.Wrap(ErrApprovalRejected, "no approver configured")
	}
	var decoded map[string]any
	_ = json.Unmarshal(args, &decoded)

	req := approval.Request{
		TurnID:     opts.TurnID,
		SessionID:  opts.SessionID,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Arguments:  decoded,
		Options:    approval.DefaultOptions(),
		DeadlineMs: time.Now().Add(d.config.ApprovalTimeout).UnixMilli(),
	}
	resp, err := opts.Approver.RequestApproval(ctx, req)
	switch {
	case errors.Is(err, approval.ErrTimeout):
		return ErrApprovalTimeout
	case err != nil:
		return errors.Wrap(ErrApprovalRejected, err.Error())
	case !resp.Approved():
		meta["feedback"] = resp.Feedback
		if resp.Feedback != "" {
			return errors.Wrap(ErrApprovalRejected, resp.Feedback)
		}
		return ErrApprovalRejected
	}
	meta["approved"] = true
	return nil
}

type runResult struct {
	data any
	err  error
}

// run executes with the per-call timeout. A tool that ignores its context
// is abandoned when the deadline passes.
func (d *Dispatcher) run(ctx context.Context, tool *Tool, call conversation.ToolCall, args json.RawMessage) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.ExecutionTimeout)
	defer cancel()
	ctx = WithCurrentToolCall(ctx, call)

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("tool", call.Name).Interface("panic", r).Msg("tool panicked")
				done <- runResult{err: errors.Errorf("panic: %v", r)}
			}
		}()
		data, err := tool.Executor.Execute(ctx, args)
		done <- runResult{data: data, err: err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "tool execution")
	}
}

package tools

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEterna/real-agent-sub001/pkg/approval"
	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
	"github.com/TheEterna/real-agent-sub001/pkg/events"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func newAddTool(t *testing.T, calls *int32) *Tool {
	t.Helper()
	tool, err := NewToolFromFunc("add", "Add two numbers", func(args addArgs) (int, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return args.A + args.B, nil
	})
	require.NoError(t, err)
	return tool
}

func newDispatcher(t *testing.T, cfg Config, tools ...*Tool) *Dispatcher {
	t.Helper()
	r := NewRegistry()
	for _, tool := range tools {
		require.NoError(t, r.RegisterWithKeywords(tool, "action"))
	}
	require.NoError(t, RegisterCompletionTool(r))
	return NewDispatcher(r, cfg)
}

func TestDispatcher_ExecuteAuto(t *testing.T) {
	t.Parallel()
	d := newDispatcher(t, DefaultConfig(), newAddTool(t, nil))

	res, err := d.Execute(context.Background(), conversation.ToolCall{ID: "c1", Name: "add", Arguments: `{"a":2,"b":3}`}, ExecuteOptions{})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 5, res.Data)
	assert.Equal(t, "5", res.Content())
	assert.Equal(t, "c1", res.Meta["call_id"])
}

func TestDispatcher_UnknownToolIsError(t *testing.T) {
	t.Parallel()
	d := newDispatcher(t, DefaultConfig())

	done := make(chan struct{})
	var res *ToolResult
	var err error
	go func() {
		defer close(done)
		res, err = d.Execute(context.Background(), conversation.ToolCall{ID: "c1", Name: "nope"}, ExecuteOptions{})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unknown tool did not fail fast")
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolNotFound))
	assert.False(t, res.OK)
	assert.Equal(t, events.ErrorCodeToolNotFound, res.Code)
}

func TestDispatcher_ValidationError(t *testing.T) {
	t.Parallel()
	var calls int32
	d := newDispatcher(t, DefaultConfig(), newAddTool(t, &calls))

	cases := []string{`{"a":"two","b":3}`, `{"a":1}`, `not json`}
	for _, args := range cases {
		res, err := d.Execute(context.Background(), conversation.ToolCall{ID: "c1", Name: "add", Arguments: args}, ExecuteOptions{})
		var ve *ValidationError
		require.True(t, errors.As(err, &ve), args)
		assert.Equal(t, events.ErrorCodeValidation, res.Code)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestDispatcher_ExecutionErrorAndPanic(t *testing.T) {
	t.Parallel()
	failing := NewTool(ToolSpec{Name: "fail"}, ExecutorFunc(func(ctx context.Context, args json.RawMessage) (any, error) {
		return nil, errors.New("disk full")
	}))
	panicking := NewTool(ToolSpec{Name: "boom"}, ExecutorFunc(func(ctx context.Context, args json.RawMessage) (any, error) {
		panic("oops")
	}))
	d := newDispatcher(t, DefaultConfig(), failing, panicking)

	for _, name := range []string{"fail", "boom"} {
		res, err := d.Execute(context.Background(), conversation.ToolCall{ID: "c", Name: name, Arguments: `{}`}, ExecuteOptions{})
		var te *ToolExecutionError
		require.True(t, errors.As(err, &te), name)
		assert.Equal(t, events.ErrorCodeToolExecution, res.Code)
	}
}

func TestDispatcher_ExecutionTimeout(t *testing.T) {
	t.Parallel()
	stuck := NewTool(ToolSpec{Name: "stuck"}, ExecutorFunc(func(ctx context.Context, args json.RawMessage) (any, error) {
		time.Sleep(2 * time.Second)
		return nil, nil
	}))
	d := newDispatcher(t, DefaultConfig().WithExecutionTimeout(20*time.Millisecond), stuck)

	_, err := d.Execute(context.Background(), conversation.ToolCall{ID: "c", Name: "stuck"}, ExecuteOptions{})
	var te *ToolExecutionError
	require.True(t, errors.As(err, &te))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDispatcher_RequireApproval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		approver Approver
		wantErr  error
		wantRuns int32
	}{
		{
			name: "approved",
			approver: ApproverFunc(func(ctx context.Context, req approval.Request) (approval.Response, error) {
				return approval.Response{RequestID: req.RequestID, SelectedOptionID: approval.OptionApprove}, nil
			}),
			wantRuns: 1,
		},
		{
			name: "rejected",
			approver: ApproverFunc(func(ctx context.Context, req approval.Request) (approval.Response, error) {
				return approval.Response{SelectedOptionID: approval.OptionReject, Feedback: "not now"}, nil
			}),
			wantErr: ErrApprovalRejected,
		},
		{
			name: "timeout",
			approver: ApproverFunc(func(ctx context.Context, req approval.Request) (approval.Response, error) {
				return approval.Response{}, approval.ErrTimeout
			}),
			wantErr: ErrApprovalTimeout,
		},
		{
			name:    "no approver",
			wantErr: ErrApprovalRejected,
		},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			var runs int32
			d := newDispatcher(t, DefaultConfig().WithApprovalMode(ApprovalModeRequire), newAddTool(t, &runs))
			_, err := d.Execute(context.Background(), conversation.ToolCall{ID: "c1", Name: "add", Arguments: `{"a":1,"b":1}`},
				ExecuteOptions{Approver: c.approver, TurnID: "t1"})
			if c.wantErr != nil {
				assert.True(t, errors.Is(err, c.wantErr), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, c.wantRuns, atomic.LoadInt32(&runs))
		})
	}
}

func TestDispatcher_CompletionIsNeverGated(t *testing.T) {
	t.Parallel()
	d := newDispatcher(t, DefaultConfig().WithApprovalMode(ApprovalModeRequire))

	res, err := d.Execute(context.Background(), conversation.ToolCall{ID: "c1", Name: CompletionToolName, Arguments: `{"summary":"all good"}`}, ExecuteOptions{})
	require.NoError(t, err)
	assert.True(t, res.OK)

	summary, err := ParseCompletion(`{"summary":"all good"}`)
	require.NoError(t, err)
	assert.Equal(t, "all good", summary)
}

func TestDispatcher_ModeOverride(t *testing.T) {
	t.Parallel()
	d := newDispatcher(t, DefaultConfig().WithApprovalMode(ApprovalModeRequire), newAddTool(t, nil))

	_, err := d.Execute(context.Background(), conversation.ToolCall{ID: "c1", Name: "add", Arguments: `{"a":1,"b":1}`},
		ExecuteOptions{Mode: ApprovalModeDisabled})
	assert.NoError(t, err)
}

func TestDispatcher_AllowedRestrictsCalls(t *testing.T) {
	t.Parallel()
	var runs int32
	d := newDispatcher(t, DefaultConfig(), newAddTool(t, &runs))
	call := conversation.ToolCall{ID: "c1", Name: "add", Arguments: `{"a":1,"b":2}`}

	_, err := d.Execute(context.Background(), call, ExecuteOptions{Allowed: []string{CompletionToolName}})
	assert.True(t, errors.Is(err, ErrToolNotFound))
	_, err = d.Execute(context.Background(), call, ExecuteOptions{Allowed: []string{}})
	assert.True(t, errors.Is(err, ErrToolNotFound))
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))

	res, err := d.Execute(context.Background(), call, ExecuteOptions{Allowed: []string{"add"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Data)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestPlanTools_PublishThroughContext(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, RegisterPlanTools(r))
	d := NewDispatcher(r, DefaultConfig())

	var got []events.ExecutionEvent
	ctx := events.WithEventSinks(context.Background(), events.SinkFunc(func(e events.ExecutionEvent) error {
		got = append(got, e)
		return nil
	}))
	ctx = events.WithTrace(ctx, events.Trace{TurnID: "t1"})

	_, err := d.Execute(ctx, conversation.ToolCall{ID: "c1", Name: "init_plan", Arguments: `{"steps":[{"id":"1","description":"look"}]}`}, ExecuteOptions{})
	require.NoError(t, err)
	_, err = d.Execute(ctx, conversation.ToolCall{ID: "c2", Name: "advance_plan", Arguments: `{"step_id":"1"}`}, ExecuteOptions{})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, events.EventTypeInitPlan, got[0].Type)
	assert.Equal(t, events.EventTypeAdvancePlan, got[1].Type)
	assert.Equal(t, "t1", got[1].Trace.TurnID)
}

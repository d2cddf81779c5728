package approval

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrTimeout   = errors.New("approval timed out")
	ErrCancelled = errors.New("approval cancelled")
)

const DefaultTimeout = 5 * time.Minute

const (
	OptionApprove = "approve"
	OptionReject  = "reject"
)

type Option struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label" yaml:"label"`
}

func DefaultOptions() []Option {
	return []Option{
		{ID: OptionApprove, Label: "Approve"},
		{ID: OptionReject, Label: "Reject"},
	}
}

// Request describes one pending tool approval.
type Request struct {
	RequestID  string         `json:"request_id"`
	TurnID     string         `json:"turn_id"`
	SessionID  string         `json:"session_id,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Options    []Option       `json:"options"`
	DeadlineMs int64          `json:"deadline_ms"`
}

// ToEventData flattens the request for a TOOL_APPROVAL event payload.
func (r Request) ToEventData() map[string]any {
	opts := make([]any, 0, len(r.Options))
	for _, o := range r.Options {
		opts = append(opts, map[string]any{"id": o.ID, "label": o.Label})
	}
	return map[string]any{
		"request_id":   r.RequestID,
		"tool_call_id": r.ToolCallID,
		"tool":         r.ToolName,
		"arguments":    r.Arguments,
		"options":      opts,
		"deadline_ms":  r.DeadlineMs,
	}
}

type Response struct {
	RequestID        string `json:"request_id"`
	TurnID           string `json:"turn_id,omitempty"`
	SelectedOptionID string `json:"selected_option_id"`
	Feedback         string `json:"feedback,omitempty"`
}

func (r Response) Approved() bool {
	return r.SelectedOptionID == OptionApprove
}

// Gate is a one-shot suspension point. The first of Resolve, Cancel, the
// timeout or the waiter's context settles it; everything after is a no-op.
type Gate struct {
	req Request

	mu       sync.Mutex
	resolved bool
	resp     Response
	err      error
	done     chan struct{}
}

func NewGate(req Request) *Gate {
	return &Gate{
		req:  req,
		done: make(chan struct{}),
	}
}

func (g *Gate) Request() Request {
	return g.req
}

// Resolve settles the gate with a response. Returns false if already settled.
func (g *Gate) Resolve(resp Response) bool {
	return g.settle(resp, nil)
}

// Cancel settles the gate with ErrCancelled.
func (g *Gate) Cancel() bool {
	return g.settle(Response{}, ErrCancelled)
}

func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until the gate is settled. A non-positive timeout uses DefaultTimeout;
// waiting forever is not an option.
func (g *Gate) Wait(ctx context.Context, timeout time.Duration) (Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-g.done:
	case <-timer.C:
		g.settle(Response{}, ErrTimeout)
	case <-ctx.Done():
		g.settle(Response{}, ctx.Err())
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resp, g.err
}

func (g *Gate) settle(resp Response, err error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resolved {
		return false
	}
	g.resolved = true
	g.resp = resp
	g.err = err
	close(g.done)
	return true
}

package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrGatePending = errors.New("turn already has a pending approval")

// Controller tracks the pending approval gate of every turn, keyed by turn id.
// It is owned by the turn manager so that inbound responses can be routed to
// the right gate without going through the orchestrator.
type Controller struct {
	mu    sync.Mutex
	gates map[string]*Gate
}

func NewController() *Controller {
	return &Controller{
		gates: make(map[string]*Gate),
	}
}

// Open registers a new gate for req.TurnID. A turn has at most one pending gate.
func (c *Controller) Open(req Request) (*Gate, error) {
	if req.TurnID == "" {
		return nil, errors.New("open approval: empty turn id")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if len(req.Options) == 0 {
		req.Options = DefaultOptions()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.gates[req.TurnID]; ok {
		select {
		case <-existing.Done():
		default:
			return nil, errors.Wrapf(ErrGatePending, "turn %s", req.TurnID)
		}
	}
	g := NewGate(req)
	c.gates[req.TurnID] = g
	return g, nil
}

// Wait blocks on the gate and clears it from the controller once settled.
func (c *Controller) Wait(ctx context.Context, g *Gate, timeout time.Duration) (Response, error) {
	resp, err := g.Wait(ctx, timeout)
	c.release(g)
	return resp, err
}

// Resolve routes an inbound response to the turn's pending gate. Absent
// gates, mismatched request ids and already settled gates are no-ops.
func (c *Controller) Resolve(turnID string, resp Response) bool {
	c.mu.Lock()
	g, ok := c.gates[turnID]
	c.mu.Unlock()

	if !ok {
		log.Warn().Str("turn_id", turnID).Str("request_id", resp.RequestID).Msg("no pending approval for turn")
		return false
	}
	if resp.RequestID != "" && resp.RequestID != g.req.RequestID {
		log.Warn().Str("turn_id", turnID).Str("request_id", resp.RequestID).Str("pending_request_id", g.req.RequestID).Msg("approval response does not match pending request")
		return false
	}
	resp.TurnID = turnID
	if resp.RequestID == "" {
		resp.RequestID = g.req.RequestID
	}
	if !g.Resolve(resp) {
		log.Warn().Str("turn_id", turnID).Str("request_id", resp.RequestID).Msg("approval already resolved")
		return false
	}
	c.release(g)
	return true
}

// Cancel settles the turn's pending gate, if any, with ErrCancelled.
func (c *Controller) Cancel(turnID string) bool {
	c.mu.Lock()
	g, ok := c.gates[turnID]
	delete(c.gates, turnID)
	c.mu.Unlock()
	if !ok {
		return false
	}
	return g.Cancel()
}

// Pending returns the request currently awaiting a response for the turn.
func (c *Controller) Pending(turnID string) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gates[turnID]
	if !ok {
		return Request{}, false
	}
	return g.req, true
}

func (c *Controller) release(g *Gate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.gates[g.req.TurnID]; ok && cur == g {
		delete(c.gates, g.req.TurnID)
	}
}

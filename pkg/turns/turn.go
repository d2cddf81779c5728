package turns

import (
	"time"

	"github.com/pkg/errors"
)

var (
	ErrTurnNotFound  = errors.New("turn not found")
	ErrManagerClosed = errors.New("turn manager is shut down")
	ErrEmptyTurnID   = errors.New("turn id is empty")
)

// State is the lifecycle of a turn. It only moves forward, except for the
// running ↔ awaiting-approval pair.
type State string

const (
	StateCreated          State = "created"
	StateRunning          State = "running"
	StateAwaitingApproval State = "awaiting-approval"
	StateCompleted        State = "completed"
	StateClosed           State = "closed"
)

func (s State) rank() int {
	switch s {
	case StateCreated:
		return 0
	case StateRunning, StateAwaitingApproval:
		return 1
	case StateCompleted, StateClosed:
		return 2
	default:
		return -1
	}
}

// canMoveTo reports whether the lifecycle allows s → next.
func (s State) canMoveTo(next State) bool {
	if s == next {
		return false
	}
	return next.rank() > s.rank() || (s.rank() == 1 && next.rank() == 1)
}

// Turn is one user message processed end to end.
type Turn struct {
	TurnID    string    `json:"turn_id"`
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Iteration int       `json:"iteration"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

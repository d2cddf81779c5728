package tools

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/TheEterna/real-agent-sub001/pkg/events"
)

var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrApprovalRejected = errors.New("tool call rejected by user")
	ErrApprovalTimeout  = errors.New("tool approval timed out")
)

// ValidationError reports arguments that do not satisfy the tool's input schema.
type ValidationError struct {
	Tool     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// ToolExecutionError wraps a failure raised by the tool itself.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// CodeFor classifies a dispatch error for ERROR events and tool results.
func CodeFor(err error) events.ErrorCode {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	var te *ToolExecutionError
	switch {
	case errors.Is(err, ErrToolNotFound):
		return events.ErrorCodeToolNotFound
	case errors.Is(err, ErrApprovalRejected):
		return events.ErrorCodeApprovalRejected
	case errors.Is(err, ErrApprovalTimeout):
		return events.ErrorCodeApprovalTimeout
	case errors.As(err, &ve):
		return events.ErrorCodeValidation
	case errors.As(err, &te):
		return events.ErrorCodeToolExecution
	default:
		return events.ErrorCodeInternal
	}
}

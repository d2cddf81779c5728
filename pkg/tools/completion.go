package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// CompletionToolName is the reserved tool whose invocation ends the reasoning loop.
const CompletionToolName = "task_done"

type CompletionArgs struct {
	Summary string `json:"summary" jsonschema:"description=Final summary of what was accomplished for the user"`
}

// NewCompletionTool returns the reserved completion tool. It is never
// approval-gated.
func NewCompletionTool() *Tool {
	t, err := NewToolFromFunc(
		CompletionToolName,
		"Call this when the task is complete. The summary is shown to the user.",
		func(args CompletionArgs) (CompletionArgs, error) {
			return args, nil
		},
		WithCategory("control"),
		WithSkipApproval(),
	)
	if err != nil {
		panic(err)
	}
	return t
}

// RegisterCompletionTool registers task_done under the action keyword.
func RegisterCompletionTool(r *Registry) error {
	return r.RegisterWithKeywords(NewCompletionTool(), "action")
}

func IsCompletion(name string) bool {
	return name == CompletionToolName
}

// ParseCompletion extracts the summary from task_done arguments.
func ParseCompletion(arguments string) (string, error) {
	if strings.TrimSpace(arguments) == "" {
		return "", nil
	}
	var args CompletionArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", errors.Wrap(err, "decode task_done arguments")
	}
	return args.Summary, nil
}

// NewEchoTool returns a trivial tool used by the CLI dry-run mode and tests.
func NewEchoTool() *Tool {
	type EchoArgs struct {
		Text string `json:"text" jsonschema:"description=Text to echo back"`
	}
	t, err := NewToolFromFunc("echo", "Echo the given text back.",
		func(ctx context.Context, args EchoArgs) (string, error) {
			return args.Text, nil
		},
		WithCategory("utility"),
	)
	if err != nil {
		panic(err)
	}
	return t
}

package orchestrator

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
	"github.com/TheEterna/real-agent-sub001/pkg/events"
	"github.com/TheEterna/real-agent-sub001/pkg/tools"
)

const dispatcherAgentID = "tool-dispatcher"

type actOutcome struct {
	completed   bool
	summary     string
	interrupted bool
}

// act executes the proposed calls in order. Every call gets exactly one
// tool-role reply in memory so the next provider request stays well formed,
// including when the step is cut short by a closed turn or a failed publish.
// allowed names the tools the proposing stage was offered.
func (r *run) act(ctx context.Context, calls []conversation.ToolCall, allowed []string, iteration int) (actOutcome, error) {
	var out actOutcome

	for idx, call := range calls {
		if out.completed || out.interrupted {
			reason := "skipped: the task was already completed"
			if out.interrupted {
				reason = "skipped: an earlier tool call in this step was not approved"
			}
			if err := r.appendToolMessage(conversation.MessageTypeTool, reason, call); err != nil {
				return out, err
			}
			continue
		}

		trace := r.trace.WithAgent(dispatcherAgentID, fmt.Sprintf("iter-%d-tool-%d", iteration, idx))
		if err := r.em.emit(events.NewEvent(events.EventTypeActing, trace, call.Name, map[string]any{
			"tool":      call.Name,
			"call_id":   call.ID,
			"arguments": call.Arguments,
		})); err != nil {
			r.abandon(calls[idx:], err)
			return out, err
		}

		callCtx := events.WithTrace(ctx, trace)
		res, err := r.o.dispatcher.Execute(callCtx, call, tools.ExecuteOptions{
			Mode:      r.o.approvalMode,
			Approver:  r.req.Approver,
			TurnID:    r.req.TurnID,
			SessionID: r.req.SessionID,
			Allowed:   allowed,
		})
		abort := ctx.Err()
		if abort == nil {
			abort = r.em.err()
		}
		if abort != nil {
			if err == nil && res != nil {
				if aerr := r.appendToolMessage(conversation.MessageTypeTool, res.Content(), call); aerr != nil {
					log.Warn().Err(aerr).Str("turn_id", r.req.TurnID).Str("call_id", call.ID).Msg("orchestrator: could not record tool reply")
				}
				r.abandon(calls[idx+1:], abort)
			} else {
				r.abandon(calls[idx:], abort)
			}
			return out, abort
		}

		if err != nil {
			code := tools.CodeFor(err)
			log.Debug().Str("turn_id", r.req.TurnID).Str("tool", call.Name).Str("code", string(code)).Err(err).Msg("orchestrator: tool call failed")
			if aerr := r.appendToolMessage(conversation.MessageTypeError, res.Content(), call); aerr != nil {
				return out, aerr
			}
			if eerr := r.em.emit(toolEvent(trace, call, res)); eerr != nil {
				r.abandon(calls[idx+1:], eerr)
				return out, eerr
			}
			if errors.Is(err, tools.ErrApprovalRejected) || errors.Is(err, tools.ErrApprovalTimeout) {
				out.interrupted = true
				continue
			}
			if eerr := r.em.emit(events.NewErrorEvent(trace, code, err, false)); eerr != nil {
				r.abandon(calls[idx+1:], eerr)
				return out, eerr
			}
			continue
		}

		if aerr := r.appendToolMessage(conversation.MessageTypeTool, res.Content(), call); aerr != nil {
			return out, aerr
		}
		if eerr := r.em.emit(toolEvent(trace, call, res)); eerr != nil {
			r.abandon(calls[idx+1:], eerr)
			return out, eerr
		}

		if tools.IsCompletion(call.Name) {
			summary, perr := tools.ParseCompletion(call.Arguments)
			if perr != nil {
				log.Warn().Err(perr).Str("turn_id", r.req.TurnID).Msg("orchestrator: could not read completion summary")
			}
			out.completed = true
			out.summary = summary
		}
	}
	return out, nil
}

// abandon answers calls that will not run with a cancellation error.
func (r *run) abandon(calls []conversation.ToolCall, cause error) {
	for _, call := range calls {
		content := fmt.Sprintf("cancelled: %v", cause)
		if err := r.appendToolMessage(conversation.MessageTypeError, content, call); err != nil {
			log.Warn().Err(err).Str("turn_id", r.req.TurnID).Str("call_id", call.ID).Msg("orchestrator: could not record cancelled tool call")
		}
	}
}

func (r *run) appendToolMessage(t conversation.MessageType, content string, call conversation.ToolCall) error {
	msg := conversation.NewMessage(t, content,
		conversation.WithTurn(r.req.SessionID, r.req.TurnID),
		conversation.WithSender(dispatcherAgentID),
		conversation.WithToolCallID(call.ID),
		conversation.WithMetadata(map[string]any{"tool": call.Name}),
	)
	return errors.Wrap(r.o.memory.Append(r.req.SessionID, msg), "append tool message")
}

func toolEvent(trace events.Trace, call conversation.ToolCall, res *tools.ToolResult) events.ExecutionEvent {
	data := map[string]any{
		"tool":       call.Name,
		"call_id":    call.ID,
		"ok":         res.OK,
		"result":     res.Content(),
		"elapsed_ms": res.ElapsedMs,
	}
	if !res.OK {
		data["code"] = string(res.Code)
	}
	return events.NewEvent(events.EventTypeTool, trace, call.Name, data)
}

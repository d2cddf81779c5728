package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/TheEterna/real-agent-sub001/pkg/approval"
	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
	"github.com/TheEterna/real-agent-sub001/pkg/events"
	"github.com/TheEterna/real-agent-sub001/pkg/provider/fixtures"
)

type runOptions struct {
	SessionID string
	JSON      bool
	// AssumeYes approves every tool call without prompting.
	AssumeYes bool
}

// jsonOutput picks JSON lines for piped output unless --json was given.
func jsonOutput(set, flag, terminal bool) bool {
	if set {
		return flag
	}
	return !terminal
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Run a single turn and print its events",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if fixture, _ := flags.GetString("fixture"); fixture != "" {
				v.Set("provider.name", fixtures.Name)
				v.Set("provider.fixture", fixture)
			}
			if mode, _ := flags.GetString("approval-mode"); mode != "" {
				v.Set("tools.approval_mode", mode)
			}
			s, err := loadSettings()
			if err != nil {
				return err
			}

			opts := runOptions{}
			opts.SessionID, _ = flags.GetString("session")
			opts.JSON, _ = flags.GetBool("json")
			opts.JSON = jsonOutput(flags.Changed("json"), opts.JSON, isatty.IsTerminal(os.Stdout.Fd()))
			opts.AssumeYes, _ = flags.GetBool("yes")
			transcriptPath, _ := flags.GetString("transcript")

			ctx := cmd.Context()
			rt, err := newRuntime(ctx, s)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(context.Background()); err != nil {
					log.Warn().Err(err).Msg("closing runtime")
				}
			}()

			routerCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				if err := rt.router.Run(routerCtx); err != nil {
					log.Error().Err(err).Msg("event router stopped")
				}
			}()
			<-rt.router.Running()

			tr, err := runTurn(ctx, rt, opts, strings.Join(args, " "), os.Stdin, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if transcriptPath != "" {
				if err := tr.SaveToFile(transcriptPath); err != nil {
					return err
				}
				log.Info().Str("path", transcriptPath).Msg("transcript written")
			}
			if tr.Outcome == string(events.EventTypeError) {
				return errors.New("turn failed")
			}
			return nil
		},
	}
	cmd.Flags().String("session", "", "Continue an existing session")
	cmd.Flags().String("fixture", "", "Replay a scripted provider fixture instead of calling a model")
	cmd.Flags().String("approval-mode", "", "Override tools.approval_mode (AUTO, REQUIRE_APPROVAL, DISABLED)")
	cmd.Flags().BoolP("yes", "y", false, "Approve every tool call without prompting")
	cmd.Flags().Bool("json", false, "Print one JSON envelope per line (default when stdout is not a terminal)")
	cmd.Flags().String("transcript", "", "Write the finished turn as YAML to this file")
	return cmd
}

// runTurn drives one turn to its terminal event, answering approval requests
// from in, and returns the turn transcript.
func runTurn(ctx context.Context, rt *runtime, opts runOptions, message string, in io.Reader, out io.Writer) (*conversation.Transcript, error) {
	sub, err := rt.manager.StartTurn(ctx, opts.SessionID, message)
	if err != nil {
		return nil, err
	}
	defer sub.Cancel()

	p := &eventPrinter{w: out, json: opts.JSON}
	answers := bufio.NewScanner(in)
	tr := &conversation.Transcript{SessionID: sub.SessionID, TurnID: sub.TurnID}

	for {
		select {
		case <-ctx.Done():
			rt.manager.CloseTurn(sub.TurnID)
			return nil, ctx.Err()
		case env, ok := <-sub.Events:
			if !ok {
				tr.Messages = rt.memory.Raw(sub.SessionID).ForTurn(sub.TurnID)
				return tr, nil
			}
			if err := p.print(env); err != nil {
				return nil, err
			}
			switch env.Event {
			case events.EventTypeToolApproval:
				decide(rt, sub.TurnID, env.Data, opts.AssumeYes, answers, out)
			case events.EventTypeDone, events.EventTypeDoneWithWarning, events.EventTypeError:
				if env.Data.IsTerminal() {
					tr.Outcome = string(env.Event)
					if final, ok := env.Data.Data["final"].(string); ok {
						tr.Final = final
					}
				}
			}
		}
	}
}

func decide(rt *runtime, turnID string, ev events.ExecutionEvent, assumeYes bool, answers *bufio.Scanner, out io.Writer) {
	requestID, _ := ev.Data["request_id"].(string)
	option := approval.OptionApprove
	if !assumeYes {
		_, _ = fmt.Fprintf(out, "approve %v? [y/N] ", ev.Data["tool"])
		option = approval.OptionReject
		if answers.Scan() {
			switch strings.ToLower(strings.TrimSpace(answers.Text())) {
			case "y", "yes":
				option = approval.OptionApprove
			}
		}
	}
	if !rt.manager.SubmitInteractionResponse(turnID, requestID, option, "") {
		log.Warn().Str("turn_id", turnID).Str("request_id", requestID).Msg("approval was not accepted")
	}
}

// eventPrinter renders envelopes for a terminal. Streamed stage chunks of the
// same type are joined on one line.
type eventPrinter struct {
	w    io.Writer
	json bool
	last events.EventType
}

func isChunk(t events.EventType) bool {
	switch t {
	case events.EventTypeThinking, events.EventTypeAction, events.EventTypeObserving, events.EventTypeCompleted:
		return true
	}
	return false
}

func (p *eventPrinter) print(env events.Envelope) error {
	if p.json {
		b, err := json.Marshal(env)
		if err != nil {
			return errors.Wrap(err, "marshal envelope")
		}
		_, err = fmt.Fprintf(p.w, "%s\n", b)
		return err
	}

	var err error
	switch {
	case isChunk(env.Event) && p.last == env.Event:
		_, err = io.WriteString(p.w, env.Data.Message)
	case isChunk(env.Event):
		if isChunk(p.last) {
			_, _ = io.WriteString(p.w, "\n")
		}
		_, err = fmt.Fprintf(p.w, "[%s] %s", env.Event, env.Data.Message)
	default:
		if isChunk(p.last) {
			_, _ = io.WriteString(p.w, "\n")
		}
		_, err = fmt.Fprintf(p.w, "[%s] %s\n", env.Event, summarizeEvent(env.Data))
	}
	p.last = env.Event
	return err
}

func summarizeEvent(ev events.ExecutionEvent) string {
	switch ev.Type {
	case events.EventTypeActing:
		return fmt.Sprintf("%v %v", ev.Data["tool"], ev.Data["arguments"])
	case events.EventTypeTool:
		if ok, _ := ev.Data["ok"].(bool); ok {
			return fmt.Sprintf("%v -> %v", ev.Data["tool"], ev.Data["result"])
		}
		return fmt.Sprintf("%v failed (%v): %v", ev.Data["tool"], ev.Data["code"], ev.Data["result"])
	case events.EventTypeDone, events.EventTypeDoneWithWarning:
		if final, ok := ev.Data["final"].(string); ok && final != "" {
			return final
		}
	case events.EventTypeError:
		return fmt.Sprintf("%s: %s", ev.Code(), ev.Message)
	}
	return ev.Message
}

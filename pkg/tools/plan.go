package tools

import (
	"context"

	"github.com/TheEterna/real-agent-sub001/pkg/events"
)

type PlanStep struct {
	ID          string `json:"id" jsonschema:"description=Stable step identifier"`
	Description string `json:"description" jsonschema:"description=What the step does"`
	Status      string `json:"status,omitempty" jsonschema:"enum=pending,enum=in_progress,enum=done"`
}

type AnalyzeTaskArgs struct {
	Goal        string   `json:"goal" jsonschema:"description=Restated goal of the user"`
	Constraints []string `json:"constraints,omitempty"`
}

type InitPlanArgs struct {
	Steps []PlanStep `json:"steps"`
}

type UpdatePlanArgs struct {
	Steps  []PlanStep `json:"steps"`
	Reason string     `json:"reason,omitempty"`
}

type AdvancePlanArgs struct {
	StepID string `json:"step_id" jsonschema:"description=The step that was just finished"`
	Note   string `json:"note,omitempty"`
}

// publishPlanEvent forwards a plan event to whatever sinks the turn put in the context.
func publishPlanEvent(ctx context.Context, t events.EventType, message string, data map[string]any) {
	trace, _ := events.TraceFromContext(ctx)
	events.PublishEventToContext(ctx, events.NewEvent(t, trace.WithAgent("planner", trace.NodeID), message, data))
}

func planStepsData(steps []PlanStep) []any {
	ret := make([]any, 0, len(steps))
	for _, s := range steps {
		ret = append(ret, map[string]any{"id": s.ID, "description": s.Description, "status": s.Status})
	}
	return ret
}

// RegisterPlanTools registers the planning tools under the thinking keyword.
func RegisterPlanTools(r *Registry) error {
	analyze, err := NewToolFromFunc("analyze_task", "Record an analysis of the user's task before planning.",
		func(ctx context.Context, args AnalyzeTaskArgs) (string, error) {
			constraints := make([]any, 0, len(args.Constraints))
			for _, c := range args.Constraints {
				constraints = append(constraints, c)
			}
			publishPlanEvent(ctx, events.EventTypeTaskAnalysis, args.Goal, map[string]any{"goal": args.Goal, "constraints": constraints})
			return "analysis recorded", nil
		}, WithCategory("plan"), WithSkipApproval())
	if err != nil {
		return err
	}

	initPlan, err := NewToolFromFunc("init_plan", "Create the step plan for the task.",
		func(ctx context.Context, args InitPlanArgs) (string, error) {
			publishPlanEvent(ctx, events.EventTypeInitPlan, "", map[string]any{"steps": planStepsData(args.Steps)})
			return "plan created", nil
		}, WithCategory("plan"), WithSkipApproval())
	if err != nil {
		return err
	}

	updatePlan, err := NewToolFromFunc("update_plan", "Replace the step plan.",
		func(ctx context.Context, args UpdatePlanArgs) (string, error) {
			publishPlanEvent(ctx, events.EventTypeUpdatePlan, args.Reason, map[string]any{"steps": planStepsData(args.Steps)})
			return "plan updated", nil
		}, WithCategory("plan"), WithSkipApproval())
	if err != nil {
		return err
	}

	advancePlan, err := NewToolFromFunc("advance_plan", "Mark a plan step as done.",
		func(ctx context.Context, args AdvancePlanArgs) (string, error) {
			publishPlanEvent(ctx, events.EventTypeAdvancePlan, args.Note, map[string]any{"step_id": args.StepID})
			return "step " + args.StepID + " done", nil
		}, WithCategory("plan"), WithSkipApproval())
	if err != nil {
		return err
	}

	for _, t := range []*Tool{analyze, initPlan, updatePlan, advancePlan} {
		if err := r.RegisterWithKeywords(t, "thinking", "plan"); err != nil {
			return err
		}
	}
	return nil
}

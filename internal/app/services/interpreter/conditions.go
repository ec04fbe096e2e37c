package interpreter

import (
	"context"
	"fmt"
	"time"

	"github.com/devicelab/orchestrator/internal/app/domain/report"
	"github.com/devicelab/orchestrator/internal/app/domain/scenario"
	"github.com/devicelab/orchestrator/internal/app/driver"
	"github.com/devicelab/orchestrator/internal/app/events"
)

// evalCondition evaluates a condition node's predicate once and returns the
// branch the walk should follow plus the StepResult to record. A predicate
// error takes the "no" branch and the step is recorded failed/error rather
// than aborting the scenario: conditions steer the graph, they don't fail it.
// A driver that throws while evaluating the predicate is recorded as error
// rather than failed (§4.B, §7).
func (ip *Interpreter) evalCondition(ctx context.Context, in RunInput, node scenario.Node, shots *[]string) (scenario.Branch, report.StepResult) {
	p := node.Condition
	started := time.Now().UTC()
	ip.emit(in.SocketID, events.TypeTestDeviceNode, in.DeviceID, node, "running")

	ok, err := ip.checkCondition(ctx, in, *p)

	branch := scenario.BranchNo
	outcome := classifyOutcome(err)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	} else if ok {
		branch = scenario.BranchYes
	}

	step := report.StepResult{
		NodeID:    node.ID,
		Label:     node.Label,
		Outcome:   outcome,
		Error:     errMsg,
		StartedAt: started,
		Duration:  time.Since(started),
	}
	ip.emit(in.SocketID, events.TypeTestDeviceNode, in.DeviceID, node, string(outcome))

	if in.CaptureScreenshots {
		ip.captureScreenshot(ctx, in, node.ID, driver.ArtifactStep, shots)
	}

	return branch, step
}

func (ip *Interpreter) checkCondition(ctx context.Context, in RunInput, p scenario.ConditionParams) (bool, error) {
	actions := in.Actions
	switch p.Kind {
	case scenario.ConditionExists:
		return actions.Exists(ctx, p.Selector, p.Strategy)
	case scenario.ConditionNotExists:
		ok, err := actions.Exists(ctx, p.Selector, p.Strategy)
		return !ok, err
	case scenario.ConditionTextExists:
		return actions.TextExists(ctx, p.Text)
	case scenario.ConditionTextGone:
		ok, err := actions.TextExists(ctx, p.Text)
		return !ok, err
	case scenario.ConditionImageExists:
		_, _, found, err := actions.FindImage(ctx, p.TemplateID)
		return found, err
	default:
		return false, fmt.Errorf("interpreter: unknown condition kind %q", p.Kind)
	}
}

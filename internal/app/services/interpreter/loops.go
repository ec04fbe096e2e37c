package interpreter

import (
	"context"
	"time"

	"github.com/devicelab/orchestrator/internal/app/domain/report"
	"github.com/devicelab/orchestrator/internal/app/domain/scenario"
	"github.com/devicelab/orchestrator/internal/app/events"
)

// maxLoopIterations caps a single loop node regardless of its condition, so
// a misconfigured whileExists/whileNotExists can't run the walk forever.
const maxLoopIterations = 1000

// evalLoop advances a loop node's iteration counter and decides whether the
// walk should take the loop body again or exit.
func (ip *Interpreter) evalLoop(ctx context.Context, in RunInput, node scenario.Node, state *walkState) (scenario.Branch, report.StepResult) {
	p := node.Loop
	started := time.Now().UTC()

	count := state.loopCounters[node.ID]
	again, err := ip.shouldLoopAgain(ctx, in, *p, count)
	state.loopCounters[node.ID] = count + 1

	branch := scenario.BranchExit
	outcome := report.StepPassed
	errMsg := ""
	switch {
	case err != nil:
		errMsg = err.Error()
		outcome = report.StepFailed
	case count >= maxLoopIterations:
		branch = scenario.BranchExit
	case again:
		branch = scenario.BranchLoop
	}

	step := report.StepResult{
		NodeID:    node.ID,
		Label:     node.Label,
		Outcome:   outcome,
		Error:     errMsg,
		StartedAt: started,
		Duration:  time.Since(started),
	}
	ip.emit(in.SocketID, events.TypeTestDeviceNode, in.DeviceID, node, string(branch))
	return branch, step
}

func (ip *Interpreter) shouldLoopAgain(ctx context.Context, in RunInput, p scenario.LoopParams, iteration int) (bool, error) {
	switch p.Kind {
	case scenario.LoopCount:
		return iteration < p.Count, nil
	case scenario.LoopWhileExists:
		return in.Actions.Exists(ctx, p.Selector, p.Strategy)
	case scenario.LoopWhileNotExists:
		ok, err := in.Actions.Exists(ctx, p.Selector, p.Strategy)
		return !ok, err
	default:
		return false, nil
	}
}

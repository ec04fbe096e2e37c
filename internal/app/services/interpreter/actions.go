package interpreter

import (
	"context"
	"errors"
	"fmt"
	"time"

	core "github.com/devicelab/orchestrator/internal/app/core/service"
	"github.com/devicelab/orchestrator/internal/app/domain/report"
	"github.com/devicelab/orchestrator/internal/app/domain/scenario"
	"github.com/devicelab/orchestrator/internal/app/driver"
	"github.com/devicelab/orchestrator/internal/app/events"
)

// classifyOutcome distinguishes an expected timeout (driver.ErrElementNotFound
// / driver.ErrImageNotFound: the predicate never went true in time) from a
// driver-thrown error (anything else: connection lost, unsupported call,
// malformed selector). The two map to StepFailed and StepError respectively
// (§4.B, §7).
func classifyOutcome(err error) report.StepOutcome {
	if err == nil {
		return report.StepPassed
	}
	if errors.Is(err, driver.ErrElementNotFound) || errors.Is(err, driver.ErrImageNotFound) {
		return report.StepFailed
	}
	return report.StepError
}

// touchRetryPolicy covers the 2-3x retry window the touch family gets on
// transient driver faults (§4.B action vocabulary table).
var touchRetryPolicy = core.RetryPolicy{
	Attempts:       3,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     800 * time.Millisecond,
	Multiplier:     2,
}

func isWaitKind(kind scenario.ActionKind) bool {
	switch kind {
	case scenario.ActionWait,
		scenario.ActionWaitUntilExists,
		scenario.ActionWaitUntilGone,
		scenario.ActionWaitUntilText,
		scenario.ActionWaitUntilTextGone,
		scenario.ActionWaitUntilImage,
		scenario.ActionWaitUntilImageGone:
		return true
	default:
		return false
	}
}

// runAction executes one action node, returning every StepResult it
// produced and whether the failure (if any) should abort the scenario.
// Captured screenshot paths, if any, are appended to shots.
func (ip *Interpreter) runAction(ctx context.Context, in RunInput, node scenario.Node, shots *[]string) ([]report.StepResult, bool) {
	params := node.Action
	started := time.Now().UTC()
	var steps []report.StepResult

	waiting := isWaitKind(params.Kind)
	if waiting {
		steps = append(steps, report.StepResult{
			NodeID:    node.ID,
			Label:     node.Label,
			Outcome:   report.StepWaiting,
			StartedAt: started,
		})
		ip.emit(in.SocketID, events.TypeTestDeviceNode, in.DeviceID, node, "waiting")
	} else {
		ip.emit(in.SocketID, events.TypeTestDeviceNode, in.DeviceID, node, "running")
	}

	execErr := ip.dispatchAction(ctx, in, *params, shots)

	finishedAt := time.Now().UTC()
	finalStart := started
	if waiting && finishedAt.Sub(started) > waitingBackdate {
		finalStart = finishedAt.Add(-waitingBackdate)
	}

	outcome := classifyOutcome(execErr)
	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	}

	steps = append(steps, report.StepResult{
		NodeID:    node.ID,
		Label:     node.Label,
		Outcome:   outcome,
		Error:     errMsg,
		StartedAt: finalStart,
		Duration:  finishedAt.Sub(finalStart),
	})

	ip.emit(in.SocketID, events.TypeTestDeviceNode, in.DeviceID, node, string(outcome))

	if in.CaptureScreenshots {
		ip.captureScreenshot(ctx, in, node.ID, driver.ArtifactStep, shots)
	}

	fatal := execErr != nil && !params.ContinueOnError
	return steps, fatal
}

func (ip *Interpreter) dispatchAction(ctx context.Context, in RunInput, p scenario.ActionParams, shots *[]string) error {
	actions := in.Actions
	timeout := p.EffectiveTimeout()
	interval := p.EffectiveInterval()

	switch p.Kind {
	case scenario.ActionTap:
		return core.Retry(ctx, touchRetryPolicy, func() error { return actions.Tap(ctx, p.X, p.Y) })
	case scenario.ActionTapElement:
		return core.Retry(ctx, touchRetryPolicy, func() error { return actions.TapElement(ctx, p.Selector, p.Strategy, timeout) })
	case scenario.ActionLongPress:
		return core.Retry(ctx, touchRetryPolicy, func() error { return actions.LongPress(ctx, p.X, p.Y, p.Duration) })
	case scenario.ActionSwipe:
		return core.Retry(ctx, touchRetryPolicy, func() error { return actions.Swipe(ctx, p.X, p.Y, p.X2, p.Y2, p.Duration) })
	case scenario.ActionDoubleTap:
		return core.Retry(ctx, touchRetryPolicy, func() error { return actions.DoubleTap(ctx, p.X, p.Y) })

	case scenario.ActionWait:
		return waitFor(ctx, in.Stop, p.Duration)
	case scenario.ActionWaitUntilExists:
		return pollUntil(ctx, in.Stop, timeout, interval, func() (bool, error) { return actions.Exists(ctx, p.Selector, p.Strategy) })
	case scenario.ActionWaitUntilGone:
		return pollUntil(ctx, in.Stop, timeout, interval, func() (bool, error) {
			ok, err := actions.Exists(ctx, p.Selector, p.Strategy)
			return !ok, err
		})
	case scenario.ActionWaitUntilText:
		return pollUntil(ctx, in.Stop, timeout, interval, func() (bool, error) { return actions.TextExists(ctx, p.Text) })
	case scenario.ActionWaitUntilTextGone:
		return pollUntil(ctx, in.Stop, timeout, interval, func() (bool, error) {
			ok, err := actions.TextExists(ctx, p.Text)
			return !ok, err
		})
	case scenario.ActionWaitUntilImage:
		return pollUntil(ctx, in.Stop, timeout, interval, func() (bool, error) {
			_, _, found, err := actions.FindImage(ctx, p.TemplateID)
			return found, err
		})
	case scenario.ActionWaitUntilImageGone:
		return pollUntil(ctx, in.Stop, timeout, interval, func() (bool, error) {
			_, _, found, err := actions.FindImage(ctx, p.TemplateID)
			return !found, err
		})

	case scenario.ActionLaunchApp:
		if in.Scenario.PackageID == "" && p.Package == "" {
			return fmt.Errorf("interpreter: launchApp requires a known package")
		}
		pkg := p.Package
		if pkg == "" {
			pkg = in.Scenario.PackageID
		}
		return actions.LaunchApp(ctx, pkg)
	case scenario.ActionTerminateApp:
		return actions.TerminateApp(ctx, p.Package)
	case scenario.ActionRestartApp:
		return actions.RestartApp(ctx, p.Package)
	case scenario.ActionClearData:
		return actions.ClearData(ctx, p.Package)
	case scenario.ActionClearCache:
		return actions.ClearCache(ctx, p.Package)

	case scenario.ActionBack:
		return actions.Back(ctx)
	case scenario.ActionHome:
		return actions.Home(ctx)

	case scenario.ActionInputText:
		return actions.InputText(ctx, p.Text)
	case scenario.ActionClearText:
		return actions.ClearText(ctx)
	case scenario.ActionPressKey:
		return actions.PressKey(ctx, p.Keycode)

	case scenario.ActionTapImage:
		x, y, found, err := actions.FindImage(ctx, p.TemplateID)
		if err != nil {
			return err
		}
		if !found {
			return driver.ErrImageNotFound
		}
		ip.captureScreenshot(ctx, in, p.TemplateID, driver.ArtifactHighlight, shots)
		return actions.Tap(ctx, x, y)

	default:
		return fmt.Errorf("interpreter: unknown action kind %q", p.Kind)
	}
}

// waitFor sleeps for d, honoring both ctx and the per-run stop signal.
func waitFor(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return nil
	}
}

// pollUntil ticks at interval until predicate reports true, timeout elapses,
// or the run is cancelled.
func pollUntil(ctx context.Context, stop <-chan struct{}, timeout, interval time.Duration, predicate func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := predicate()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return driver.ErrElementNotFound
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		}
	}
}

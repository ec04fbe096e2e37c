// Package interpreter walks a single scenario graph on one device (§4.B), dispatching action/condition/loop nodes and recording a
// report.DeviceScenarioResult.
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
	"github.com/devicelab/orchestrator/pkg/logger"
)

// autoTerminateDelay is how long after a fatal failure the interpreter waits
// before issuing a best-effort, uninspected app-terminate (§4.B).
const autoTerminateDelay = 10 * time.Second

// waitingBackdate shifts a blocking action's final StepResult.StartedAt
// earlier so a UI timeline can draw the "waiting" marker and the terminal
// marker as adjacent, non-overlapping bands.
const waitingBackdate = 1 * time.Second

// errCycleDetected marks an attempt to revisit a non-loop node.
var errCycleDetected = errors.New("interpreter: cycle detected at non-loop node")

// errDeadEnd marks a node with no outgoing connection for the branch taken.
var errDeadEnd = errors.New("interpreter: no outgoing connection for branch")

// RunInput is everything the interpreter needs to walk one scenario on one
// device (§4.B).
type RunInput struct {
	Scenario    scenario.Scenario
	DeviceID    string
	RepeatIndex int
	Actions     driver.ActionsHandle
	Stop        <-chan struct{}
	SocketID    string

	// CaptureScreenshots takes a "step" screenshot after every action and
	// condition node (§3, §6).
	CaptureScreenshots bool
	// CaptureOnComplete takes one closing screenshot when the walk ends,
	// tagged "final" on success/stop or "failed" on a fatal failure (§3, §6).
	CaptureOnComplete bool
}

// Interpreter walks scenario graphs. It is stateless across calls: all
// per-run state (visited set, loop counters) lives in a single Run
// invocation.
type Interpreter struct {
	emitter events.Emitter
	log     *logger.Logger
	tracer  core.Tracer
}

// Option configures an Interpreter at construction time.
type Option func(*Interpreter)

// WithLogger overrides the default logger.
func WithLogger(log *logger.Logger) Option {
	return func(i *Interpreter) { i.log = log }
}

// WithTracer overrides the default no-op tracer.
func WithTracer(t core.Tracer) Option {
	return func(i *Interpreter) { i.tracer = t }
}

// New constructs an Interpreter that emits progress through emitter.
func New(emitter events.Emitter, opts ...Option) *Interpreter {
	ip := &Interpreter{
		emitter: emitter,
		log:     logger.NewDefault("interpreter"),
		tracer:  core.NoopTracer,
	}
	for _, opt := range opts {
		opt(ip)
	}
	return ip
}

// walkState is the interpreter's scratch state for one Run call. Using an
// explicit loop over node ids (rather than recursion) caps call depth
// regardless of scenario size.
type walkState struct {
	visited      map[string]bool
	loopCounters map[string]int
}

// Run walks in.Scenario starting at its unique start node until it reaches
// an end node, the stop signal fires, an unrecoverable error occurs, or a
// cycle is detected at a non-loop node.
func (ip *Interpreter) Run(ctx context.Context, in RunInput) report.DeviceScenarioResult {
	startedAt := time.Now().UTC()
	ctx, end := ip.tracer.StartSpan(ctx, "interpreter.Run", map[string]string{
		"device_id":   in.DeviceID,
		"scenario_id": in.Scenario.ID,
	})
	var runErr error
	defer func() { end(runErr) }()

	result := report.DeviceScenarioResult{
		DeviceID:    in.DeviceID,
		ScenarioID:  in.Scenario.ID,
		RepeatIndex: in.RepeatIndex,
		StartedAt:   startedAt,
	}

	startNode, ok := in.Scenario.StartNode()
	if !ok {
		runErr = fmt.Errorf("interpreter: scenario %s has no start node", in.Scenario.ID)
		result.Status = report.ScenarioFailed
		result.FinishedAt = time.Now().UTC()
		return result
	}

	state := &walkState{
		visited:      make(map[string]bool),
		loopCounters: make(map[string]int),
	}

	var screenshots []string
	currentID := startNode.ID
	status := report.ScenarioCompleted

runLoop:
	for {
		select {
		case <-in.Stop:
			result.Steps = append(result.Steps, report.StepResult{
				NodeID:    currentID,
				Outcome:   report.StepSkipped,
				StartedAt: time.Now().UTC(),
			})
			status = report.ScenarioStopped
			break runLoop
		default:
		}

		node, ok := in.Scenario.NodeByID(currentID)
		if !ok {
			runErr = fmt.Errorf("interpreter: dangling connection to node %s", currentID)
			status = report.ScenarioFailed
			break runLoop
		}

		var (
			nextID  string
			advance bool
		)

		switch node.Type {
		case scenario.NodeStart:
			ip.emit(in.SocketID, events.TypeTestDeviceNode, in.DeviceID, node, "running")
			nextID, advance = in.Scenario.NextByBranch(currentID, scenario.BranchNone)

		case scenario.NodeEnd:
			ip.emit(in.SocketID, events.TypeTestDeviceScenarioDone, in.DeviceID, node, "passed")
			break runLoop

		case scenario.NodeAction:
			if state.visited[currentID] {
				runErr = errCycleDetected
				status = report.ScenarioFailed
				break runLoop
			}
			state.visited[currentID] = true

			stepResult, fatal := ip.runAction(ctx, in, node, &screenshots)
			result.Steps = append(result.Steps, stepResult...)
			if fatal {
				status = report.ScenarioFailed
				ip.scheduleAutoTerminate(in)
				break runLoop
			}
			nextID, advance = in.Scenario.NextByBranch(currentID, scenario.BranchNone)

		case scenario.NodeCondition:
			if state.visited[currentID] {
				runErr = errCycleDetected
				status = report.ScenarioFailed
				break runLoop
			}
			state.visited[currentID] = true

			branch, stepResult := ip.evalCondition(ctx, in, node, &screenshots)
			result.Steps = append(result.Steps, stepResult)
			nextID, advance = in.Scenario.NextByBranch(currentID, branch)

		case scenario.NodeLoop:
			branch, stepResult := ip.evalLoop(ctx, in, node, state)
			result.Steps = append(result.Steps, stepResult)
			if branch == scenario.BranchLoop {
				// Each loop iteration may revisit its body nodes.
				state.visited = make(map[string]bool)
			}
			nextID, advance = in.Scenario.NextByBranch(currentID, branch)

		default:
			runErr = fmt.Errorf("interpreter: unknown node type %q", node.Type)
			status = report.ScenarioFailed
			break runLoop
		}

		if !advance {
			runErr = fmt.Errorf("%w: node %s", errDeadEnd, currentID)
			status = report.ScenarioFailed
			break runLoop
		}
		currentID = nextID
	}

	if in.CaptureOnComplete {
		kind := driver.ArtifactFinal
		if status == report.ScenarioFailed {
			kind = driver.ArtifactFailed
		}
		ip.captureScreenshot(ctx, in, currentID, kind, &screenshots)
	}

	result.Screenshots = screenshots
	result.Status = status
	result.FinishedAt = time.Now().UTC()
	return result
}

// captureScreenshot takes a best-effort screenshot and appends its path to
// *shots. Capture failures never fail the step they're attached to; they're
// logged at debug and dropped.
func (ip *Interpreter) captureScreenshot(ctx context.Context, in RunInput, nodeID string, kind driver.ArtifactKind, shots *[]string) {
	if in.Actions == nil || shots == nil {
		return
	}
	path, err := in.Actions.Screenshot(ctx, nodeID, kind)
	if err != nil {
		ip.log.WithField("device_id", in.DeviceID).WithField("node_id", nodeID).WithError(err).Debug("screenshot capture failed")
		return
	}
	*shots = append(*shots, path)
}

func (ip *Interpreter) emit(socketID string, typ events.Type, deviceID string, node scenario.Node, state string) {
	if ip.emitter == nil {
		return
	}
	ip.emitter.Emit(events.New(typ, socketID, map[string]any{
		"deviceId": deviceID,
		"nodeId":   node.ID,
		"nodeType": string(node.Type),
		"state":    state,
	}))
}

// scheduleAutoTerminate issues a best-effort, uninspected app-terminate
// autoTerminateDelay after a fatal scenario failure, per §4.B.
func (ip *Interpreter) scheduleAutoTerminate(in RunInput) {
	if in.Scenario.PackageID == "" || in.Actions == nil {
		return
	}
	pkg := in.Scenario.PackageID
	actions := in.Actions
	deviceID := in.DeviceID
	log := ip.log
	go func() {
		select {
		case <-time.After(autoTerminateDelay):
		case <-in.Stop:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := actions.TerminateApp(ctx, pkg); err != nil {
			log.WithField("device_id", deviceID).WithField("package", pkg).WithError(err).Debug("auto-terminate after failure did not complete")
		}
	}()
}

// Package report models the results produced by the interpreter, dispatcher,
// and executor (§3, §4.D).
package report

import "time"

// StepOutcome is the result of executing a single scenario graph node.
type StepOutcome string

const (
	StepPassed StepOutcome = "passed"
	// StepFailed marks an expected negative outcome: a wait/condition
	// predicate never became true before its timeout elapsed.
	StepFailed StepOutcome = "failed"
	// StepError marks an unexpected outcome: the driver itself threw
	// (connection lost, unsupported call, malformed selector) rather than
	// the predicate simply evaluating false. Distinguished from StepFailed
	// because failure-screenshot policy and report failureType tagging
	// treat the two differently (§7).
	StepError   StepOutcome = "error"
	StepSkipped StepOutcome = "skipped"
	// StepWaiting marks the marker appended before a blocking wait-family
	// action, distinct from its terminal passed/failed/error marker.
	StepWaiting StepOutcome = "waiting"
)

// StepResult records the outcome of one interpreter step.
type StepResult struct {
	NodeID    string
	Label     string
	Outcome   StepOutcome
	Error     string
	StartedAt time.Time
	Duration  time.Duration
}

// ScenarioStatus is the terminal status of one scenario run on one device.
type ScenarioStatus string

const (
	ScenarioCompleted ScenarioStatus = "completed"
	ScenarioFailed    ScenarioStatus = "failed"
	ScenarioStopped   ScenarioStatus = "stopped"
	// ScenarioSkipped marks a device that entered execution but never ran a
	// scenario step on it (its session was missing or lost before the first
	// node). Every device that entered execution still gets a result (§8).
	ScenarioSkipped ScenarioStatus = "skipped"
)

// DeviceScenarioResult is the outcome of one scenario run on one device,
// possibly one of several repeats (§4.D).
type DeviceScenarioResult struct {
	DeviceID    string
	ScenarioID  string
	RepeatIndex int
	Status      ScenarioStatus
	Steps       []StepResult
	// Screenshots holds the artifact paths captured during this run, in
	// capture order (§3, §6).
	Screenshots []string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// ExecutionStatus is the aggregate outcome across every device in a test
// execution (§4.D.6).
type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionPartial   ExecutionStatus = "partial"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionStopped   ExecutionStatus = "stopped"
)

// TestReport is the final aggregated result of a submitted test request. When
// the originating queue item was split across two dispatch rounds, Results
// contains device outcomes merged from every execution sharing the split
// group, and SplitGroupID records that shared id.
type TestReport struct {
	ExecutionID  string
	QueueID      string
	SplitGroupID string
	UserName     string
	TestName     string
	Status       ExecutionStatus
	Results      []DeviceScenarioResult
	StartedAt    time.Time
	FinishedAt   time.Time
}

// DeviceRunStatus is the terminal status of one device's run within a
// parallel dispatch (§4.C).
type DeviceRunStatus string

const (
	DeviceRunCompleted DeviceRunStatus = "completed"
	DeviceRunFailed    DeviceRunStatus = "failed"
	DeviceRunStopped   DeviceRunStatus = "stopped"
)

// DeviceRun is one device's outcome within a ParallelReport.
type DeviceRun struct {
	DeviceID string
	Status   DeviceRunStatus
	Steps    []StepResult
	// Screenshots holds the artifact paths captured during this run, in
	// capture order (§3, §6).
	Screenshots []string
	// VideoPath references the recorded screen capture handed to the
	// persistence collaborator, empty if recording was not requested.
	VideoPath  string
	StartedAt  time.Time
	FinishedAt time.Time
}

// ParallelReport is the result of one executeParallel invocation (§4.C),
// identified by a reportId minted as "pr-<uuid>".
type ParallelReport struct {
	ReportID   string
	ScenarioID string
	Runs       []DeviceRun
	StartedAt  time.Time
	FinishedAt time.Time
}

// Package schedule models a recurring test submission managed by the
// schedule manager (§4.F).
package schedule

import "time"

// HistoryCap bounds the ring buffer kept per schedule.
const HistoryCap = 100

// Schedule is a recurring test submission, fired on a cron expression.
type Schedule struct {
	ID               string
	Name             string
	CronExpression   string
	Enabled          bool
	UserName         string
	TestName         string
	DeviceIDs        []string
	ScenarioIDs      []string
	RepeatCount      int
	ScenarioInterval time.Duration
	Priority         int

	NextRunAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunOutcome is the result recorded for one firing of a schedule.
type RunOutcome string

const (
	RunSubmitted RunOutcome = "submitted"
	RunFailed    RunOutcome = "failed"
)

// HistoryEntry records one firing of a schedule.
type HistoryEntry struct {
	FiredAt time.Time
	Outcome RunOutcome
	QueueID string
	Error   string
}

package orchestrator

import "time"

// SubmitRequest is one caller's request to submit a test for queueing (§4.E submitTest).
type SubmitRequest struct {
	DeviceIDs        []string
	ScenarioIDs      []string
	RepeatCount      int
	ScenarioInterval time.Duration
	UserName         string
	SocketID         string
	TestName         string
	Priority         int
	// AllowSplit opts into the split-execution policy (§4.E).
	AllowSplit bool
}

// defaultHistoricalDuration estimates a device's per-scenario run time until
// enough history accumulates to replace it (§4.E, estimated wait).
const defaultHistoricalDuration = 30 * time.Second

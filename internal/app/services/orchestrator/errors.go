package orchestrator

import "errors"

// ErrNoDevices is returned when a submission names no devices.
var ErrNoDevices = errors.New("orchestrator: submission names no devices")

// ErrNoScenarios is returned when a submission names no scenarios.
var ErrNoScenarios = errors.New("orchestrator: submission names no scenarios")

// ErrNotFound is returned when a queue id is unknown.
var ErrNotFound = errors.New("orchestrator: queue item not found")

// ErrNotOwner is returned when a cancel request's socketId does not match
// the item's submitter.
var ErrNotOwner = errors.New("orchestrator: only the submitting socket may cancel this item")

package executor

import "errors"

// ErrNoDevices is returned when the request names no devices.
var ErrNoDevices = errors.New("executor: request names no devices")

// ErrNoScenarios is returned when the request names no scenarios.
var ErrNoScenarios = errors.New("executor: request names no scenarios")

// ErrNoScenariosResolved is returned when every requested scenario failed to
// resolve to a known {package, category} pair.
var ErrNoScenariosResolved = errors.New("executor: no requested scenario resolved")

// ErrNoLiveDevices is returned when every requested device failed session
// validation.
var ErrNoLiveDevices = errors.New("executor: no requested device has a live session")

// ErrExecutionNotFound is returned by Status/Cancel for an unknown execution id.
var ErrExecutionNotFound = errors.New("executor: execution not found")

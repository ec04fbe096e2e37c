package dispatcher

import "errors"

// ErrBusy is returned by ExecuteParallel when another parallel run is
// already in flight; the reportId and per-device artifact directories share
// naming, so only one run is permitted at a time (§4.C).
var ErrBusy = errors.New("dispatcher: a parallel run is already in progress")

// ErrScenarioNotFound is returned when the requested scenario does not exist.
var ErrScenarioNotFound = errors.New("dispatcher: scenario not found")

// ErrNoLiveDevices is returned when every requested device failed session
// validation.
var ErrNoLiveDevices = errors.New("dispatcher: no requested device has a live session")

package executor

import "sync"

// QueueEntry is one resolved (scenario, repeatIndex) unit in an execution's
// replicated per-device sequence (§4.D step 2).
type QueueEntry struct {
	ScenarioID   string
	ScenarioName string
	PackageID    string
	PackageName  string
	AppPackage   string
	CategoryID   string
	CategoryName string
	Order        int
	RepeatIndex  int
}

// executionState tracks one in-flight execution's progress for status
// queries (§4.D steps 4-7). All access is mutex-guarded because device
// runs report progress from their own goroutines.
type executionState struct {
	mu sync.Mutex

	executionID string
	socketID    string
	deviceIDs   []string
	queueLen    int
	total       int
	completed   int
	perDevice   map[string]int
	running     map[string]string // deviceID -> currently running scenario name
	stops       map[string]chan struct{}
}

func newExecutionState(executionID, socketID string, deviceIDs []string, queueLen int) *executionState {
	return &executionState{
		executionID: executionID,
		socketID:    socketID,
		deviceIDs:   deviceIDs,
		queueLen:    queueLen,
		total:       len(deviceIDs) * queueLen,
		perDevice:   make(map[string]int, len(deviceIDs)),
		running:     make(map[string]string, len(deviceIDs)),
		stops:       make(map[string]chan struct{}, len(deviceIDs)),
	}
}

func (e *executionState) stopChan(deviceID string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan struct{})
	e.stops[deviceID] = ch
	return ch
}

func (e *executionState) stopDevice(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.stops[deviceID]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

func (e *executionState) stopAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.stops {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

func (e *executionState) setRunning(deviceID, scenarioName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if scenarioName == "" {
		delete(e.running, deviceID)
		return
	}
	e.running[deviceID] = scenarioName
}

func (e *executionState) advance(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.perDevice[deviceID]++
	e.completed++
}

// Status is a point-in-time snapshot of one execution's progress (§4.D, "Status query").
type Status struct {
	ExecutionID       string
	Completed         int
	Total             int
	Percentage        float64
	PerDeviceProgress map[string]int
	CurrentScenario   string
}

func (e *executionState) snapshot() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	pct := 0.0
	if e.total > 0 {
		pct = float64(e.completed) / float64(e.total) * 100
	}
	perDevice := make(map[string]int, len(e.perDevice))
	for k, v := range e.perDevice {
		perDevice[k] = v
	}
	current := ""
	for _, name := range e.running {
		current = name
		break
	}
	return Status{
		ExecutionID:       e.executionID,
		Completed:         e.completed,
		Total:             e.total,
		Percentage:        pct,
		PerDeviceProgress: perDevice,
		CurrentScenario:   current,
	}
}

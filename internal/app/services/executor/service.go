// Package executor runs a replicated sequence of scenarios across many
// devices, each device progressing through the same ordered queue
// independently (§4.D).
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	core "github.com/devicelab/orchestrator/internal/app/core/service"
	"github.com/devicelab/orchestrator/internal/app/domain/device"
	"github.com/devicelab/orchestrator/internal/app/domain/report"
	"github.com/devicelab/orchestrator/internal/app/events"
	"github.com/devicelab/orchestrator/internal/app/services/interpreter"
	"github.com/devicelab/orchestrator/internal/app/services/registry"
	"github.com/devicelab/orchestrator/internal/app/storage"
	"github.com/devicelab/orchestrator/pkg/logger"
)

// Request is one submitted test execution (§4.D).
type Request struct {
	ExecutionID      string
	DeviceIDs        []string
	ScenarioIDs      []string
	RepeatCount      int
	ScenarioInterval time.Duration
	UserName         string
	SocketID         string
	TestName         string
	// SplitGroupID, when set, causes the final report to merge with any
	// earlier report sharing the same group (§4.E split execution).
	SplitGroupID string
}

// Result is everything Execute reports back to its caller.
type Result struct {
	Report     report.TestReport
	SkippedIDs []string
}

// Service runs test executions (§4.D).
type Service struct {
	scenarios  storage.ScenarioStore
	packages   storage.PackageStore
	categories storage.CategoryStore
	devices    storage.DeviceStore
	reports    storage.ReportStore
	registry   *registry.Registry
	interp     *interpreter.Interpreter
	emitter    events.Emitter

	log    *logger.Logger
	tracer core.Tracer

	mu         sync.Mutex
	executions map[string]*executionState
	current    string
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithLogger overrides the default logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithTracer overrides the default no-op tracer.
func WithTracer(t core.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// New constructs a Service.
func New(
	scenarios storage.ScenarioStore,
	packages storage.PackageStore,
	categories storage.CategoryStore,
	devices storage.DeviceStore,
	reports storage.ReportStore,
	sessions *registry.Registry,
	interp *interpreter.Interpreter,
	emitter events.Emitter,
	opts ...Option,
) *Service {
	s := &Service{
		scenarios:  scenarios,
		packages:   packages,
		categories: categories,
		devices:    devices,
		reports:    reports,
		registry:   sessions,
		interp:     interp,
		emitter:    emitter,
		log:        logger.NewDefault("executor"),
		tracer:     core.NoopTracer,
		executions: make(map[string]*executionState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements system.Service.
func (s *Service) Name() string { return "test-executor" }

// Start implements system.Service; the executor has no background work.
func (s *Service) Start(context.Context) error { return nil }

// Stop signals every in-flight execution to stop.
func (s *Service) Stop(context.Context) error {
	s.mu.Lock()
	states := make([]*executionState, 0, len(s.executions))
	for _, st := range s.executions {
		states = append(states, st)
	}
	s.mu.Unlock()
	for _, st := range states {
		st.stopAll()
	}
	return nil
}

// Descriptor implements system.DescriptorProvider.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:   s.Name(),
		Domain: "orchestration",
		Layer:  core.LayerEngine,
	}.WithCapabilities("execute", "status", "stop-device", "stop-execution")
}

// Execute runs req's scenario sequence on every resolvable, live device and
// blocks until every device run settles (§4.D).
func (s *Service) Execute(ctx context.Context, req Request) (Result, error) {
	if len(req.DeviceIDs) == 0 {
		return Result{}, ErrNoDevices
	}
	if len(req.ScenarioIDs) == 0 {
		return Result{}, ErrNoScenarios
	}
	if req.RepeatCount <= 0 {
		req.RepeatCount = 1
	}

	ctx, end := s.tracer.StartSpan(ctx, "executor.Execute", map[string]string{"user": req.UserName})
	var err error
	defer func() { end(err) }()

	s.emit(req.SocketID, events.TypeTestPreparing, nil)

	deviceIDs := s.resolveTestingDevices(ctx, req.DeviceIDs)

	queueEntries, skippedIDs := s.buildQueue(ctx, req.ScenarioIDs, req.RepeatCount)
	if len(queueEntries) == 0 {
		err = ErrNoScenariosResolved
		return Result{}, err
	}
	if len(skippedIDs) > 0 {
		s.emit(req.SocketID, events.TypeTestScenariosSkipped, map[string]any{"scenarioIds": skippedIDs})
	}

	s.emit(req.SocketID, events.TypeTestSessionValidating, map[string]any{"deviceIds": deviceIDs})
	validation := s.registry.ValidateAndEnsureSessions(ctx, deviceIDs)
	if len(validation.Recreated) > 0 {
		s.emit(req.SocketID, events.TypeTestSessionRecreated, map[string]any{"deviceIds": validation.Recreated})
	}
	if len(validation.Failed) > 0 {
		s.emit(req.SocketID, events.TypeTestSessionFailed, map[string]any{"deviceIds": validation.Failed})
	}
	live := append(append([]string{}, validation.Validated...), validation.Recreated...)
	if len(live) == 0 {
		err = ErrNoLiveDevices
		return Result{}, err
	}

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = "exec-" + uuid.New().String()
	}
	state := newExecutionState(executionID, req.SocketID, live, len(queueEntries))
	s.register(executionID, state)
	defer s.unregister(executionID)

	startedAt := time.Now().UTC()
	s.emit(req.SocketID, events.TypeTestStart, map[string]any{"executionId": executionID, "deviceIds": live})

	results := make([][]report.DeviceScenarioResult, len(live))
	var wg sync.WaitGroup
	for i, deviceID := range live {
		wg.Add(1)
		go func(i int, deviceID string) {
			defer wg.Done()
			results[i] = s.deviceRun(ctx, req, state, deviceID, queueEntries)
		}(i, deviceID)
	}
	wg.Wait()

	var flat []report.DeviceScenarioResult
	for _, r := range results {
		flat = append(flat, r...)
	}

	tr := report.TestReport{
		ExecutionID:  executionID,
		SplitGroupID: req.SplitGroupID,
		UserName:     req.UserName,
		TestName:     req.TestName,
		Status:       aggregateStatus(flat),
		Results:      flat,
		StartedAt:    startedAt,
		FinishedAt:   time.Now().UTC(),
	}

	tr = s.mergeSplit(ctx, tr)

	saved, saveErr := s.reports.SaveTestReport(ctx, tr)
	if saveErr != nil {
		s.log.WithField("execution_id", executionID).WithError(saveErr).Warn("test report persist failed")
		saved = tr
	}

	s.emit(req.SocketID, events.TypeTestComplete, map[string]any{"executionId": executionID, "status": string(saved.Status)})
	return Result{Report: saved, SkippedIDs: skippedIDs}, nil
}

// resolveTestingDevices drops any requested device not in device.RoleTesting,
// when a device store is attached. Without one, every id is passed through.
func (s *Service) resolveTestingDevices(ctx context.Context, deviceIDs []string) []string {
	if s.devices == nil {
		return deviceIDs
	}
	out := make([]string, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		d, err := s.devices.GetDevice(ctx, id)
		if err != nil || d.Role != device.RoleTesting {
			continue
		}
		out = append(out, id)
	}
	return out
}

// buildQueue resolves each scenario (and its {package, category}) for every
// repeat index, collecting ids that failed to resolve (§4.D step 2).
func (s *Service) buildQueue(ctx context.Context, scenarioIDs []string, repeatCount int) ([]QueueEntry, []string) {
	var entries []QueueEntry
	var skipped []string

	order := 0
	for repeatIndex := 1; repeatIndex <= repeatCount; repeatIndex++ {
		for _, scenarioID := range scenarioIDs {
			sc, err := s.scenarios.GetScenario(ctx, scenarioID)
			if err != nil {
				if repeatIndex == 1 {
					skipped = append(skipped, scenarioID)
				}
				continue
			}

			entry := QueueEntry{
				ScenarioID:   sc.ID,
				ScenarioName: sc.Name,
				Order:        order,
				RepeatIndex:  repeatIndex,
			}
			if sc.PackageID != "" && s.packages != nil {
				if pkg, pkgErr := s.packages.GetPackage(ctx, sc.PackageID); pkgErr == nil {
					entry.PackageID = pkg.ID
					entry.PackageName = pkg.Name
					entry.AppPackage = pkg.AppPackage
					if pkg.Category != "" && s.categories != nil {
						if cat, catErr := s.categories.GetCategory(ctx, pkg.Category); catErr == nil {
							entry.CategoryID = cat.ID
							entry.CategoryName = cat.Name
						}
					}
				}
			}
			entries = append(entries, entry)
			order++
		}
	}
	return entries, skipped
}

func (s *Service) deviceRun(ctx context.Context, req Request, state *executionState, deviceID string, queue []QueueEntry) []report.DeviceScenarioResult {
	actions, ok := s.registry.GetActions(deviceID)
	if !ok {
		s.log.WithField("device_id", deviceID).Warn("device entered execution with no live session; recording skipped result")
		now := time.Now().UTC()
		s.emit(req.SocketID, events.TypeTestDeviceComplete, map[string]any{"deviceId": deviceID})
		return []report.DeviceScenarioResult{{
			DeviceID:   deviceID,
			Status:     report.ScenarioSkipped,
			StartedAt:  now,
			FinishedAt: now,
		}}
	}

	stop := state.stopChan(deviceID)
	s.emit(req.SocketID, events.TypeTestDeviceStart, map[string]any{"deviceId": deviceID})

	results := make([]report.DeviceScenarioResult, 0, len(queue))
	for i, entry := range queue {
		sc, err := s.scenarios.GetScenario(ctx, entry.ScenarioID)
		if err != nil {
			break
		}

		state.setRunning(deviceID, entry.ScenarioName)
		s.emit(req.SocketID, events.TypeTestDeviceScenarioStart, map[string]any{"deviceId": deviceID, "scenarioId": sc.ID})

		result := s.interp.Run(ctx, interpreter.RunInput{
			Scenario:    sc,
			DeviceID:    deviceID,
			RepeatIndex: entry.RepeatIndex,
			Actions:     actions,
			Stop:        stop,
			SocketID:    req.SocketID,
		})
		results = append(results, result)
		state.setRunning(deviceID, "")
		state.advance(deviceID)

		s.emit(req.SocketID, events.TypeTestDeviceScenarioDone, map[string]any{"deviceId": deviceID, "scenarioId": sc.ID, "status": string(result.Status)})
		s.emit(req.SocketID, events.TypeTestProgress, statusPayload(state.snapshot()))

		if result.Status != report.ScenarioCompleted {
			break
		}
		if i < len(queue)-1 && req.ScenarioInterval > 0 {
			if !sleepOrStop(req.ScenarioInterval, stop) {
				break
			}
		}
	}

	s.emit(req.SocketID, events.TypeTestDeviceComplete, map[string]any{"deviceId": deviceID})
	return results
}

func sleepOrStop(d time.Duration, stop <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	}
}

func statusPayload(st Status) map[string]any {
	return map[string]any{
		"completed":         st.Completed,
		"total":             st.Total,
		"percentage":        st.Percentage,
		"perDeviceProgress": st.PerDeviceProgress,
	}
}

// aggregateStatus derives the execution-wide status from every device's
// scenario outcomes: completed if every run completed, failed if every run
// failed, stopped if some run was stopped and none completed or failed,
// partial otherwise (§4.D.6).
func aggregateStatus(results []report.DeviceScenarioResult) report.ExecutionStatus {
	if len(results) == 0 {
		return report.ExecutionFailed
	}
	completed, failed, stopped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case report.ScenarioCompleted:
			completed++
		case report.ScenarioFailed:
			failed++
		case report.ScenarioStopped:
			stopped++
		}
	}
	switch {
	case stopped > 0 && completed == 0 && failed == 0:
		return report.ExecutionStopped
	case completed == len(results):
		return report.ExecutionCompleted
	case failed == len(results):
		return report.ExecutionFailed
	default:
		return report.ExecutionPartial
	}
}

// mergeSplit folds tr into any earlier report sharing the same SplitGroupID,
// so a test split across two dispatch rounds yields one consolidated report
// (§4.E).
func (s *Service) mergeSplit(ctx context.Context, tr report.TestReport) report.TestReport {
	if tr.SplitGroupID == "" || s.reports == nil {
		return tr
	}
	prior, found, err := s.reports.FindTestReportBySplitGroup(ctx, tr.SplitGroupID)
	if err != nil || !found {
		return tr
	}
	merged := tr
	merged.Results = append(append([]report.DeviceScenarioResult{}, prior.Results...), tr.Results...)
	merged.Status = aggregateStatus(merged.Results)
	if prior.StartedAt.Before(merged.StartedAt) {
		merged.StartedAt = prior.StartedAt
	}
	return merged
}

func (s *Service) register(executionID string, state *executionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[executionID] = state
	s.current = executionID
}

func (s *Service) unregister(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.executions, executionID)
	if s.current == executionID {
		s.current = ""
		for id := range s.executions {
			s.current = id
			break
		}
	}
}

// Status returns the current progress snapshot for executionID, or for the
// "current" execution when executionID is empty (§4.D, "Status query").
func (s *Service) Status(executionID string) (Status, error) {
	s.mu.Lock()
	if executionID == "" {
		executionID = s.current
	}
	state, ok := s.executions[executionID]
	s.mu.Unlock()
	if !ok {
		return Status{}, ErrExecutionNotFound
	}
	return state.snapshot(), nil
}

// StopDevice signals one device's sequence, within executionID, to stop.
func (s *Service) StopDevice(executionID, deviceID string) error {
	s.mu.Lock()
	state, ok := s.executions[executionID]
	s.mu.Unlock()
	if !ok {
		return ErrExecutionNotFound
	}
	state.stopDevice(deviceID)
	return nil
}

// StopExecution signals every device in executionID to stop.
func (s *Service) StopExecution(executionID string) error {
	s.mu.Lock()
	state, ok := s.executions[executionID]
	s.mu.Unlock()
	if !ok {
		return ErrExecutionNotFound
	}
	state.stopAll()
	s.emit(state.socketID, events.TypeTestStopping, map[string]any{"executionId": executionID})
	return nil
}

func (s *Service) emit(socketID string, typ events.Type, payload map[string]any) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(events.New(typ, socketID, payload))
}

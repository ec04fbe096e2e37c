// Package dispatcher fans one scenario across N devices, aggregating
// per-device results into a single ParallelReport (§4.C).
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	core "github.com/devicelab/orchestrator/internal/app/core/service"
	"github.com/devicelab/orchestrator/internal/app/domain/report"
	"github.com/devicelab/orchestrator/internal/app/driver"
	"github.com/devicelab/orchestrator/internal/app/events"
	"github.com/devicelab/orchestrator/internal/app/services/interpreter"
	"github.com/devicelab/orchestrator/internal/app/services/registry"
	"github.com/devicelab/orchestrator/internal/app/storage"
	"github.com/devicelab/orchestrator/pkg/logger"
)

// Options configures one executeParallel call (§4.C).
type Options struct {
	CaptureScreenshots bool
	CaptureOnComplete  bool
	RecordVideo        bool
}

// Service runs one scenario on many devices concurrently. Only one run may
// be active at a time because the reportId and per-device artifact
// directories share naming (§4.C).
type Service struct {
	mu      sync.Mutex
	running bool
	stops   map[string]chan struct{}

	scenarios storage.ScenarioStore
	reports   storage.ReportStore
	registry  *registry.Registry
	interp    *interpreter.Interpreter
	emitter   events.Emitter

	log    *logger.Logger
	tracer core.Tracer
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
	reports storage.ReportStore,
	sessions *registry.Registry,
	interp *interpreter.Interpreter,
	emitter events.Emitter,
	opts ...Option,
) *Service {
	s := &Service{
		stops:     make(map[string]chan struct{}),
		scenarios: scenarios,
		reports:   reports,
		registry:  sessions,
		interp:    interp,
		emitter:   emitter,
		log:       logger.NewDefault("dispatcher"),
		tracer:    core.NoopTracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements system.Service.
func (s *Service) Name() string { return "parallel-dispatcher" }

// Start implements system.Service; the dispatcher has no background work.
func (s *Service) Start(context.Context) error { return nil }

// Stop cancels any in-flight run.
func (s *Service) Stop(context.Context) error {
	s.StopAll()
	return nil
}

// Descriptor implements system.DescriptorProvider.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:   s.Name(),
		Domain: "orchestration",
		Layer:  core.LayerEngine,
	}.WithCapabilities("execute-parallel", "stop-device", "stop-all")
}

// ExecuteParallel runs scenarioID on every device in deviceIDs concurrently
// and aggregates the results into a ParallelReport (§4.C).
func (s *Service) ExecuteParallel(ctx context.Context, scenarioID string, deviceIDs []string, opts Options) (report.ParallelReport, error) {
	ctx, end := s.tracer.StartSpan(ctx, "dispatcher.ExecuteParallel", map[string]string{"scenario_id": scenarioID})
	var err error
	defer func() { end(err) }()

	sc, getErr := s.scenarios.GetScenario(ctx, scenarioID)
	if getErr != nil {
		err = fmt.Errorf("%w: %s", ErrScenarioNotFound, scenarioID)
		return report.ParallelReport{}, err
	}

	validation := s.registry.ValidateAndEnsureSessions(ctx, deviceIDs)
	live := append(append([]string{}, validation.Validated...), validation.Recreated...)
	if len(live) == 0 {
		err = ErrNoLiveDevices
		return report.ParallelReport{}, err
	}

	if !s.tryStart() {
		err = ErrBusy
		return report.ParallelReport{}, err
	}
	defer s.finish()

	reportID := "pr-" + uuid.New().String()
	startedAt := time.Now().UTC()

	s.emit(events.TypeParallelStart, map[string]any{"reportId": reportID, "scenarioId": scenarioID, "deviceIds": live})

	runs := make([]report.DeviceRun, len(live))
	var wg sync.WaitGroup
	for i, deviceID := range live {
		wg.Add(1)
		go func(i int, deviceID string) {
			defer wg.Done()
			runs[i] = s.deviceRun(ctx, reportID, sc.ID, deviceID, opts)
		}(i, deviceID)
	}
	wg.Wait()

	pr := report.ParallelReport{
		ReportID:   reportID,
		ScenarioID: sc.ID,
		Runs:       runs,
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
	}

	saved, saveErr := s.reports.SaveParallelReport(ctx, pr)
	if saveErr != nil {
		s.log.WithField("report_id", reportID).WithError(saveErr).Warn("parallel report persist failed")
		saved = pr
	}

	s.emit(events.TypeParallelComplete, map[string]any{"reportId": reportID})
	return saved, nil
}

func (s *Service) deviceRun(ctx context.Context, reportID, scenarioID, deviceID string, opts Options) report.DeviceRun {
	sc, _ := s.scenarios.GetScenario(ctx, scenarioID)
	startedAt := time.Now().UTC()
	stop := s.registerStop(deviceID)
	defer s.clearStop(deviceID)

	driverHandle, _ := s.registry.GetDriver(deviceID)
	actions, ok := s.registry.GetActions(deviceID)
	if !ok {
		return report.DeviceRun{
			DeviceID:   deviceID,
			Status:     report.DeviceRunFailed,
			StartedAt:  startedAt,
			FinishedAt: time.Now().UTC(),
		}
	}

	if opts.RecordVideo && driverHandle != nil {
		if err := driverHandle.StartRecording(ctx, driver.DefaultRecordingOptions); err != nil {
			s.log.WithField("device_id", deviceID).WithError(err).Warn("recording start failed")
		}
	}

	result := s.interp.Run(ctx, interpreter.RunInput{
		Scenario:           sc,
		DeviceID:           deviceID,
		Actions:            actions,
		Stop:               stop,
		CaptureScreenshots: opts.CaptureScreenshots,
		CaptureOnComplete:  opts.CaptureOnComplete,
	})

	videoPath := ""
	if opts.RecordVideo && driverHandle != nil {
		path, err := driverHandle.StopRecording(ctx)
		if err != nil {
			s.log.WithField("device_id", deviceID).WithError(err).Warn("recording stop failed")
		}
		videoPath = path
	}

	status := report.DeviceRunCompleted
	switch result.Status {
	case report.ScenarioFailed:
		status = report.DeviceRunFailed
	case report.ScenarioStopped:
		status = report.DeviceRunStopped
	}

	return report.DeviceRun{
		DeviceID:    deviceID,
		Status:      status,
		Steps:       result.Steps,
		Screenshots: result.Screenshots,
		VideoPath:   videoPath,
		StartedAt:   startedAt,
		FinishedAt:  result.FinishedAt,
	}
}

// StopDevice signals the in-flight run on deviceID to stop, if any.
func (s *Service) StopDevice(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.stops[deviceID]; ok {
		closeOnce(ch)
	}
}

// StopAll signals every in-flight device run to stop.
func (s *Service) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.stops {
		closeOnce(ch)
	}
}

func (s *Service) registerStop(deviceID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.stops[deviceID] = ch
	return ch
}

func (s *Service) clearStop(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stops, deviceID)
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (s *Service) tryStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Service) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

func (s *Service) emit(typ events.Type, payload map[string]any) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(events.New(typ, "", payload))
}

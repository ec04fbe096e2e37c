package app

import (
	"context"
	"fmt"

	core "github.com/devicelab/orchestrator/internal/app/core/service"
	"github.com/devicelab/orchestrator/internal/app/domain/queue"
	"github.com/devicelab/orchestrator/internal/app/driver"
	"github.com/devicelab/orchestrator/internal/app/events"
	"github.com/devicelab/orchestrator/internal/app/httpapi"
	"github.com/devicelab/orchestrator/internal/app/services/dispatcher"
	"github.com/devicelab/orchestrator/internal/app/services/executor"
	"github.com/devicelab/orchestrator/internal/app/services/interpreter"
	"github.com/devicelab/orchestrator/internal/app/services/orchestrator"
	"github.com/devicelab/orchestrator/internal/app/services/registry"
	"github.com/devicelab/orchestrator/internal/app/services/scheduler"
	"github.com/devicelab/orchestrator/internal/app/storage"
	"github.com/devicelab/orchestrator/internal/app/system"
	"github.com/devicelab/orchestrator/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Devices    storage.DeviceStore
	Scenarios  storage.ScenarioStore
	Packages   storage.PackageStore
	Categories storage.CategoryStore
	Wifi       storage.WifiStore
	Reports    storage.ReportStore
	Schedules  storage.ScheduleStore
}

func (s *Stores) applyDefaults(mem *storage.Memory) {
	if s == nil || mem == nil {
		return
	}
	if s.Devices == nil {
		s.Devices = mem
	}
	if s.Scenarios == nil {
		s.Scenarios = mem
	}
	if s.Packages == nil {
		s.Packages = mem
	}
	if s.Categories == nil {
		s.Categories = mem
	}
	if s.Wifi == nil {
		s.Wifi = mem
	}
	if s.Reports == nil {
		s.Reports = mem
	}
	if s.Schedules == nil {
		s.Schedules = mem
	}
}

// Option customizes the application runtime.
type Option func(*builderConfig)

type builderConfig struct {
	httpAddr      string
	driverFactory driver.Factory
}

// WithHTTPAddr overrides the address the HTTP API binds to.
func WithHTTPAddr(addr string) Option {
	return func(b *builderConfig) { b.httpAddr = addr }
}

// WithDriverFactory overrides the automation-driver factory backing every
// device session. Defaults to driver.NewMockFactory(); the real ADB/WebDriver
// bridge is an external collaborator this module never implements (§1).
func WithDriverFactory(f driver.Factory) Option {
	return func(b *builderConfig) { b.driverFactory = f }
}

func resolveBuilderOptions(opts ...Option) builderConfig {
	b := builderConfig{
		httpAddr:      ":8080",
		driverFactory: driver.NewMockFactory(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// Application wires every orchestration service together and manages their
// lifecycle through a system.Manager.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Registry     *registry.Registry
	Interpreter  *interpreter.Interpreter
	Dispatcher   *dispatcher.Service
	Executor     *executor.Service
	Orchestrator *orchestrator.Service
	Scheduler    *scheduler.Service
	Bus          *events.Bus
	HTTP         *httpapi.Service

	descriptors []core.Descriptor
}

// orchestratorSubmitter adapts *orchestrator.Service to scheduler.Submitter.
// The two packages define structurally identical but distinct request types
// to avoid an import cycle between them.
type orchestratorSubmitter struct{ orch *orchestrator.Service }

func (o orchestratorSubmitter) SubmitTest(ctx context.Context, req scheduler.SubmitRequest) (queue.Item, error) {
	return o.orch.SubmitTest(ctx, orchestrator.SubmitRequest{
		DeviceIDs:        req.DeviceIDs,
		ScenarioIDs:      req.ScenarioIDs,
		RepeatCount:      req.RepeatCount,
		ScenarioInterval: req.ScenarioInterval,
		UserName:         req.UserName,
		TestName:         req.TestName,
		Priority:         req.Priority,
	})
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, log *logger.Logger, opts ...Option) (*Application, error) {
	options := resolveBuilderOptions(opts...)
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := storage.NewMemory()
	stores.applyDefaults(mem)

	manager := system.NewManager()

	bus := events.NewBus(log)
	reg := registry.New(options.driverFactory)
	interp := interpreter.New(bus)
	disp := dispatcher.New(stores.Scenarios, stores.Reports, reg, interp, bus, dispatcher.WithLogger(log))
	exec := executor.New(stores.Scenarios, stores.Packages, stores.Categories, stores.Devices, stores.Reports, reg, interp, bus, executor.WithLogger(log))
	orch := orchestrator.New(exec, bus, orchestrator.WithLogger(log), orchestrator.WithDeviceStore(stores.Devices))
	sched := scheduler.New(stores.Schedules, orchestratorSubmitter{orch: orch}, scheduler.WithLogger(log), scheduler.WithEmitter(bus))

	httpSvc := httpapi.NewService(options.httpAddr, httpapi.Deps{
		Devices:      stores.Devices,
		Sessions:     reg,
		Dispatcher:   disp,
		Executor:     exec,
		Orchestrator: orch,
		Scheduler:    sched,
		Bus:          bus,
		Reports:      stores.Reports,
	}, log)

	for _, svc := range []system.Service{bus, disp, exec, orch, sched, httpSvc} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:      manager,
		log:          log,
		Registry:     reg,
		Interpreter:  interp,
		Dispatcher:   disp,
		Executor:     exec,
		Orchestrator: orch,
		Scheduler:    sched,
		Bus:          bus,
		HTTP:         httpSvc,
		descriptors:  manager.Descriptors(),
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services in registration order.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services in reverse registration order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Descriptors returns advertised service descriptors for the
// /system/descriptors introspection route.
func (a *Application) Descriptors() []core.Descriptor {
	out := make([]core.Descriptor, len(a.descriptors))
	copy(out, a.descriptors)
	return out
}

// Package scheduler fires recurring test submissions on a cron schedule,
// handing each firing to the queue orchestrator (§4.F).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	core "github.com/devicelab/orchestrator/internal/app/core/service"
	"github.com/devicelab/orchestrator/internal/app/domain/queue"
	"github.com/devicelab/orchestrator/internal/app/domain/schedule"
	"github.com/devicelab/orchestrator/internal/app/events"
	"github.com/devicelab/orchestrator/internal/app/storage"
	"github.com/devicelab/orchestrator/pkg/logger"
)

// SubmitRequest is the narrowed shape of orchestrator.SubmitRequest the
// scheduler needs to fire a schedule, kept local to avoid an import cycle
// back onto the orchestrator package.
type SubmitRequest struct {
	DeviceIDs        []string
	ScenarioIDs      []string
	RepeatCount      int
	ScenarioInterval time.Duration
	UserName         string
	TestName         string
	Priority         int
}

// Submitter is the queue orchestrator's submission entry point.
type Submitter interface {
	SubmitTest(ctx context.Context, req SubmitRequest) (queue.Item, error)
}

// tickInterval bounds how often pending schedules are checked. Cron
// granularity is one minute so a much finer poll would be wasted work.
const tickInterval = 5 * time.Second

type entry struct {
	schedule schedule.Schedule
	cron     cron.Schedule
}

// Service implements the schedule manager (§4.F).
type Service struct {
	mu      sync.Mutex
	entries map[string]*entry

	store     storage.ScheduleStore
	submitter Submitter
	emitter   events.Emitter
	log       *logger.Logger
	tracer    core.Tracer
	clock     func() time.Time

	stop    chan struct{}
	stopped chan struct{}
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

// WithEmitter attaches the event bus schedule:start/schedule:complete fire
// on (§4.F, §6). Without one, firings are still submitted and recorded to
// history but nothing is broadcast.
func WithEmitter(e events.Emitter) Option {
	return func(s *Service) { s.emitter = e }
}

// withClock overrides the wall clock, for deterministic tests.
func withClock(fn func() time.Time) Option {
	return func(s *Service) { s.clock = fn }
}

// New constructs a Service backed by store and submitter.
func New(store storage.ScheduleStore, submitter Submitter, opts ...Option) *Service {
	s := &Service{
		entries:   make(map[string]*entry),
		store:     store,
		submitter: submitter,
		log:       logger.NewDefault("scheduler"),
		tracer:    core.NoopTracer,
		clock:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements system.Service.
func (s *Service) Name() string { return "schedule-manager" }

// Start loads persisted schedules and begins the firing loop. It returns
// once the initial load completes; the loop itself runs in a background
// goroutine until Stop is called.
func (s *Service) Start(ctx context.Context) error {
	saved, err := s.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list schedules: %w", err)
	}

	s.mu.Lock()
	for _, sch := range saved {
		if !sch.Enabled {
			s.entries[sch.ID] = &entry{schedule: sch}
			continue
		}
		parsed, perr := cron.ParseStandard(sch.CronExpression)
		if perr != nil {
			s.log.WithField("schedule_id", sch.ID).WithError(perr).Warn("dropping schedule with unparsable cron expression")
			continue
		}
		sch.NextRunAt = parsed.Next(s.clock())
		s.entries[sch.ID] = &entry{schedule: sch, cron: parsed}
	}
	s.mu.Unlock()

	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.loop(ctx)
	return nil
}

// Stop halts the firing loop. In-flight firings are not cancelled.
func (s *Service) Stop(context.Context) error {
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	<-s.stopped
	return nil
}

// Descriptor implements system.DescriptorProvider.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:   s.Name(),
		Domain: "orchestration",
		Layer:  core.LayerEngine,
	}.WithCapabilities("create", "enable", "disable", "fire", "history")
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Service) fireDue(ctx context.Context) {
	now := s.clock()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.cron == nil || e.schedule.NextRunAt.IsZero() {
			continue
		}
		if !e.schedule.NextRunAt.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e)
	}
}

func (s *Service) fire(ctx context.Context, e *entry) {
	s.mu.Lock()
	sch := e.schedule
	s.mu.Unlock()

	s.emit(events.TypeScheduleStart, map[string]any{"scheduleId": sch.ID})

	spanCtx, end := s.tracer.StartSpan(ctx, "scheduler.fire", map[string]string{"schedule_id": sch.ID})
	item, err := s.submitter.SubmitTest(spanCtx, SubmitRequest{
		DeviceIDs:        sch.DeviceIDs,
		ScenarioIDs:      sch.ScenarioIDs,
		RepeatCount:      sch.RepeatCount,
		ScenarioInterval: sch.ScenarioInterval,
		UserName:         sch.UserName,
		TestName:         sch.TestName,
		Priority:         sch.Priority,
	})
	end(err)

	hist := schedule.HistoryEntry{FiredAt: s.clock()}
	if err != nil {
		hist.Outcome = schedule.RunFailed
		hist.Error = err.Error()
		s.log.WithField("schedule_id", sch.ID).WithError(err).Warn("schedule firing failed to submit")
	} else {
		hist.Outcome = schedule.RunSubmitted
		hist.QueueID = item.QueueID
	}
	if herr := s.store.AppendHistory(ctx, sch.ID, hist); herr != nil {
		s.log.WithField("schedule_id", sch.ID).WithError(herr).Warn("failed to persist schedule history")
	}
	s.emit(events.TypeScheduleComplete, map[string]any{"scheduleId": sch.ID, "outcome": string(hist.Outcome), "queueId": hist.QueueID})

	s.mu.Lock()
	cur, ok := s.entries[sch.ID]
	if ok && cur.cron != nil {
		cur.schedule.NextRunAt = cur.cron.Next(s.clock())
		cur.schedule.UpdatedAt = s.clock()
		updated := cur.schedule
		s.mu.Unlock()
		if _, serr := s.store.SaveSchedule(ctx, updated); serr != nil {
			s.log.WithField("schedule_id", sch.ID).WithError(serr).Warn("failed to persist next run time")
		}
		return
	}
	s.mu.Unlock()
}

// CreateSchedule validates the cron expression, persists the schedule,
// and registers it for firing (§4.F createSchedule).
func (s *Service) CreateSchedule(ctx context.Context, sch schedule.Schedule) (schedule.Schedule, error) {
	if sch.RepeatCount <= 0 {
		sch.RepeatCount = queue.DefaultRepeatCount
	}
	if sch.ID == "" {
		sch.ID = s.mintID()
	}
	now := s.clock()
	sch.CreatedAt = now
	sch.UpdatedAt = now

	var parsed cron.Schedule
	if sch.Enabled {
		var err error
		parsed, err = cron.ParseStandard(sch.CronExpression)
		if err != nil {
			return schedule.Schedule{}, fmt.Errorf("%w: %s", ErrInvalidCron, err)
		}
		sch.NextRunAt = parsed.Next(now)
	}

	saved, err := s.store.SaveSchedule(ctx, sch)
	if err != nil {
		return schedule.Schedule{}, err
	}

	s.mu.Lock()
	s.entries[saved.ID] = &entry{schedule: saved, cron: parsed}
	s.mu.Unlock()

	return saved, nil
}

// SetEnabled toggles a schedule's enabled flag and re-registers or
// deregisters it accordingly (§4.F enableSchedule/disableSchedule).
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (schedule.Schedule, error) {
	sch, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return schedule.Schedule{}, ErrNotFound
	}

	sch.Enabled = enabled
	sch.UpdatedAt = s.clock()

	var parsed cron.Schedule
	if enabled {
		parsed, err = cron.ParseStandard(sch.CronExpression)
		if err != nil {
			return schedule.Schedule{}, fmt.Errorf("%w: %s", ErrInvalidCron, err)
		}
		sch.NextRunAt = parsed.Next(s.clock())
	} else {
		sch.NextRunAt = time.Time{}
	}

	saved, err := s.store.SaveSchedule(ctx, sch)
	if err != nil {
		return schedule.Schedule{}, err
	}

	s.mu.Lock()
	s.entries[saved.ID] = &entry{schedule: saved, cron: parsed}
	s.mu.Unlock()

	return saved, nil
}

// DeleteSchedule removes a schedule and stops future firings.
func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// ListSchedules returns every known schedule.
func (s *Service) ListSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// History returns scheduleID's fire history, most recent first.
func (s *Service) History(ctx context.Context, scheduleID string) ([]schedule.HistoryEntry, error) {
	entries, err := s.store.ListHistory(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *Service) mintID() string {
	return "sch-" + uuid.New().String()
}

// emit broadcasts a schedule lifecycle event; no subscriber is targeted
// since a cron firing has no owning socket.
func (s *Service) emit(typ events.Type, payload map[string]any) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(events.New(typ, "", payload))
}

// Package orchestrator is the heart of multi-user fairness: it queues
// submissions per requested device, assigns whole device sets to the Test
// Executor once idle, and supports an opt-in split policy when only part of
// a request's devices are idle (§4.E).
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	core "github.com/devicelab/orchestrator/internal/app/core/service"
	"github.com/devicelab/orchestrator/internal/app/domain/device"
	"github.com/devicelab/orchestrator/internal/app/domain/queue"
	"github.com/devicelab/orchestrator/internal/app/domain/report"
	"github.com/devicelab/orchestrator/internal/app/events"
	"github.com/devicelab/orchestrator/internal/app/services/executor"
	"github.com/devicelab/orchestrator/internal/app/storage"
	"github.com/devicelab/orchestrator/pkg/logger"
)

// Dispatcher is the narrow slice of the Test Executor the orchestrator
// depends on.
type Dispatcher interface {
	Execute(ctx context.Context, req executor.Request) (executor.Result, error)
	StopExecution(executionID string) error
}

// Service implements the queue orchestrator (§4.E).
type Service struct {
	mu             sync.Mutex
	items          map[string]*queue.Item
	perDeviceQueue map[string][]string
	deviceBusy     map[string]string
	userIndex      map[string]map[string]struct{}
	avgDuration    map[string]time.Duration

	dispatcher Dispatcher
	devices    storage.DeviceStore
	emitter    events.Emitter
	log        *logger.Logger
	tracer     core.Tracer

	nextSplit int64
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

// WithDeviceStore attaches the device store SubmitTest consults to reject
// editing-role devices at admission time (§4.E). Without one, no role check
// is performed and every requested device id is accepted as-is.
func WithDeviceStore(store storage.DeviceStore) Option {
	return func(s *Service) { s.devices = store }
}

// New constructs a Service backed by dispatcher.
func New(dispatcher Dispatcher, emitter events.Emitter, opts ...Option) *Service {
	s := &Service{
		items:          make(map[string]*queue.Item),
		perDeviceQueue: make(map[string][]string),
		deviceBusy:     make(map[string]string),
		userIndex:      make(map[string]map[string]struct{}),
		avgDuration:    make(map[string]time.Duration),
		dispatcher:     dispatcher,
		emitter:        emitter,
		log:            logger.NewDefault("orchestrator"),
		tracer:         core.NoopTracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements system.Service.
func (s *Service) Name() string { return "queue-orchestrator" }

// Start implements system.Service; the orchestrator has no background work
// beyond what submissions trigger.
func (s *Service) Start(context.Context) error { return nil }

// Stop cancels every queued item; running items are left to finish, matching
// handleSocketDisconnect semantics (§4.E).
func (s *Service) Stop(context.Context) error {
	s.mu.Lock()
	queued := make([]string, 0)
	for id, it := range s.items {
		if it.State == queue.StateQueued {
			queued = append(queued, id)
		}
	}
	s.mu.Unlock()
	for _, id := range queued {
		_, _ = s.CancelTest(id, "")
	}
	return nil
}

// Descriptor implements system.DescriptorProvider.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:   s.Name(),
		Domain: "orchestration",
		Layer:  core.LayerEngine,
	}.WithCapabilities("submit", "cancel", "assign", "estimate-wait")
}

// SubmitTest enqueues req, inserts it into every requested device's queue in
// (priority desc, submittedAt asc) order, and attempts immediate assignment
// (§4.E submitTest). Any requested device whose stored role is not testing
// is rejected rather than admitted: it is never queued, never marked busy,
// and is reported back on the item's RejectedDeviceIDs.
func (s *Service) SubmitTest(ctx context.Context, req SubmitRequest) (queue.Item, error) {
	if len(req.DeviceIDs) == 0 {
		return queue.Item{}, ErrNoDevices
	}
	if len(req.ScenarioIDs) == 0 {
		return queue.Item{}, ErrNoScenarios
	}
	if req.RepeatCount <= 0 {
		req.RepeatCount = queue.DefaultRepeatCount
	}

	accepted, rejected := s.filterTestingDevices(ctx, req.DeviceIDs)
	if len(accepted) == 0 {
		return queue.Item{}, ErrNoDevices
	}
	if len(rejected) > 0 {
		s.emit(req.SocketID, events.TypeError, map[string]any{
			"reason":            "device role rejected",
			"rejectedDeviceIds": rejected,
		})
	}

	item := &queue.Item{
		QueueID:           s.mintQueueID(),
		UserName:          req.UserName,
		SocketID:          req.SocketID,
		TestName:          req.TestName,
		DeviceIDs:         accepted,
		RejectedDeviceIDs: rejected,
		ScenarioIDs:       append([]string{}, req.ScenarioIDs...),
		RepeatCount:       req.RepeatCount,
		ScenarioInterval:  req.ScenarioInterval,
		Priority:          req.Priority,
		State:             queue.StateQueued,
		AllowSplit:        req.AllowSplit,
		SubmittedAt:       time.Now().UTC(),
	}

	s.mu.Lock()
	s.items[item.QueueID] = item
	for _, d := range item.DeviceIDs {
		s.insertSortedLocked(d, item.QueueID)
	}
	if req.SocketID != "" {
		if s.userIndex[req.SocketID] == nil {
			s.userIndex[req.SocketID] = make(map[string]struct{})
		}
		s.userIndex[req.SocketID][item.QueueID] = struct{}{}
	}
	s.mu.Unlock()

	s.emit(req.SocketID, events.TypeQueueSubmitted, map[string]any{"queueId": item.QueueID})
	s.assign(ctx)

	return *item, nil
}

// filterTestingDevices splits requested device ids into those whose stored
// role is testing and those rejected (editing role, or unresolvable). With
// no device store attached every id is accepted as-is.
func (s *Service) filterTestingDevices(ctx context.Context, deviceIDs []string) (accepted, rejected []string) {
	if s.devices == nil {
		return append([]string{}, deviceIDs...), nil
	}
	for _, id := range deviceIDs {
		d, err := s.devices.GetDevice(ctx, id)
		if err != nil || d.Role != device.RoleTesting {
			rejected = append(rejected, id)
			continue
		}
		accepted = append(accepted, id)
	}
	return accepted, rejected
}

// insertSortedLocked inserts queueID into device d's queue maintaining
// (priority desc, submittedAt asc) order, stably.
func (s *Service) insertSortedLocked(d, queueID string) {
	incoming := s.items[queueID]
	qids := s.perDeviceQueue[d]
	pos := sort.Search(len(qids), func(i int) bool {
		other := s.items[qids[i]]
		if other == nil {
			return true
		}
		if other.Priority != incoming.Priority {
			return other.Priority < incoming.Priority
		}
		return other.SubmittedAt.After(incoming.SubmittedAt)
	})
	qids = append(qids, "")
	copy(qids[pos+1:], qids[pos:])
	qids[pos] = queueID
	s.perDeviceQueue[d] = qids
}

type dispatchPlan struct {
	item      *queue.Item
	deviceIDs []string
}

// assign scans every device queue head and dispatches whichever queued item
// has its entire requested device set currently idle. When allowSplit is set
// on an item and only part of its devices are idle, the idle subset is
// dispatched immediately under a fresh queueId sharing SplitGroupID with the
// original, and the remainder stays queued for the rest (§4.E).
func (s *Service) assign(ctx context.Context) {
	s.mu.Lock()
	candidates := s.queuedHeadsLocked()

	var plans []dispatchPlan
	for _, it := range candidates {
		var idle, blocked []string
		for _, d := range it.DeviceIDs {
			if s.isHeadAndIdleLocked(d, it.QueueID) {
				idle = append(idle, d)
			} else {
				blocked = append(blocked, d)
			}
		}

		switch {
		case len(blocked) == 0:
			s.markBusyLocked(it.QueueID, it.QueueID, it.DeviceIDs)
			it.State = queue.StateRunning
			it.ExecutionID = it.QueueID
			it.StartedAt = time.Now().UTC()
			clone := *it
			plans = append(plans, dispatchPlan{item: &clone, deviceIDs: it.DeviceIDs})

		case len(idle) > 0 && it.AllowSplit:
			splitID := s.mintSplitID(it.QueueID)
			splitItem := &queue.Item{
				QueueID:          splitID,
				UserName:         it.UserName,
				SocketID:         it.SocketID,
				TestName:         it.TestName,
				DeviceIDs:        idle,
				ScenarioIDs:      it.ScenarioIDs,
				RepeatCount:      it.RepeatCount,
				ScenarioInterval: it.ScenarioInterval,
				Priority:         it.Priority,
				State:            queue.StateRunning,
				SplitGroupID:     it.QueueID,
				ExecutionID:      splitID,
				SubmittedAt:      it.SubmittedAt,
				StartedAt:        time.Now().UTC(),
			}
			s.items[splitID] = splitItem
			s.markBusyLocked(it.QueueID, splitID, idle)

			it.DeviceIDs = blocked
			it.State = queue.StateSplit
			it.SplitGroupID = it.QueueID

			clone := *splitItem
			plans = append(plans, dispatchPlan{item: &clone, deviceIDs: idle})

		default:
			// Not every device idle and splitting not permitted; stays queued.
		}
	}
	s.mu.Unlock()

	for _, plan := range plans {
		go s.dispatch(ctx, plan.item, plan.deviceIDs)
	}
}

// queuedHeadsLocked returns the distinct head item of every device queue
// that is still waiting to run (Queued, or the Split remainder of a split
// item), sorted by (priority desc, submittedAt asc).
func (s *Service) queuedHeadsLocked() []*queue.Item {
	seen := make(map[string]bool)
	var out []*queue.Item
	for _, qids := range s.perDeviceQueue {
		if len(qids) == 0 {
			continue
		}
		head := qids[0]
		if seen[head] {
			continue
		}
		seen[head] = true
		if it, ok := s.items[head]; ok && (it.State == queue.StateQueued || it.State == queue.StateSplit) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

func (s *Service) isHeadAndIdleLocked(deviceID, queueID string) bool {
	if s.deviceBusy[deviceID] != "" {
		return false
	}
	qids := s.perDeviceQueue[deviceID]
	return len(qids) > 0 && qids[0] == queueID
}

// markBusyLocked marks deviceIDs busy under busyID and pops them off their
// per-device queues, where queuedID is the id actually sitting at the queue
// head (the original item's id even when busyID names a split fragment).
func (s *Service) markBusyLocked(queuedID, busyID string, deviceIDs []string) {
	for _, d := range deviceIDs {
		s.deviceBusy[d] = busyID
		if qids := s.perDeviceQueue[d]; len(qids) > 0 && qids[0] == queuedID {
			s.perDeviceQueue[d] = qids[1:]
		}
	}
}

func (s *Service) dispatch(ctx context.Context, item *queue.Item, deviceIDs []string) {
	s.emit(item.SocketID, events.TypeQueueAssigned, map[string]any{"queueId": item.QueueID, "deviceIds": deviceIDs})

	req := executor.Request{
		ExecutionID:      item.ExecutionID,
		DeviceIDs:        deviceIDs,
		ScenarioIDs:      item.ScenarioIDs,
		RepeatCount:      item.RepeatCount,
		ScenarioInterval: item.ScenarioInterval,
		UserName:         item.UserName,
		SocketID:         item.SocketID,
		TestName:         item.TestName,
		SplitGroupID:     item.SplitGroupID,
	}
	result, err := s.dispatcher.Execute(ctx, req)
	s.onComplete(ctx, item, deviceIDs, result, err)
}

func (s *Service) onComplete(ctx context.Context, item *queue.Item, deviceIDs []string, result executor.Result, err error) {
	finished := time.Now().UTC()

	s.mu.Lock()
	for _, d := range deviceIDs {
		if s.deviceBusy[d] == item.QueueID {
			delete(s.deviceBusy, d)
		}
	}
	s.recordDurationLocked(deviceIDs, item.StartedAt, finished)

	finalState := queue.StateCompleted
	switch {
	case err != nil:
		finalState = queue.StateFailed
	case result.Report.Status == report.ExecutionFailed:
		finalState = queue.StateFailed
	case result.Report.Status == report.ExecutionStopped:
		finalState = queue.StateCancelled
	}
	item.State = finalState
	item.FinishedAt = finished
	delete(s.items, item.QueueID)
	if item.SocketID != "" {
		if set, ok := s.userIndex[item.SocketID]; ok {
			delete(set, item.QueueID)
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.log.WithField("queue_id", item.QueueID).WithError(err).Warn("dispatched execution failed")
	}
	s.assign(ctx)
}

func (s *Service) recordDurationLocked(deviceIDs []string, startedAt, finishedAt time.Time) {
	if finishedAt.Before(startedAt) {
		return
	}
	d := finishedAt.Sub(startedAt)
	for _, id := range deviceIDs {
		s.avgDuration[id] = d
	}
}

// CancelTest cancels a queued item outright, or signals a running item's
// executor to stop; only the submitting socket may cancel (§4.E).
func (s *Service) CancelTest(queueID, socketID string) (queue.Item, error) {
	s.mu.Lock()
	it, ok := s.items[queueID]
	if !ok {
		s.mu.Unlock()
		return queue.Item{}, ErrNotFound
	}
	if socketID != "" && it.SocketID != socketID {
		s.mu.Unlock()
		return queue.Item{}, ErrNotOwner
	}

	switch it.State {
	case queue.StateQueued:
		for _, d := range it.DeviceIDs {
			s.removeFromDeviceQueueLocked(d, queueID)
		}
		it.State = queue.StateCancelled
		it.FinishedAt = time.Now().UTC()
		delete(s.items, queueID)
		if set, ok := s.userIndex[it.SocketID]; ok {
			delete(set, queueID)
		}
		snapshot := *it
		s.mu.Unlock()
		s.emit(it.SocketID, events.TypeQueueCancelResponse, map[string]any{"queueId": queueID, "status": "cancelled"})
		return snapshot, nil

	case queue.StateRunning:
		executionID := it.ExecutionID
		snapshot := *it
		s.mu.Unlock()
		if err := s.dispatcher.StopExecution(executionID); err != nil {
			s.log.WithField("queue_id", queueID).WithError(err).Debug("stop-execution on cancel found nothing to stop")
		}
		s.emit(it.SocketID, events.TypeQueueCancelResponse, map[string]any{"queueId": queueID, "status": "stopping"})
		return snapshot, nil

	default:
		snapshot := *it
		s.mu.Unlock()
		s.emit(it.SocketID, events.TypeQueueCancelResponse, map[string]any{"queueId": queueID, "status": "already-terminal"})
		return snapshot, nil
	}
}

func (s *Service) removeFromDeviceQueueLocked(deviceID, queueID string) {
	qids := s.perDeviceQueue[deviceID]
	for i, id := range qids {
		if id == queueID {
			s.perDeviceQueue[deviceID] = append(qids[:i], qids[i+1:]...)
			return
		}
	}
}

// HandleSocketDisconnect cancels every queued item owned by socketID,
// leaving running items to finish (§4.E).
func (s *Service) HandleSocketDisconnect(socketID string) {
	s.mu.Lock()
	ids := make([]string, 0)
	for id := range s.userIndex[socketID] {
		if it, ok := s.items[id]; ok && it.State == queue.StateQueued {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		_, _ = s.CancelTest(id, socketID)
	}
}

// Position reports where queueID sits in its most-contended device's queue
// and the associated estimated wait (§4.E).
func (s *Service) Position(queueID string) (queue.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[queueID]
	if !ok {
		return queue.Position{}, ErrNotFound
	}

	maxAhead := -1
	var wait time.Duration
	for _, d := range it.DeviceIDs {
		qids := s.perDeviceQueue[d]
		ahead := 0
		if busy := s.deviceBusy[d]; busy != "" && busy != queueID {
			// The running occupant has left the queue but is still ahead.
			ahead++
		}
		for _, id := range qids {
			if id == queueID {
				break
			}
			ahead++
		}
		avg := s.avgDuration[d]
		if avg == 0 {
			avg = defaultHistoricalDuration
		}
		if ahead > maxAhead {
			maxAhead = ahead
			wait = time.Duration(ahead) * avg
		}
	}
	if maxAhead < 0 {
		maxAhead = 0
	}
	return queue.Position{QueueID: queueID, Index: maxAhead, Ahead: maxAhead, EstimatedWait: wait}, nil
}

// Snapshot returns every non-terminal item, for the queue-status
// introspection endpoint (§6).
func (s *Service) Snapshot() []queue.Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]queue.Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

func (s *Service) mintQueueID() string {
	return "q-" + uuid.New().String()
}

func (s *Service) mintSplitID(parent string) string {
	n := atomic.AddInt64(&s.nextSplit, 1)
	return fmt.Sprintf("%s-split-%d", parent, n)
}

func (s *Service) emit(socketID string, typ events.Type, payload map[string]any) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(events.New(typ, socketID, payload))
}

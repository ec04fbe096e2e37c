package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devicelab/orchestrator/internal/app/domain/queue"
	"github.com/devicelab/orchestrator/internal/app/domain/schedule"
)

type memStore struct {
	mu        sync.Mutex
	schedules map[string]schedule.Schedule
	history   map[string][]schedule.HistoryEntry
}

func newMemStore() *memStore {
	return &memStore{schedules: make(map[string]schedule.Schedule), history: make(map[string][]schedule.HistoryEntry)}
}

func (m *memStore) SaveSchedule(_ context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = s
	return s, nil
}

func (m *memStore) GetSchedule(_ context.Context, id string) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return schedule.Schedule{}, ErrNotFound
	}
	return s, nil
}

func (m *memStore) ListSchedules(_ context.Context) ([]schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schedule.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
	return nil
}

func (m *memStore) AppendHistory(_ context.Context, scheduleID string, entry schedule.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[scheduleID] = append(m.history[scheduleID], entry)
	return nil
}

func (m *memStore) ListHistory(_ context.Context, scheduleID string) ([]schedule.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]schedule.HistoryEntry{}, m.history[scheduleID]...), nil
}

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []SubmitRequest
}

func (f *fakeSubmitter) SubmitTest(_ context.Context, req SubmitRequest) (queue.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return queue.Item{QueueID: "q-1"}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func TestCreateScheduleComputesNextRunAt(t *testing.T) {
	store := newMemStore()
	svc := New(store, &fakeSubmitter{})

	saved, err := svc.CreateSchedule(context.Background(), schedule.Schedule{
		Name:           "nightly",
		CronExpression: "0 2 * * *",
		Enabled:        true,
		DeviceIDs:      []string{"d1"},
		ScenarioIDs:    []string{"scn-1"},
	})
	require.NoError(t, err)
	require.False(t, saved.NextRunAt.IsZero())
}

func TestCreateScheduleRejectsBadCron(t *testing.T) {
	store := newMemStore()
	svc := New(store, &fakeSubmitter{})

	_, err := svc.CreateSchedule(context.Background(), schedule.Schedule{
		CronExpression: "not a cron",
		Enabled:        true,
	})
	require.ErrorIs(t, err, ErrInvalidCron)
}

func TestCreateScheduleDisabledHasNoNextRun(t *testing.T) {
	store := newMemStore()
	svc := New(store, &fakeSubmitter{})

	saved, err := svc.CreateSchedule(context.Background(), schedule.Schedule{
		CronExpression: "0 2 * * *",
		Enabled:        false,
	})
	require.NoError(t, err)
	require.True(t, saved.NextRunAt.IsZero())
}

func TestFireDueSubmitsAndAdvancesNextRun(t *testing.T) {
	store := newMemStore()
	sub := &fakeSubmitter{}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc := New(store, sub, withClock(clock))

	saved, err := svc.CreateSchedule(context.Background(), schedule.Schedule{
		CronExpression: "@every 1m",
		Enabled:        true,
		DeviceIDs:      []string{"d1"},
		ScenarioIDs:    []string{"scn-1"},
		UserName:       "nightly-bot",
	})
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Minute), saved.NextRunAt)

	now = now.Add(2 * time.Minute)
	svc.fireDue(context.Background())

	require.Equal(t, 1, sub.count())
	require.Equal(t, []string{"d1"}, sub.reqs[0].DeviceIDs)

	hist, err := svc.History(context.Background(), saved.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, schedule.RunSubmitted, hist[0].Outcome)
	require.Equal(t, "q-1", hist[0].QueueID)

	svc.mu.Lock()
	nextRun := svc.entries[saved.ID].schedule.NextRunAt
	svc.mu.Unlock()
	require.Equal(t, now.Add(time.Minute), nextRun)
}

func TestSetEnabledTogglesFiring(t *testing.T) {
	store := newMemStore()
	sub := &fakeSubmitter{}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := New(store, sub, withClock(func() time.Time { return now }))

	saved, err := svc.CreateSchedule(context.Background(), schedule.Schedule{
		CronExpression: "@every 1m",
		Enabled:        true,
		DeviceIDs:      []string{"d1"},
		ScenarioIDs:    []string{"scn-1"},
	})
	require.NoError(t, err)

	disabled, err := svc.SetEnabled(context.Background(), saved.ID, false)
	require.NoError(t, err)
	require.True(t, disabled.NextRunAt.IsZero())

	now = now.Add(5 * time.Minute)
	svc.fireDue(context.Background())
	require.Equal(t, 0, sub.count())

	reenabled, err := svc.SetEnabled(context.Background(), saved.ID, true)
	require.NoError(t, err)
	require.False(t, reenabled.NextRunAt.IsZero())
}

func TestDeleteScheduleStopsFiring(t *testing.T) {
	store := newMemStore()
	sub := &fakeSubmitter{}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := New(store, sub, withClock(func() time.Time { return now }))

	saved, err := svc.CreateSchedule(context.Background(), schedule.Schedule{
		CronExpression: "@every 1m",
		Enabled:        true,
		DeviceIDs:      []string{"d1"},
		ScenarioIDs:    []string{"scn-1"},
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteSchedule(context.Background(), saved.ID))

	now = now.Add(5 * time.Minute)
	svc.fireDue(context.Background())
	require.Equal(t, 0, sub.count())
}

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devicelab/orchestrator/internal/app/domain/device"
	"github.com/devicelab/orchestrator/internal/app/domain/report"
	"github.com/devicelab/orchestrator/internal/app/domain/schedule"
	"github.com/devicelab/orchestrator/internal/app/domain/scenario"
)

// Memory is a thread-safe in-memory persistence layer implementing the
// storage interfaces defined in this package. It is intended for tests and
// for running the orchestrator without an external document store attached.
type Memory struct {
	mu              sync.RWMutex
	nextID          int64
	devices         map[string]device.Device
	scenarios       map[string]scenario.Scenario
	packages        map[string]PackageDocument
	categories      map[string]CategoryDocument
	wifi            map[string]WifiDocument
	testReports     map[string]report.TestReport
	parallelReports map[string]report.ParallelReport
	schedules       map[string]schedule.Schedule
	history         map[string][]schedule.HistoryEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		nextID:          1,
		devices:         make(map[string]device.Device),
		scenarios:       make(map[string]scenario.Scenario),
		packages:        make(map[string]PackageDocument),
		categories:      make(map[string]CategoryDocument),
		wifi:            make(map[string]WifiDocument),
		testReports:     make(map[string]report.TestReport),
		parallelReports: make(map[string]report.ParallelReport),
		schedules:       make(map[string]schedule.Schedule),
		history:         make(map[string][]schedule.HistoryEntry),
	}
}

func (m *Memory) nextIDLocked() string {
	id := m.nextID
	m.nextID++
	return fmt.Sprintf("%d", id)
}

// DeviceStore implementation --------------------------------------------------

func (m *Memory) UpsertDevice(_ context.Context, d device.Device) (device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.ID == "" {
		d.ID = m.nextIDLocked()
	}
	if existing, ok := m.devices[d.ID]; ok {
		d.FirstConnectedAt = existing.FirstConnectedAt
	} else {
		d.FirstConnectedAt = time.Now().UTC()
	}
	d.LastConnectedAt = time.Now().UTC()

	m.devices[d.ID] = d
	return d, nil
}

func (m *Memory) GetDevice(_ context.Context, id string) (device.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[id]
	if !ok {
		return device.Device{}, fmt.Errorf("device %s not found", id)
	}
	return d, nil
}

func (m *Memory) ListDevices(_ context.Context) ([]device.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) DeleteDevice(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[id]; !ok {
		return fmt.Errorf("device %s not found", id)
	}
	delete(m.devices, id)
	return nil
}

// ScenarioStore implementation -------------------------------------------------

func (m *Memory) SaveScenario(_ context.Context, s scenario.Scenario) (scenario.Scenario, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.nextIDLocked()
	}
	s.Nodes = cloneNodes(s.Nodes)
	s.Connections = append([]scenario.Connection(nil), s.Connections...)

	m.scenarios[s.ID] = s
	return cloneScenario(s), nil
}

func (m *Memory) GetScenario(_ context.Context, id string) (scenario.Scenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.scenarios[id]
	if !ok {
		return scenario.Scenario{}, fmt.Errorf("scenario %s not found", id)
	}
	return cloneScenario(s), nil
}

func (m *Memory) ListScenarios(_ context.Context, packageID string) ([]scenario.Scenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]scenario.Scenario, 0)
	for _, s := range m.scenarios {
		if packageID == "" || s.PackageID == packageID {
			result = append(result, cloneScenario(s))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) DeleteScenario(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scenarios[id]; !ok {
		return fmt.Errorf("scenario %s not found", id)
	}
	delete(m.scenarios, id)
	return nil
}

// PackageStore / CategoryStore / WifiStore implementation ----------------------
//
// These three are read-mostly caches in production (populated by an external
// discovery collaborator); the Seed* helpers below exist so tests and local
// runs can populate them without a second implementation.

func (m *Memory) SeedPackage(doc PackageDocument) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packages[doc.ID] = doc
}

func (m *Memory) GetPackage(_ context.Context, id string) (PackageDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.packages[id]
	if !ok {
		return PackageDocument{}, fmt.Errorf("package %s not found", id)
	}
	return doc, nil
}

func (m *Memory) ListPackages(_ context.Context, category string) ([]PackageDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]PackageDocument, 0)
	for _, doc := range m.packages {
		if category == "" || doc.Category == category {
			result = append(result, doc)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) SeedCategory(doc CategoryDocument) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories[doc.ID] = doc
}

func (m *Memory) GetCategory(_ context.Context, id string) (CategoryDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.categories[id]
	if !ok {
		return CategoryDocument{}, fmt.Errorf("category %s not found", id)
	}
	return doc, nil
}

func (m *Memory) ListCategories(_ context.Context) ([]CategoryDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]CategoryDocument, 0, len(m.categories))
	for _, doc := range m.categories {
		result = append(result, doc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) SeedWifi(doc WifiDocument) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wifi[doc.ID] = doc
}

func (m *Memory) GetWifi(_ context.Context, id string) (WifiDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.wifi[id]
	if !ok {
		return WifiDocument{}, fmt.Errorf("wifi config %s not found", id)
	}
	return doc, nil
}

func (m *Memory) ListWifi(_ context.Context) ([]WifiDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]WifiDocument, 0, len(m.wifi))
	for _, doc := range m.wifi {
		result = append(result, doc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ReportStore implementation ---------------------------------------------------

func (m *Memory) SaveTestReport(_ context.Context, r report.TestReport) (report.TestReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ExecutionID == "" {
		r.ExecutionID = m.nextIDLocked()
	}
	r.Results = cloneDeviceResults(r.Results)

	m.testReports[r.ExecutionID] = r
	return cloneTestReport(r), nil
}

func (m *Memory) GetTestReport(_ context.Context, executionID string) (report.TestReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.testReports[executionID]
	if !ok {
		return report.TestReport{}, fmt.Errorf("test report %s not found", executionID)
	}
	return cloneTestReport(r), nil
}

func (m *Memory) ListTestReports(_ context.Context, userName string, limit int) ([]report.TestReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]report.TestReport, 0)
	for _, r := range m.testReports {
		if userName == "" || r.UserName == userName {
			result = append(result, cloneTestReport(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Memory) FindTestReportBySplitGroup(_ context.Context, splitGroupID string) (report.TestReport, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if splitGroupID == "" {
		return report.TestReport{}, false, nil
	}
	for _, r := range m.testReports {
		if r.SplitGroupID == splitGroupID {
			return cloneTestReport(r), true, nil
		}
	}
	return report.TestReport{}, false, nil
}

func (m *Memory) SaveParallelReport(_ context.Context, r report.ParallelReport) (report.ParallelReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ReportID == "" {
		r.ReportID = m.nextIDLocked()
	}
	m.parallelReports[r.ReportID] = r
	return r, nil
}

func (m *Memory) GetParallelReport(_ context.Context, reportID string) (report.ParallelReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.parallelReports[reportID]
	if !ok {
		return report.ParallelReport{}, fmt.Errorf("parallel report %s not found", reportID)
	}
	return r, nil
}

// ScheduleStore implementation --------------------------------------------------

func (m *Memory) SaveSchedule(_ context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.nextIDLocked()
		s.CreatedAt = time.Now().UTC()
	} else if existing, ok := m.schedules[s.ID]; ok {
		s.CreatedAt = existing.CreatedAt
	}
	s.UpdatedAt = time.Now().UTC()
	s.DeviceIDs = append([]string(nil), s.DeviceIDs...)
	s.ScenarioIDs = append([]string(nil), s.ScenarioIDs...)

	m.schedules[s.ID] = s
	return cloneSchedule(s), nil
}

func (m *Memory) GetSchedule(_ context.Context, id string) (schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schedules[id]
	if !ok {
		return schedule.Schedule{}, fmt.Errorf("schedule %s not found", id)
	}
	return cloneSchedule(s), nil
}

func (m *Memory) ListSchedules(_ context.Context) ([]schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]schedule.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		result = append(result, cloneSchedule(s))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[id]; !ok {
		return fmt.Errorf("schedule %s not found", id)
	}
	delete(m.schedules, id)
	delete(m.history, id)
	return nil
}

func (m *Memory) AppendHistory(_ context.Context, scheduleID string, entry schedule.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := append(m.history[scheduleID], entry)
	if len(entries) > schedule.HistoryCap {
		entries = entries[len(entries)-schedule.HistoryCap:]
	}
	m.history[scheduleID] = entries
	return nil
}

func (m *Memory) ListHistory(_ context.Context, scheduleID string) ([]schedule.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[scheduleID]
	result := make([]schedule.HistoryEntry, len(entries))
	copy(result, entries)
	return result, nil
}

// Helpers -----------------------------------------------------------------

func cloneNodes(nodes []scenario.Node) []scenario.Node {
	if len(nodes) == 0 {
		return nil
	}
	out := make([]scenario.Node, len(nodes))
	for i, n := range nodes {
		if n.Action != nil {
			a := *n.Action
			n.Action = &a
		}
		if n.Condition != nil {
			c := *n.Condition
			n.Condition = &c
		}
		if n.Loop != nil {
			l := *n.Loop
			n.Loop = &l
		}
		out[i] = n
	}
	return out
}

func cloneScenario(s scenario.Scenario) scenario.Scenario {
	s.Nodes = cloneNodes(s.Nodes)
	s.Connections = append([]scenario.Connection(nil), s.Connections...)
	return s
}

func cloneDeviceResults(results []report.DeviceScenarioResult) []report.DeviceScenarioResult {
	if len(results) == 0 {
		return nil
	}
	out := make([]report.DeviceScenarioResult, len(results))
	for i, r := range results {
		r.Steps = append([]report.StepResult(nil), r.Steps...)
		out[i] = r
	}
	return out
}

func cloneTestReport(r report.TestReport) report.TestReport {
	r.Results = cloneDeviceResults(r.Results)
	return r
}

func cloneSchedule(s schedule.Schedule) schedule.Schedule {
	s.DeviceIDs = append([]string(nil), s.DeviceIDs...)
	s.ScenarioIDs = append([]string(nil), s.ScenarioIDs...)
	return s
}

package storage

import (
	"context"

	"github.com/devicelab/orchestrator/internal/app/domain/device"
	"github.com/devicelab/orchestrator/internal/app/domain/report"
	"github.com/devicelab/orchestrator/internal/app/domain/schedule"
	"github.com/devicelab/orchestrator/internal/app/domain/scenario"
)

// DeviceStore persists device descriptors. Role and connectivity fields are
// updated by an external discovery collaborator (§1); the orchestration
// core only ever reads from it, to check a device's Role before accepting it
// into a submission.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, d device.Device) (device.Device, error)
	GetDevice(ctx context.Context, id string) (device.Device, error)
	ListDevices(ctx context.Context) ([]device.Device, error)
	DeleteDevice(ctx context.Context, id string) error
}

// ScenarioStore persists scenario graphs authored outside the orchestrator
// and resolved by id at submission time (§3, §4.B).
type ScenarioStore interface {
	SaveScenario(ctx context.Context, s scenario.Scenario) (scenario.Scenario, error)
	GetScenario(ctx context.Context, id string) (scenario.Scenario, error)
	ListScenarios(ctx context.Context, packageID string) ([]scenario.Scenario, error)
	DeleteScenario(ctx context.Context, id string) error
}

// PackageDocument is an opaque key->document entry for a target app package,
// resolved by the executor when a scenario names a {package, category} pair
// (§4.D step 2).
type PackageDocument struct {
	ID         string
	Name       string
	Category   string
	AppPackage string
}

// PackageStore is a read-mostly cache of known app packages. The
// orchestration core never writes to it; population is an external
// collaborator's job (§1).
type PackageStore interface {
	GetPackage(ctx context.Context, id string) (PackageDocument, error)
	ListPackages(ctx context.Context, category string) ([]PackageDocument, error)
}

// CategoryDocument names one package category.
type CategoryDocument struct {
	ID   string
	Name string
}

// CategoryStore is a read-mostly cache of known package categories.
type CategoryStore interface {
	GetCategory(ctx context.Context, id string) (CategoryDocument, error)
	ListCategories(ctx context.Context) ([]CategoryDocument, error)
}

// WifiDocument is a saved Wi-Fi configuration a scenario action can reference.
type WifiDocument struct {
	ID       string
	SSID     string
	Password string
}

// WifiStore is a read-mostly cache of saved Wi-Fi configurations.
type WifiStore interface {
	GetWifi(ctx context.Context, id string) (WifiDocument, error)
	ListWifi(ctx context.Context) ([]WifiDocument, error)
}

// ReportStore persists the aggregated results produced by the test executor
// and the parallel dispatcher (§4.C, §4.D).
type ReportStore interface {
	SaveTestReport(ctx context.Context, r report.TestReport) (report.TestReport, error)
	GetTestReport(ctx context.Context, executionID string) (report.TestReport, error)
	ListTestReports(ctx context.Context, userName string, limit int) ([]report.TestReport, error)

	SaveParallelReport(ctx context.Context, r report.ParallelReport) (report.ParallelReport, error)
	GetParallelReport(ctx context.Context, reportID string) (report.ParallelReport, error)

	// FindTestReportBySplitGroup locates the report for a prior dispatch round
	// sharing splitGroupID, so the executor can merge results from both rounds
	// of a split execution into one report (§4.E).
	FindTestReportBySplitGroup(ctx context.Context, splitGroupID string) (report.TestReport, bool, error)
}

// ScheduleStore persists recurring test submissions and their fire history
// (§4.F).
type ScheduleStore interface {
	SaveSchedule(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error)
	GetSchedule(ctx context.Context, id string) (schedule.Schedule, error)
	ListSchedules(ctx context.Context) ([]schedule.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	AppendHistory(ctx context.Context, scheduleID string, entry schedule.HistoryEntry) error
	ListHistory(ctx context.Context, scheduleID string) ([]schedule.HistoryEntry, error)
}

package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devicelab/orchestrator/internal/app/domain/device"
	"github.com/devicelab/orchestrator/internal/app/domain/report"
	"github.com/devicelab/orchestrator/internal/app/domain/scenario"
	"github.com/devicelab/orchestrator/internal/app/driver"
	"github.com/devicelab/orchestrator/internal/app/services/interpreter"
	"github.com/devicelab/orchestrator/internal/app/services/registry"
	"github.com/devicelab/orchestrator/internal/app/storage"
)

func tapScenario(id, packageID string) scenario.Scenario {
	return scenario.Scenario{
		ID:        id,
		Name:      "tap",
		PackageID: packageID,
		Nodes: []scenario.Node{
			{ID: "start", Type: scenario.NodeStart},
			{ID: "tap", Type: scenario.NodeAction, Action: &scenario.ActionParams{Kind: scenario.ActionTap, X: 1, Y: 1}},
			{ID: "end", Type: scenario.NodeEnd},
		},
		Connections: []scenario.Connection{
			{From: "start", To: "tap", Branch: scenario.BranchNone},
			{From: "tap", To: "end", Branch: scenario.BranchNone},
		},
	}
}

func newExecutorFixture(t *testing.T, deviceIDs ...string) (*Service, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	mem.SeedCategory(storage.CategoryDocument{ID: "cat-1", Name: "Messaging"})
	mem.SeedPackage(storage.PackageDocument{ID: "pkg-1", Name: "Example App", Category: "cat-1", AppPackage: "com.example.app"})

	_, err := mem.SaveScenario(context.Background(), tapScenario("scn-1", "pkg-1"))
	require.NoError(t, err)

	reg := registry.New(driver.NewMockFactory())
	for _, id := range deviceIDs {
		_, err := mem.UpsertDevice(context.Background(), device.Device{ID: id, Role: device.RoleTesting})
		require.NoError(t, err)
		_, err = reg.Create(context.Background(), id)
		require.NoError(t, err)
	}

	interp := interpreter.New(nil)
	svc := New(mem, mem, mem, mem, mem, reg, interp, nil)
	return svc, mem
}

func TestExecuteRunsEveryDeviceSequentially(t *testing.T) {
	svc, _ := newExecutorFixture(t, "d1", "d2")
	result, err := svc.Execute(context.Background(), Request{
		DeviceIDs:   []string{"d1", "d2"},
		ScenarioIDs: []string{"scn-1"},
		RepeatCount: 2,
		UserName:    "alice",
	})
	require.NoError(t, err)
	require.Equal(t, report.ExecutionCompleted, result.Report.Status)
	require.Len(t, result.Report.Results, 4)
}

func TestExecuteSkipsUnknownScenarios(t *testing.T) {
	svc, _ := newExecutorFixture(t, "d1")
	result, err := svc.Execute(context.Background(), Request{
		DeviceIDs:   []string{"d1"},
		ScenarioIDs: []string{"scn-1", "does-not-exist"},
		RepeatCount: 1,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"does-not-exist"}, result.SkippedIDs)
}

func TestExecuteFailsWhenNoScenarioResolves(t *testing.T) {
	svc, _ := newExecutorFixture(t, "d1")
	_, err := svc.Execute(context.Background(), Request{
		DeviceIDs:   []string{"d1"},
		ScenarioIDs: []string{"does-not-exist"},
		RepeatCount: 1,
	})
	require.ErrorIs(t, err, ErrNoScenariosResolved)
}

func TestExecuteDropsDevicesNotInTestingRole(t *testing.T) {
	svc, mem := newExecutorFixture(t, "d1")
	_, err := mem.UpsertDevice(context.Background(), device.Device{ID: "d2", Role: device.RoleEditing})
	require.NoError(t, err)

	_, err = svc.Execute(context.Background(), Request{
		DeviceIDs:   []string{"d2"},
		ScenarioIDs: []string{"scn-1"},
		RepeatCount: 1,
	})
	require.ErrorIs(t, err, ErrNoLiveDevices)
}

func TestStatusReturnsNotFoundAfterCompletion(t *testing.T) {
	svc, _ := newExecutorFixture(t, "d1")
	_, err := svc.Execute(context.Background(), Request{
		DeviceIDs:   []string{"d1"},
		ScenarioIDs: []string{"scn-1"},
		RepeatCount: 1,
	})
	require.NoError(t, err)

	_, err = svc.Status("")
	require.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestExecuteMergesSplitGroupReports(t *testing.T) {
	svc, mem := newExecutorFixture(t, "d1", "d2")

	first, err := svc.Execute(context.Background(), Request{
		DeviceIDs:    []string{"d1"},
		ScenarioIDs:  []string{"scn-1"},
		RepeatCount:  1,
		SplitGroupID: "split-1",
	})
	require.NoError(t, err)
	require.Len(t, first.Report.Results, 1)

	second, err := svc.Execute(context.Background(), Request{
		DeviceIDs:    []string{"d2"},
		ScenarioIDs:  []string{"scn-1"},
		RepeatCount:  1,
		SplitGroupID: "split-1",
	})
	require.NoError(t, err)
	require.Len(t, second.Report.Results, 2)

	_, found, err := mem.FindTestReportBySplitGroup(context.Background(), "split-1")
	require.NoError(t, err)
	require.True(t, found)
}

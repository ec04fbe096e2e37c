package dispatcher

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devicelab/orchestrator/internal/app/domain/report"
	"github.com/devicelab/orchestrator/internal/app/domain/scenario"
	"github.com/devicelab/orchestrator/internal/app/driver"
	"github.com/devicelab/orchestrator/internal/app/services/interpreter"
	"github.com/devicelab/orchestrator/internal/app/services/registry"
	"github.com/devicelab/orchestrator/internal/app/storage"
)

func simpleScenario(id string) scenario.Scenario {
	return scenario.Scenario{
		ID:   id,
		Name: "tap once",
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

func newTestService(t *testing.T, deviceIDs ...string) (*Service, *registry.Registry) {
	t.Helper()
	mem := storage.NewMemory()
	sc := simpleScenario("scn-parallel")
	_, err := mem.SaveScenario(context.Background(), sc)
	require.NoError(t, err)

	reg := registry.New(driver.NewMockFactory())
	for _, id := range deviceIDs {
		_, err := reg.Create(context.Background(), id)
		require.NoError(t, err)
	}

	interp := interpreter.New(nil)
	svc := New(mem, mem, reg, interp, nil)
	return svc, reg
}

func TestExecuteParallelRunsEveryDevice(t *testing.T) {
	svc, _ := newTestService(t, "d1", "d2", "d3")
	pr, err := svc.ExecuteParallel(context.Background(), "scn-parallel", []string{"d1", "d2", "d3"}, Options{})
	require.NoError(t, err)
	require.Len(t, pr.Runs, 3)
	for _, run := range pr.Runs {
		require.Equal(t, report.DeviceRunCompleted, run.Status)
	}
}

func TestExecuteParallelRejectsUnknownScenario(t *testing.T) {
	svc, _ := newTestService(t, "d1")
	_, err := svc.ExecuteParallel(context.Background(), "does-not-exist", []string{"d1"}, Options{})
	require.ErrorIs(t, err, ErrScenarioNotFound)
}

func TestExecuteParallelRejectsConcurrentRuns(t *testing.T) {
	svc, _ := newTestService(t, "d1", "d2")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := svc.ExecuteParallel(context.Background(), "scn-parallel", []string{"d1", "d2"}, Options{})
			errs[i] = err
		}(i)
	}
	wg.Wait()

	busyCount := 0
	for _, err := range errs {
		if err == ErrBusy {
			busyCount++
		}
	}
	require.LessOrEqual(t, busyCount, 1)
}

func TestExecuteParallelRecordsVideoWhenRequested(t *testing.T) {
	svc, _ := newTestService(t, "d1")
	pr, err := svc.ExecuteParallel(context.Background(), "scn-parallel", []string{"d1"}, Options{RecordVideo: true})
	require.NoError(t, err)
	require.Len(t, pr.Runs, 1)
	require.NotEmpty(t, pr.Runs[0].VideoPath)
}

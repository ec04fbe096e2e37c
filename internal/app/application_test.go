package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devicelab/orchestrator/internal/app/domain/device"
	"github.com/devicelab/orchestrator/internal/app/domain/scenario"
	"github.com/devicelab/orchestrator/internal/app/services/orchestrator"
	"github.com/devicelab/orchestrator/internal/app/storage"
)

func TestApplicationLifecycle(t *testing.T) {
	application, err := New(Stores{}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, application.Start(ctx))

	_, err = application.Registry.Create(ctx, "device-1")
	require.NoError(t, err)

	require.NoError(t, application.Stop(ctx))
}

func TestApplicationSubmitsAndDispatchesThroughOrchestrator(t *testing.T) {
	mem := storage.NewMemory()
	application, err := New(Stores{
		Devices:   mem,
		Scenarios: mem,
		Reports:   mem,
		Schedules: mem,
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, application.Start(ctx))
	defer application.Stop(ctx)

	_, err = mem.UpsertDevice(ctx, device.Device{ID: "d1", Role: device.RoleTesting})
	require.NoError(t, err)
	_, err = mem.SaveScenario(ctx, scenario.Scenario{
		ID:   "scn-1",
		Name: "tap",
		Nodes: []scenario.Node{
			{ID: "start", Type: scenario.NodeStart},
			{ID: "end", Type: scenario.NodeEnd},
		},
		Connections: []scenario.Connection{{From: "start", To: "end", Branch: scenario.BranchNone}},
	})
	require.NoError(t, err)
	_, err = application.Registry.Create(ctx, "d1")
	require.NoError(t, err)

	item, err := application.Orchestrator.SubmitTest(ctx, orchestrator.SubmitRequest{
		DeviceIDs:   []string{"d1"},
		ScenarioIDs: []string{"scn-1"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, item.QueueID)
}

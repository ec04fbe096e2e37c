package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devicelab/orchestrator/internal/app/domain/device"
	"github.com/devicelab/orchestrator/internal/app/domain/queue"
	"github.com/devicelab/orchestrator/internal/app/domain/scenario"
	"github.com/devicelab/orchestrator/internal/app/driver"
	"github.com/devicelab/orchestrator/internal/app/services/dispatcher"
	"github.com/devicelab/orchestrator/internal/app/services/executor"
	"github.com/devicelab/orchestrator/internal/app/services/interpreter"
	"github.com/devicelab/orchestrator/internal/app/services/orchestrator"
	"github.com/devicelab/orchestrator/internal/app/services/registry"
	"github.com/devicelab/orchestrator/internal/app/services/scheduler"
	"github.com/devicelab/orchestrator/internal/app/storage"
)

// orchestratorSubmitter adapts *orchestrator.Service to scheduler.Submitter;
// the two packages define structurally identical but distinct request types
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

func tapScenario(id string) scenario.Scenario {
	return scenario.Scenario{
		ID:   id,
		Name: "tap",
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

func newTestRouter(t *testing.T) (http.Handler, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	_, err := mem.SaveScenario(context.Background(), tapScenario("scn-1"))
	require.NoError(t, err)
	_, err = mem.UpsertDevice(context.Background(), device.Device{ID: "d1", Role: device.RoleTesting})
	require.NoError(t, err)

	reg := registry.New(driver.NewMockFactory())
	interp := interpreter.New(nil)
	disp := dispatcher.New(mem, mem, reg, interp, nil)
	exec := executor.New(mem, mem, mem, mem, mem, reg, interp, nil)
	orch := orchestrator.New(exec, nil, orchestrator.WithDeviceStore(mem))
	sched := scheduler.New(mem, orchestratorSubmitter{orch: orch})

	deps := Deps{
		Devices:      mem,
		Sessions:     reg,
		Dispatcher:   disp,
		Executor:     exec,
		Orchestrator: orch,
		Scheduler:    sched,
		Bus:          nil,
		Reports:      mem,
	}
	return NewRouter(deps, nil), mem
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewBuffer(b)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionCreateAndDestroy(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/session/create", sessionCreateRequest{DeviceID: "d1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/session/destroy", sessionCreateRequest{DeviceID: "d1"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTestSubmitAndQueueStatus(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/test/submit", testSubmitRequest{
		DeviceIDs:   []string{"d1"},
		ScenarioIDs: []string{"scn-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var item queue.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	require.NotEmpty(t, item.QueueID)

	rec = doJSON(t, router, http.MethodGet, "/api/test/queue/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTestSubmitRejectsEmptyDevices(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/test/submit", testSubmitRequest{
		ScenarioIDs: []string{"scn-1"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTestSubmitDropsEditingRoleDevices(t *testing.T) {
	router, mem := newTestRouter(t)
	_, err := mem.UpsertDevice(context.Background(), device.Device{ID: "d2", Role: device.RoleEditing})
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/api/test/submit", testSubmitRequest{
		DeviceIDs:   []string{"d1", "d2"},
		ScenarioIDs: []string{"scn-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var item queue.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	require.Equal(t, []string{"d1"}, item.DeviceIDs)
	require.Equal(t, []string{"d2"}, item.RejectedDeviceIDs)
}

func TestScheduleCreateListAndDelete(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/schedules", map[string]any{
		"cronExpression": "0 2 * * *",
		"enabled":        true,
		"deviceIds":      []string{"d1"},
		"scenarioIds":    []string{"scn-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var saved map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	id, _ := saved["ID"].(string)
	require.NotEmpty(t, id)

	rec = doJSON(t, router, http.MethodGet, "/api/schedules", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/schedules/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/devicelab/orchestrator/internal/app/domain/schedule"
	"github.com/devicelab/orchestrator/internal/app/events"
	"github.com/devicelab/orchestrator/internal/app/metrics"
	"github.com/devicelab/orchestrator/internal/app/services/dispatcher"
	"github.com/devicelab/orchestrator/internal/app/services/executor"
	"github.com/devicelab/orchestrator/internal/app/services/orchestrator"
	"github.com/devicelab/orchestrator/internal/app/services/registry"
	"github.com/devicelab/orchestrator/internal/app/services/scheduler"
	"github.com/devicelab/orchestrator/internal/app/storage"
	"github.com/devicelab/orchestrator/pkg/logger"
	"github.com/devicelab/orchestrator/pkg/version"
)

// Deps bundles every service the API surface dispatches into. Devices and
// Reports are storage interfaces; the other fields are the concrete services.
type Deps struct {
	Devices      storage.DeviceStore
	Sessions     *registry.Registry
	Dispatcher   *dispatcher.Service
	Executor     *executor.Service
	Orchestrator *orchestrator.Service
	Scheduler    *scheduler.Service
	Bus          *events.Bus
	Reports      storage.ReportStore
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type api struct {
	deps Deps
	log  *logger.Logger
}

// NewRouter returns a gorilla/mux router exposing the orchestration API
// (§6).
func NewRouter(deps Deps, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("http")
	}
	h := &api{deps: deps, log: log}

	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/system/version", h.systemVersion).Methods(http.MethodGet)

	r.HandleFunc("/api/session/create", h.sessionCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/session/destroy", h.sessionDestroy).Methods(http.MethodPost)
	r.HandleFunc("/api/session/execute-parallel", h.executeParallel).Methods(http.MethodPost)

	r.HandleFunc("/api/test/submit", h.testSubmit).Methods(http.MethodPost)
	r.HandleFunc("/api/test/execute", h.testExecute).Methods(http.MethodPost)
	r.HandleFunc("/api/test/cancel/{queueId}", h.testCancel).Methods(http.MethodPost)
	r.HandleFunc("/api/test/queue/status", h.queueStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/test/status/{executionId}", h.testStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/test/reports/{executionId}", h.testReport).Methods(http.MethodGet)

	r.HandleFunc("/api/schedules", h.schedulesList).Methods(http.MethodGet)
	r.HandleFunc("/api/schedules", h.schedulesCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/schedules/{scheduleId}/enable", h.scheduleSetEnabled(true)).Methods(http.MethodPost)
	r.HandleFunc("/api/schedules/{scheduleId}/disable", h.scheduleSetEnabled(false)).Methods(http.MethodPost)
	r.HandleFunc("/api/schedules/{scheduleId}", h.scheduleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/api/schedules/{scheduleId}/history", h.scheduleHistory).Methods(http.MethodGet)

	r.HandleFunc("/ws", h.websocket).Methods(http.MethodGet)

	return r
}

func (h *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *api) systemVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version.Version, "userAgent": version.UserAgent()})
}

// --- sessions --------------------------------------------------------------

type sessionCreateRequest struct {
	DeviceID string `json:"deviceId"`
}

func (h *api) sessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	info, err := h.deps.Sessions.Create(r.Context(), req.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *api) sessionDestroy(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.deps.Sessions.Destroy(r.Context(), req.DeviceID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

type executeParallelRequest struct {
	ScenarioID         string   `json:"scenarioId"`
	DeviceIDs          []string `json:"deviceIds"`
	CaptureScreenshots bool     `json:"captureScreenshots"`
	CaptureOnComplete  bool     `json:"captureOnComplete"`
	RecordVideo        bool     `json:"recordVideo"`
}

func (h *api) executeParallel(w http.ResponseWriter, r *http.Request) {
	var req executeParallelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rep, err := h.deps.Dispatcher.ExecuteParallel(r.Context(), req.ScenarioID, req.DeviceIDs, dispatcher.Options{
		CaptureScreenshots: req.CaptureScreenshots,
		CaptureOnComplete:  req.CaptureOnComplete,
		RecordVideo:        req.RecordVideo,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// --- test submission / execution --------------------------------------------

type testSubmitRequest struct {
	DeviceIDs        []string      `json:"deviceIds"`
	ScenarioIDs      []string      `json:"scenarioIds"`
	RepeatCount      int           `json:"repeatCount"`
	ScenarioInterval time.Duration `json:"scenarioIntervalMs"`
	UserName         string        `json:"userName"`
	SocketID         string        `json:"socketId"`
	TestName         string        `json:"testName"`
	Priority         int           `json:"priority"`
	AllowSplit       bool          `json:"allowSplit"`
}

func (h *api) testSubmit(w http.ResponseWriter, r *http.Request) {
	var req testSubmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	item, err := h.deps.Orchestrator.SubmitTest(r.Context(), orchestrator.SubmitRequest{
		DeviceIDs:        req.DeviceIDs,
		ScenarioIDs:      req.ScenarioIDs,
		RepeatCount:      req.RepeatCount,
		ScenarioInterval: req.ScenarioInterval * time.Millisecond,
		UserName:         req.UserName,
		SocketID:         req.SocketID,
		TestName:         req.TestName,
		Priority:         req.Priority,
		AllowSplit:       req.AllowSplit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// testExecute runs a test request immediately, bypassing the queue; used by
// callers that already hold exclusive device ownership (§4.D).
func (h *api) testExecute(w http.ResponseWriter, r *http.Request) {
	var req testSubmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := h.deps.Executor.Execute(r.Context(), executor.Request{
		DeviceIDs:        req.DeviceIDs,
		ScenarioIDs:      req.ScenarioIDs,
		RepeatCount:      req.RepeatCount,
		ScenarioInterval: req.ScenarioInterval * time.Millisecond,
		UserName:         req.UserName,
		SocketID:         req.SocketID,
		TestName:         req.TestName,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *api) testCancel(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueId"]
	socketID := r.URL.Query().Get("socketId")
	item, err := h.deps.Orchestrator.CancelTest(queueID, socketID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *api) queueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Orchestrator.Snapshot())
}

func (h *api) testStatus(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["executionId"]
	status, err := h.deps.Executor.Status(executionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *api) testReport(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["executionId"]
	rep, err := h.deps.Reports.GetTestReport(r.Context(), executionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// --- schedules ---------------------------------------------------------------

func (h *api) schedulesList(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Scheduler.ListSchedules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *api) schedulesCreate(w http.ResponseWriter, r *http.Request) {
	var sch schedule.Schedule
	if !decodeJSON(w, r, &sch) {
		return
	}
	saved, err := h.deps.Scheduler.CreateSchedule(r.Context(), sch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *api) scheduleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["scheduleId"]
		saved, err := h.deps.Scheduler.SetEnabled(r.Context(), id, enabled)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

func (h *api) scheduleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["scheduleId"]
	if err := h.deps.Scheduler.DeleteSchedule(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *api) scheduleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["scheduleId"]
	hist, err := h.deps.Scheduler.History(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// --- realtime ----------------------------------------------------------------

func (h *api) websocket(w http.ResponseWriter, r *http.Request) {
	socketID := r.URL.Query().Get("socketId")
	if socketID == "" {
		http.Error(w, "socketId query parameter required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	h.deps.Bus.Subscribe(socketID, conn)
	go h.drainInbound(r.Context(), socketID, conn)
}

// inboundMessage is the client->server half of the realtime channel: a flat,
// type-discriminated frame (§6). Only user:identify, queue:submit,
// queue:cancel, queue:status and ping carry meaningful fields; unused fields
// are simply left at their zero value for any other message type.
type inboundMessage struct {
	Type string `json:"type"`

	// user:identify
	UserName string `json:"userName"`

	// queue:submit
	DeviceIDs        []string      `json:"deviceIds"`
	ScenarioIDs      []string      `json:"scenarioIds"`
	RepeatCount      int           `json:"repeatCount"`
	ScenarioInterval time.Duration `json:"scenarioIntervalMs"`
	TestName         string        `json:"testName"`
	Priority         int           `json:"priority"`
	AllowSplit       bool          `json:"allowSplit"`

	// queue:cancel, queue:status
	QueueID string `json:"queueId"`
}

// drainInbound dispatches every inbound frame to its handler and must keep
// reading so gorilla/websocket can detect the peer closing the connection;
// it disconnects orchestrator-owned queue state for the socket on exit.
func (h *api) drainInbound(ctx context.Context, socketID string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.WithField("socket_id", socketID).WithError(err).Debug("dropping malformed inbound frame")
			continue
		}
		h.handleInbound(ctx, socketID, msg)
	}
	h.deps.Bus.Unsubscribe(socketID)
	if h.deps.Orchestrator != nil {
		h.deps.Orchestrator.HandleSocketDisconnect(socketID)
	}
}

// handleInbound routes one client->server frame to the service it addresses
// and emits the matching server->client response (§6). queue:submit and
// queue:cancel already broadcast their own response events from inside the
// orchestrator; this only needs to surface dispatch errors.
func (h *api) handleInbound(ctx context.Context, socketID string, msg inboundMessage) {
	switch msg.Type {
	case "user:identify":
		h.deps.Bus.Emit(events.New(events.TypeUserIdentified, socketID, map[string]any{"userName": msg.UserName}))

	case "queue:submit":
		if h.deps.Orchestrator == nil {
			return
		}
		_, err := h.deps.Orchestrator.SubmitTest(ctx, orchestrator.SubmitRequest{
			DeviceIDs:        msg.DeviceIDs,
			ScenarioIDs:      msg.ScenarioIDs,
			RepeatCount:      msg.RepeatCount,
			ScenarioInterval: msg.ScenarioInterval * time.Millisecond,
			UserName:         msg.UserName,
			SocketID:         socketID,
			TestName:         msg.TestName,
			Priority:         msg.Priority,
			AllowSplit:       msg.AllowSplit,
		})
		if err != nil {
			h.deps.Bus.Emit(events.New(events.TypeError, socketID, map[string]any{"reason": err.Error()}))
		}

	case "queue:cancel":
		if h.deps.Orchestrator == nil {
			return
		}
		if _, err := h.deps.Orchestrator.CancelTest(msg.QueueID, socketID); err != nil {
			h.deps.Bus.Emit(events.New(events.TypeError, socketID, map[string]any{"reason": err.Error()}))
		}

	case "queue:status":
		if h.deps.Orchestrator == nil {
			return
		}
		if msg.QueueID != "" {
			pos, err := h.deps.Orchestrator.Position(msg.QueueID)
			if err != nil {
				h.deps.Bus.Emit(events.New(events.TypeError, socketID, map[string]any{"reason": err.Error()}))
				return
			}
			h.deps.Bus.Emit(events.New(events.TypeQueuePosition, socketID, map[string]any{"position": pos}))
			return
		}
		h.deps.Bus.Emit(events.New(events.TypeQueueStatusResponse, socketID, map[string]any{"queue": h.deps.Orchestrator.Snapshot()}))

	case "ping":
		h.deps.Bus.Emit(events.New(events.TypePong, socketID, nil))

	default:
		h.log.WithField("socket_id", socketID).WithField("type", msg.Type).Debug("dropping unrecognized inbound frame")
	}
}

// --- helpers -----------------------------------------------------------------

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

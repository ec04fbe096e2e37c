package httpapi

import (
	"errors"
	"net/http"

	"github.com/devicelab/orchestrator/internal/app/services/dispatcher"
	"github.com/devicelab/orchestrator/internal/app/services/executor"
	"github.com/devicelab/orchestrator/internal/app/services/orchestrator"
	"github.com/devicelab/orchestrator/internal/app/services/registry"
	"github.com/devicelab/orchestrator/internal/app/services/scheduler"
)

// statusFor classifies a domain error into an HTTP status code. Unknown
// errors fall back to 500.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, dispatcher.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, dispatcher.ErrScenarioNotFound), errors.Is(err, executor.ErrExecutionNotFound),
		errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, scheduler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatcher.ErrNoLiveDevices), errors.Is(err, executor.ErrNoLiveDevices),
		errors.Is(err, executor.ErrNoDevices), errors.Is(err, executor.ErrNoScenarios),
		errors.Is(err, executor.ErrNoScenariosResolved), errors.Is(err, orchestrator.ErrNoDevices),
		errors.Is(err, orchestrator.ErrNoScenarios), errors.Is(err, scheduler.ErrInvalidCron):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

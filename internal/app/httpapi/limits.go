package httpapi

import (
	"net/http"
	"strconv"

	core "github.com/devicelab/orchestrator/internal/app/core/service"
)

const (
	defaultReportLimit = 50
	maxReportLimit     = 500
)

// parseLimitParam reads the "limit" query parameter, clamping it to a sane
// range so a caller cannot force an unbounded store scan.
func parseLimitParam(r *http.Request, defaultLimit, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultLimit
	}
	return core.ClampLimit(n, defaultLimit, max)
}

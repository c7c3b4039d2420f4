package http

import (
	"net/http"
)

// HealthHandler implements GET /api/health, reflecting the bootstrap
// DegradedComponents tracker so operators can see which optional
// components failed to initialize.
type HealthHandler struct {
	degraded DegradedReporter
}

// NewHealthHandler constructs a HealthHandler. degraded may be nil, in
// which case the service always reports healthy.
func NewHealthHandler(degraded DegradedReporter) *HealthHandler {
	return &HealthHandler{degraded: degraded}
}

// HandleHealth reports "healthy" when nothing is degraded, "degraded"
// otherwise. The core has no failure mode that should report 503: a
// degraded optional component (metrics, tracing) does not block serving.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	var components map[string]string
	if h.degraded != nil {
		components = h.degraded.Map()
		if len(components) > 0 {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"degraded": components,
	})
}

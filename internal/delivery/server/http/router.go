// Package http implements the request surface: HTTP/JSON handlers for job
// submission, query, status update, cancel, metrics, and agent
// register/heartbeat/list/get, routed over Go 1.22+ method-specific mux
// patterns.
package http

import (
	"net/http"

	"testforge/internal/domain/agent"
	"testforge/internal/domain/job"
	"testforge/internal/lifecycle"
	"testforge/internal/shared/logging"
)

// DegradedReporter reports which optional components failed to initialize.
// Satisfied by *bootstrap.DegradedComponents.
type DegradedReporter interface {
	Map() map[string]string
}

// RouterDeps holds the service dependencies the router wires into handlers.
type RouterDeps struct {
	Jobs      job.Store
	Agents    agent.Store
	Lifecycle *lifecycle.Monitor
	Degraded  DegradedReporter
	Logger    logging.Logger
}

// NewRouter builds the full HTTP handler: routes plus the logging,
// metrics, and recovery middleware stack.
func NewRouter(deps RouterDeps) http.Handler {
	logger := logging.OrNop(deps.Logger)

	jobsHandler := NewJobsHandler(deps.Jobs, deps.Lifecycle, logger)
	agentsHandler := NewAgentsHandler(deps.Agents, deps.Lifecycle, logger)
	healthHandler := NewHealthHandler(deps.Degraded)

	mux := http.NewServeMux()

	mux.Handle("POST /api/jobs", http.HandlerFunc(jobsHandler.HandleSubmit))
	mux.Handle("GET /api/jobs", http.HandlerFunc(jobsHandler.HandleList))
	mux.Handle("GET /api/jobs/{id}", http.HandlerFunc(jobsHandler.HandleGet))
	mux.Handle("PUT /api/jobs/{id}/status", http.HandlerFunc(jobsHandler.HandleUpdateStatus))
	mux.Handle("DELETE /api/jobs/{id}", http.HandlerFunc(jobsHandler.HandleCancel))
	mux.Handle("GET /api/jobs/{id}/metrics", http.HandlerFunc(jobsHandler.HandleMetrics))

	mux.Handle("POST /api/agents/register", http.HandlerFunc(agentsHandler.HandleRegister))
	mux.Handle("POST /api/agents/{id}/heartbeat", http.HandlerFunc(agentsHandler.HandleHeartbeat))
	mux.Handle("GET /api/agents/{id}", http.HandlerFunc(agentsHandler.HandleGet))
	mux.Handle("GET /api/agents", http.HandlerFunc(agentsHandler.HandleList))

	mux.Handle("GET /api/health", http.HandlerFunc(healthHandler.HandleHealth))
	mux.Handle("GET /metrics", promHandler())

	var handler http.Handler = mux
	handler = RecoveryMiddleware(logger)(handler)
	handler = MetricsMiddleware()(handler)
	handler = LoggingMiddleware(logger)(handler)
	return handler
}

package http

import (
	"net/http"

	"github.com/go-playground/validator/v10"

	"testforge/internal/domain/agent"
	"testforge/internal/domain/job"
	"testforge/internal/lifecycle"
	"testforge/internal/shared/logging"
)

// capabilityDTO is the wire shape of one agent capability entry.
type capabilityDTO struct {
	Target     string `json:"target" validate:"required,oneof=emulator device cloud"`
	Platform   string `json:"platform,omitempty"`
	Version    string `json:"version,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
}

// registerDTO is the agent registration request body.
type registerDTO struct {
	ID           string          `json:"id" validate:"required"`
	Name         string          `json:"name"`
	Capabilities []capabilityDTO `json:"capabilities" validate:"required,min=1,dive"`
}

// heartbeatDTO is the agent heartbeat request body.
type heartbeatDTO struct {
	Status      string   `json:"status" validate:"required"`
	CurrentJobs []string `json:"current_jobs"`
}

// AgentsHandler implements the agent-facing request surface operations:
// register, heartbeat, list, get.
type AgentsHandler struct {
	agents   agent.Store
	lifecyc  *lifecycle.Monitor
	validate *validator.Validate
	logger   logging.Logger
}

// NewAgentsHandler constructs an AgentsHandler. logger may be nil.
func NewAgentsHandler(agents agent.Store, lifecyc *lifecycle.Monitor, logger logging.Logger) *AgentsHandler {
	return &AgentsHandler{
		agents:   agents,
		lifecyc:  lifecyc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logging.OrNop(logger),
	}
}

// HandleRegister implements POST /api/agents/register.
func (h *AgentsHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var dto registerDTO
	if err := decodeJSON(r, &dto); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid register body: "+err.Error())
		return
	}
	if err := h.validate.Struct(dto); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	caps := make([]agent.Capability, 0, len(dto.Capabilities))
	for _, c := range dto.Capabilities {
		caps = append(caps, agent.Capability{
			Target:     job.Target(c.Target),
			Platform:   c.Platform,
			Version:    c.Version,
			DeviceName: c.DeviceName,
		})
	}

	a := &agent.Agent{
		ID:                dto.ID,
		Name:              dto.Name,
		Capabilities:      caps,
		MaxConcurrentJobs: agent.DefaultMaxConcurrentJobs,
	}
	if err := h.agents.Create(r.Context(), a); err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "failed to register agent")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": a.ID})
}

// HandleHeartbeat implements POST /api/agents/:id/heartbeat.
func (h *AgentsHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var dto heartbeatDTO
	if err := decodeJSON(r, &dto); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid heartbeat body: "+err.Error())
		return
	}
	status := agent.Status(dto.Status)
	if !status.IsValid() {
		writeJSONError(w, http.StatusBadRequest, "unknown agent status: "+dto.Status)
		return
	}

	if err := h.lifecyc.Heartbeat(r.Context(), id, status, dto.CurrentJobs); err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "failed to process heartbeat")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleGet implements GET /api/agents/:id.
func (h *AgentsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := h.agents.Get(r.Context(), id)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "failed to load agent")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": a})
}

// HandleList implements GET /api/agents.
func (h *AgentsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.List(r.Context())
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "failed to list agents")
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

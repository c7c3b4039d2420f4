package http

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"testforge/internal/domain/job"
	"testforge/internal/lifecycle"
	"testforge/internal/metrics"
	"testforge/internal/shared/logging"
)

// jobSpecDTO is the wire shape of one job submission, struct-tag validated
// with go-playground/validator before being translated into job.Spec and
// re-validated by the domain layer's own Spec.Validate().
type jobSpecDTO struct {
	OrgID        string         `json:"org_id" validate:"required"`
	AppVersionID string         `json:"app_version_id" validate:"required"`
	TestPath     string         `json:"test_path" validate:"required"`
	Target       string         `json:"target" validate:"required,oneof=emulator device cloud"`
	Priority     int            `json:"priority" validate:"min=1,max=10"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (d jobSpecDTO) toDomain() job.Spec {
	return job.Spec{
		OrgID:        d.OrgID,
		AppVersionID: d.AppVersionID,
		TestPath:     d.TestPath,
		Target:       job.Target(d.Target),
		Priority:     d.Priority,
		Metadata:     d.Metadata,
	}
}

// statusUpdateDTO is the agent-facing status update body (PUT .../status).
type statusUpdateDTO struct {
	Status       string      `json:"status" validate:"required"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Result       *job.Result `json:"result,omitempty"`
}

// cancelDTO is the optional cancel request body (DELETE .../jobs/:id).
type cancelDTO struct {
	Reason string `json:"reason,omitempty"`
}

// JobsHandler implements the job-facing request surface operations:
// submit, get, list, update status, cancel, and per-job metrics.
type JobsHandler struct {
	jobs     job.Store
	lifecyc  *lifecycle.Monitor
	validate *validator.Validate
	logger   logging.Logger
}

// NewJobsHandler constructs a JobsHandler. logger may be nil.
func NewJobsHandler(jobs job.Store, lifecyc *lifecycle.Monitor, logger logging.Logger) *JobsHandler {
	return &JobsHandler{
		jobs:     jobs,
		lifecyc:  lifecyc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logging.OrNop(logger),
	}
}

// HandleSubmit implements POST /api/jobs. The body may be a single JobSpec
// (response: the created Job at 201) or {jobs: [JobSpec, ...]} (response:
// {job_ids: [...]} at 201), distinguished by the presence of a top-level
// "jobs" key.
func (h *JobsHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 5<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var probe struct {
		Jobs json.RawMessage `json:"jobs"`
	}
	_ = json.Unmarshal(body, &probe)

	if len(probe.Jobs) > 0 && string(probe.Jobs) != "null" {
		var dtos []jobSpecDTO
		if err := json.Unmarshal(probe.Jobs, &dtos); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid jobs array: "+err.Error())
			return
		}
		ids := make([]string, 0, len(dtos))
		for _, dto := range dtos {
			j, err := h.create(r, dto)
			if err != nil {
				writeMappedError(w, err, http.StatusInternalServerError, "failed to submit job")
				return
			}
			ids = append(ids, j.ID)
		}
		writeJSON(w, http.StatusCreated, map[string]any{"job_ids": ids})
		return
	}

	var dto jobSpecDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid job spec: "+err.Error())
		return
	}
	j, err := h.create(r, dto)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "failed to submit job")
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (h *JobsHandler) create(r *http.Request, dto jobSpecDTO) (*job.Job, error) {
	if err := h.validate.Struct(dto); err != nil {
		return nil, validationError(err.Error())
	}
	spec := dto.toDomain()
	if err := spec.Validate(); err != nil {
		return nil, validationError(err.Error())
	}
	j := &job.Job{
		OrgID:        spec.OrgID,
		AppVersionID: spec.AppVersionID,
		TestPath:     spec.TestPath,
		Target:       spec.Target,
		Priority:     spec.Priority,
		Metadata:     spec.Metadata,
	}
	if err := h.jobs.Create(r.Context(), j); err != nil {
		return nil, err
	}
	metrics.JobsSubmittedTotal.WithLabelValues(string(j.Target)).Inc()
	return j, nil
}

// HandleGet implements GET /api/jobs/:id.
func (h *JobsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// HandleList implements GET /api/jobs.
func (h *JobsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := job.ListFilter{
		OrgID:  q.Get("org_id"),
		Status: job.Status(q.Get("status")),
		Limit:  50,
		Offset: 0,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	result, err := h.jobs.List(r.Context(), filter)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":     result.Jobs,
		"total":    result.Total,
		"has_more": result.HasMore,
	})
}

// HandleUpdateStatus implements PUT /api/jobs/:id/status (agent-facing).
func (h *JobsHandler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var dto statusUpdateDTO
	if err := decodeJSON(r, &dto); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid status update body: "+err.Error())
		return
	}
	status := job.Status(dto.Status)
	if !status.IsValid() {
		writeJSONError(w, http.StatusBadRequest, "unknown status: "+dto.Status)
		return
	}

	j, err := h.lifecyc.UpdateStatus(r.Context(), id, status, dto.ErrorMessage, dto.Result)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "failed to update job status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": j})
}

// HandleCancel implements DELETE /api/jobs/:id.
func (h *JobsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var dto cancelDTO
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &dto); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid cancel body: "+err.Error())
			return
		}
	}
	_, err := h.lifecyc.Cancel(r.Context(), id, dto.Reason)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "job cancelled"})
}

// HandleMetrics implements GET /api/jobs/:id/metrics.
func (h *JobsHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job.ComputeMetrics(*j, time.Now()))
}

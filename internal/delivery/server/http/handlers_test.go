package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testforge/internal/broker"
	"testforge/internal/domain/agent"
	"testforge/internal/domain/group"
	"testforge/internal/domain/job"
	"testforge/internal/lifecycle"
)

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]job.Job
}

func newFakeJobStore(jobs ...job.Job) *fakeJobStore {
	f := &fakeJobStore{jobs: make(map[string]job.Job)}
	for _, j := range jobs {
		f.jobs[j.ID] = j
	}
	return f
}

func (f *fakeJobStore) EnsureSchema(ctx context.Context) error { return nil }
func (f *fakeJobStore) Create(ctx context.Context, j *job.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j.ID == "" {
		j.ID = "job-generated"
	}
	j.Status = job.StatusPending
	f.jobs[j.ID] = *j
	return nil
}
func (f *fakeJobStore) Get(ctx context.Context, id string) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return &j, nil
}
func (f *fakeJobStore) List(ctx context.Context, filter job.ListFilter) (job.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []job.Job
	for _, j := range f.jobs {
		jobs = append(jobs, j)
	}
	return job.ListResult{Jobs: jobs, Total: len(jobs)}, nil
}
func (f *fakeJobStore) JobsByAppVersionTarget(ctx context.Context, appVersionID string, target job.Target) ([]job.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) ListByStatus(ctx context.Context, status job.Status, limit int) ([]job.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) UpdateJob(ctx context.Context, id string, delta job.Delta) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	if delta.Status != nil {
		if !job.CanTransition(j.Status, *delta.Status) {
			return nil, job.ErrIllegalTransition
		}
		j.Status = *delta.Status
	}
	if delta.ErrorMessage != nil {
		if delta.ErrorMessage.Valid {
			j.ErrorMessage = delta.ErrorMessage.Value
		} else {
			j.ErrorMessage = ""
		}
	}
	if delta.Result != nil {
		j.Result = delta.Result
	}
	if delta.StartedAt != nil {
		j.StartedAt = delta.StartedAt
	}
	if delta.CompletedAt != nil {
		j.CompletedAt = delta.CompletedAt
	}
	f.jobs[id] = j
	return &j, nil
}
func (f *fakeJobStore) Delete(ctx context.Context, id string) error { return nil }

var _ job.Store = (*fakeJobStore)(nil)

type fakeAgentStore struct {
	mu     sync.Mutex
	agents map[string]agent.Agent
}

func newFakeAgentStore(agents ...agent.Agent) *fakeAgentStore {
	f := &fakeAgentStore{agents: make(map[string]agent.Agent)}
	for _, a := range agents {
		f.agents[a.ID] = a
	}
	return f
}

func (f *fakeAgentStore) EnsureSchema(ctx context.Context) error { return nil }
func (f *fakeAgentStore) Create(ctx context.Context, a *agent.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[a.ID] = *a
	return nil
}
func (f *fakeAgentStore) Get(ctx context.Context, id string) (*agent.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return nil, agent.ErrNotFound
	}
	return &a, nil
}
func (f *fakeAgentStore) List(ctx context.Context) ([]agent.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []agent.Agent
	for _, a := range f.agents {
		out = append(out, a)
	}
	return out, nil
}
func (f *fakeAgentStore) Available(ctx context.Context, target job.Target) ([]agent.Agent, error) {
	return nil, nil
}
func (f *fakeAgentStore) UpdateAgent(ctx context.Context, id string, delta agent.Delta) (*agent.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return nil, agent.ErrNotFound
	}
	if delta.Status != nil {
		a.Status = *delta.Status
	}
	if delta.CurrentJobs != nil {
		a.CurrentJobs = *delta.CurrentJobs
	}
	if delta.LastHeartbeat != nil {
		a.LastHeartbeat = *delta.LastHeartbeat
	}
	f.agents[id] = a
	return &a, nil
}

var _ agent.Store = (*fakeAgentStore)(nil)

type fakeGroupStore struct {
	mu     sync.Mutex
	groups map[string]group.Group
}

func newFakeGroupStore() *fakeGroupStore {
	return &fakeGroupStore{groups: make(map[string]group.Group)}
}

func (f *fakeGroupStore) EnsureSchema(ctx context.Context) error { return nil }
func (f *fakeGroupStore) Create(ctx context.Context, g *group.Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[g.ID] = *g
	return nil
}
func (f *fakeGroupStore) Get(ctx context.Context, id string) (*group.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return nil, group.ErrNotFound
	}
	return &g, nil
}
func (f *fakeGroupStore) GetActiveByKey(ctx context.Context, key group.Key) (*group.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.groups {
		if g.Key() == key && g.Status.IsActive() {
			gg := g
			return &gg, nil
		}
	}
	return nil, group.ErrNotFound
}
func (f *fakeGroupStore) UpdateGroup(ctx context.Context, id string, delta group.Delta) (*group.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return nil, group.ErrNotFound
	}
	if delta.Status != nil {
		g.Status = *delta.Status
	}
	if delta.CompletedAt != nil {
		g.CompletedAt = delta.CompletedAt
	}
	f.groups[id] = g
	return &g, nil
}

var _ group.Store = (*fakeGroupStore)(nil)

type fakeBroker struct{}

func (fakeBroker) Push(ctx context.Context, queue string, payload []byte) error { return nil }
func (fakeBroker) Pop(ctx context.Context, queue string) ([]byte, error)        { return nil, nil }
func (fakeBroker) BlockingPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	return nil, nil
}
func (fakeBroker) Add(ctx context.Context, set string, member []byte, score float64) error {
	return nil
}
func (fakeBroker) PopMax(ctx context.Context, set string) ([]byte, float64, error) {
	return nil, 0, nil
}
func (fakeBroker) Length(ctx context.Context, set string) (int64, error) { return 0, nil }
func (fakeBroker) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return true, nil
}
func (fakeBroker) Get(ctx context.Context, key string) ([]byte, bool, error) { return nil, false, nil }
func (fakeBroker) Delete(ctx context.Context, key string) error             { return nil }
func (fakeBroker) Publish(ctx context.Context, channel string, payload []byte) error { return nil }
func (fakeBroker) Subscribe(ctx context.Context, channel string, fn broker.Subscriber) (func(), error) {
	return func() {}, nil
}
func (fakeBroker) Close() error { return nil }

var _ broker.Broker = fakeBroker{}

func newTestRouter(jobs *fakeJobStore, agents *fakeAgentStore) http.Handler {
	monitor := lifecycle.New(jobs, newFakeGroupStore(), agents, fakeBroker{}, lifecycle.DefaultConfig(), nil)
	return NewRouter(RouterDeps{Jobs: jobs, Agents: agents, Lifecycle: monitor})
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleSubmit_CreatesSingleJob(t *testing.T) {
	router := newTestRouter(newFakeJobStore(), newFakeAgentStore())
	rec := doRequest(t, router, http.MethodPost, "/api/jobs", map[string]any{
		"org_id":         "org-1",
		"app_version_id": "av-1",
		"test_path":      "tests/smoke.yaml",
		"target":         "emulator",
		"priority":       5,
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var created job.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "org-1", created.OrgID)
	assert.Equal(t, job.StatusPending, created.Status)
}

func TestHandleSubmit_RejectsMissingRequiredField(t *testing.T) {
	router := newTestRouter(newFakeJobStore(), newFakeAgentStore())
	rec := doRequest(t, router, http.MethodPost, "/api/jobs", map[string]any{
		"app_version_id": "av-1",
		"test_path":      "tests/smoke.yaml",
		"target":         "emulator",
		"priority":       5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmit_RejectsUnknownTarget(t *testing.T) {
	router := newTestRouter(newFakeJobStore(), newFakeAgentStore())
	rec := doRequest(t, router, http.MethodPost, "/api/jobs", map[string]any{
		"org_id":         "org-1",
		"app_version_id": "av-1",
		"test_path":      "tests/smoke.yaml",
		"target":         "simulator",
		"priority":       5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmit_BatchShapeReturnsJobIDs(t *testing.T) {
	router := newTestRouter(newFakeJobStore(), newFakeAgentStore())
	rec := doRequest(t, router, http.MethodPost, "/api/jobs", map[string]any{
		"jobs": []map[string]any{
			{"org_id": "org-1", "app_version_id": "av-1", "test_path": "a.yaml", "target": "emulator", "priority": 3},
			{"org_id": "org-1", "app_version_id": "av-1", "test_path": "b.yaml", "target": "emulator", "priority": 3},
		},
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var out map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out["job_ids"], 2)
}

func TestHandleGet_UnknownJobReturns404(t *testing.T) {
	router := newTestRouter(newFakeJobStore(), newFakeAgentStore())
	rec := doRequest(t, router, http.MethodGet, "/api/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGet_KnownJobReturns200(t *testing.T) {
	jobs := newFakeJobStore(job.Job{ID: "job-1", Status: job.StatusPending})
	router := newTestRouter(jobs, newFakeAgentStore())
	rec := doRequest(t, router, http.MethodGet, "/api/jobs/job-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleUpdateStatus_IllegalTransitionReturns400(t *testing.T) {
	jobs := newFakeJobStore(job.Job{ID: "job-1", Status: job.StatusCompleted})
	router := newTestRouter(jobs, newFakeAgentStore())
	rec := doRequest(t, router, http.MethodPut, "/api/jobs/job-1/status", map[string]any{"status": "running"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCancel_AlreadyTerminalReturns400(t *testing.T) {
	jobs := newFakeJobStore(job.Job{ID: "job-1", Status: job.StatusCompleted})
	router := newTestRouter(jobs, newFakeAgentStore())
	rec := doRequest(t, router, http.MethodDelete, "/api/jobs/job-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCancel_PendingJobSucceeds(t *testing.T) {
	jobs := newFakeJobStore(job.Job{ID: "job-1", Status: job.StatusPending})
	router := newTestRouter(jobs, newFakeAgentStore())
	rec := doRequest(t, router, http.MethodDelete, "/api/jobs/job-1", map[string]any{"reason": "no longer needed"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleMetrics_ReturnsComputedMetrics(t *testing.T) {
	jobs := newFakeJobStore(job.Job{ID: "job-1", Status: job.StatusPending, CreatedAt: time.Now().Add(-time.Minute)})
	router := newTestRouter(jobs, newFakeAgentStore())
	rec := doRequest(t, router, http.MethodGet, "/api/jobs/job-1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var m job.Metrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Nil(t, m.DurationMs)
	assert.Greater(t, m.QueueTimeMs, int64(0))
}

func TestHandleRegister_CreatesAgent(t *testing.T) {
	router := newTestRouter(newFakeJobStore(), newFakeAgentStore())
	rec := doRequest(t, router, http.MethodPost, "/api/agents/register", map[string]any{
		"id":   "agent-1",
		"name": "worker-1",
		"capabilities": []map[string]any{
			{"target": "emulator"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleRegister_RejectsMissingCapabilities(t *testing.T) {
	router := newTestRouter(newFakeJobStore(), newFakeAgentStore())
	rec := doRequest(t, router, http.MethodPost, "/api/agents/register", map[string]any{
		"id": "agent-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHeartbeat_UnknownAgentReturns404(t *testing.T) {
	router := newTestRouter(newFakeJobStore(), newFakeAgentStore())
	rec := doRequest(t, router, http.MethodPost, "/api/agents/ghost/heartbeat", map[string]any{"status": "online"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHeartbeat_KnownAgentSucceeds(t *testing.T) {
	agents := newFakeAgentStore(agent.Agent{ID: "agent-1", Status: agent.StatusOffline})
	router := newTestRouter(newFakeJobStore(), agents)
	rec := doRequest(t, router, http.MethodPost, "/api/agents/agent-1/heartbeat", map[string]any{"status": "online"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleList_ReturnsRegisteredAgents(t *testing.T) {
	agents := newFakeAgentStore(agent.Agent{ID: "agent-1"}, agent.Agent{ID: "agent-2"})
	router := newTestRouter(newFakeJobStore(), agents)
	rec := doRequest(t, router, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []agent.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out, 2)
}

func TestHandleHealth_ReturnsOKEvenWithoutDegradedComponents(t *testing.T) {
	router := newTestRouter(newFakeJobStore(), newFakeAgentStore())
	rec := doRequest(t, router, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

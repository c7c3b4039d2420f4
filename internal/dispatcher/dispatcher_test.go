package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testforge/internal/broker"
	"testforge/internal/domain/agent"
	"testforge/internal/domain/group"
	"testforge/internal/domain/job"
)

type fakeGroupStore struct {
	mu     sync.Mutex
	groups map[string]group.Group
}

func newFakeGroupStore(groups ...group.Group) *fakeGroupStore {
	f := &fakeGroupStore{groups: make(map[string]group.Group)}
	for _, g := range groups {
		f.groups[g.ID] = g
	}
	return f
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
	if delta.AssignedAgent != nil {
		g.AssignedAgent = *delta.AssignedAgent
	}
	if delta.StartedAt != nil {
		g.StartedAt = delta.StartedAt
	}
	f.groups[id] = g
	return &g, nil
}

var _ group.Store = (*fakeGroupStore)(nil)

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
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []agent.Agent
	for _, a := range f.agents {
		if a.DispatchEligible(target, "", "", "") {
			out = append(out, a)
		}
	}
	return out, nil
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
	if delta.MaxConcurrentJobs != nil {
		a.MaxConcurrentJobs = *delta.MaxConcurrentJobs
	}
	f.agents[id] = a
	return &a, nil
}

var _ agent.Store = (*fakeAgentStore)(nil)

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
	return job.ListResult{}, nil
}
func (f *fakeJobStore) JobsByAppVersionTarget(ctx context.Context, appVersionID string, target job.Target) ([]job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []job.Job
	for _, j := range f.jobs {
		if j.AppVersionID != appVersionID || j.Target != target {
			continue
		}
		if j.Status != job.StatusPending && j.Status != job.StatusQueued {
			continue
		}
		out = append(out, j)
	}
	return out, nil
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
		j.Status = *delta.Status
	}
	if delta.AssignedAgent != nil {
		j.AssignedAgent = *delta.AssignedAgent
	}
	if delta.RetryCount != nil {
		j.RetryCount = *delta.RetryCount
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
func (f *fakeJobStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
	return nil
}

var _ job.Store = (*fakeJobStore)(nil)

type fakeBroker struct {
	mu    sync.Mutex
	zsets map[string]map[string]float64
	kv    map[string][]byte
	lists map[string][][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		zsets: make(map[string]map[string]float64),
		kv:    make(map[string][]byte),
		lists: make(map[string][][]byte),
	}
}

func (b *fakeBroker) Push(ctx context.Context, queue string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists[queue] = append(b.lists[queue], payload)
	return nil
}
func (b *fakeBroker) Pop(ctx context.Context, queue string) ([]byte, error) { return nil, nil }
func (b *fakeBroker) BlockingPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	return nil, nil
}
func (b *fakeBroker) Add(ctx context.Context, set string, member []byte, score float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.zsets[set] == nil {
		b.zsets[set] = make(map[string]float64)
	}
	b.zsets[set][string(member)] = score
	return nil
}
func (b *fakeBroker) PopMax(ctx context.Context, set string) ([]byte, float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var bestMember string
	var bestScore float64
	found := false
	for m, s := range b.zsets[set] {
		if !found || s > bestScore {
			bestMember, bestScore, found = m, s, true
		}
	}
	if !found {
		return nil, 0, nil
	}
	delete(b.zsets[set], bestMember)
	return []byte(bestMember), bestScore, nil
}
func (b *fakeBroker) Length(ctx context.Context, set string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.zsets[set])), nil
}
func (b *fakeBroker) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.kv[key]; exists {
		return false, nil
	}
	b.kv[key] = value
	return true, nil
}
func (b *fakeBroker) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.kv[key]
	return v, ok, nil
}
func (b *fakeBroker) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.kv, key)
	return nil
}
func (b *fakeBroker) Publish(ctx context.Context, channel string, payload []byte) error { return nil }
func (b *fakeBroker) Subscribe(ctx context.Context, channel string, fn broker.Subscriber) (func(), error) {
	return func() {}, nil
}
func (b *fakeBroker) Close() error { return nil }

var _ broker.Broker = (*fakeBroker)(nil)

func TestTick_NoQueuedDescriptorIsANoop(t *testing.T) {
	d := New(newFakeGroupStore(), newFakeAgentStore(), newFakeJobStore(), newFakeBroker(), DefaultConfig(), nil)
	require.NoError(t, d.tick(context.Background()))
}

func TestTick_AssignsToOnlyEligibleAgent(t *testing.T) {
	g := group.Group{ID: "group-1", OrgID: "org-1", AppVersionID: "av-1", Target: job.TargetEmulator, Status: group.StatusPending}
	groups := newFakeGroupStore(g)

	a := agent.Agent{
		ID:                "agent-1",
		Status:            agent.StatusOnline,
		MaxConcurrentJobs: 1,
		Capabilities:      []agent.Capability{{Target: job.TargetEmulator}},
	}
	agents := newFakeAgentStore(a)

	j := job.Job{ID: "job-1", OrgID: "org-1", AppVersionID: "av-1", Target: job.TargetEmulator, Status: job.StatusQueued}
	jobs := newFakeJobStore(j)

	b := newFakeBroker()
	descriptor := group.Descriptor{GroupID: "group-1", Target: job.TargetEmulator, JobCount: 1, PriorityScore: 5}
	payload, err := json.Marshal(descriptor)
	require.NoError(t, err)
	require.NoError(t, b.Add(context.Background(), schedulingQueue, payload, 5))

	d := New(groups, agents, jobs, b, DefaultConfig(), nil)
	require.NoError(t, d.tick(context.Background()))

	updatedGroup, err := groups.Get(context.Background(), "group-1")
	require.NoError(t, err)
	assert.Equal(t, group.StatusAssigned, updatedGroup.Status)
	assert.Equal(t, "agent-1", updatedGroup.AssignedAgent)

	updatedAgent, err := agents.Get(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Contains(t, updatedAgent.CurrentJobs, "group-1")

	updatedJob, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", updatedJob.AssignedAgent)

	assert.Len(t, b.lists["agent:agent-1:work"], 1)
}

func TestTick_NoEligibleAgentReenqueuesWithLowerScore(t *testing.T) {
	g := group.Group{ID: "group-1", OrgID: "org-1", AppVersionID: "av-1", Target: job.TargetDevice, Status: group.StatusPending}
	groups := newFakeGroupStore(g)
	agents := newFakeAgentStore() // none registered

	b := newFakeBroker()
	descriptor := group.Descriptor{GroupID: "group-1", Target: job.TargetDevice, JobCount: 1, PriorityScore: 5}
	payload, err := json.Marshal(descriptor)
	require.NoError(t, err)
	require.NoError(t, b.Add(context.Background(), schedulingQueue, payload, 5))

	d := New(groups, agents, newFakeJobStore(), b, DefaultConfig(), nil)
	require.NoError(t, d.tick(context.Background()))

	assert.Equal(t, 5-reenqueueEpsilon, b.zsets[schedulingQueue][string(payload)])
}

func TestTryAssign_BusyAgentAtCapacityIsNotAssigned(t *testing.T) {
	g := &group.Group{ID: "group-1", Target: job.TargetCloud}
	a := agent.Agent{
		ID:                "agent-1",
		Status:            agent.StatusOnline,
		MaxConcurrentJobs: 1,
		CurrentJobs:       []string{"already-running"},
		Capabilities:      []agent.Capability{{Target: job.TargetCloud}},
	}
	groups := newFakeGroupStore()
	agents := newFakeAgentStore(a)
	d := New(groups, agents, newFakeJobStore(), newFakeBroker(), DefaultConfig(), nil)

	assigned, err := d.tryAssign(context.Background(), g, a)
	require.NoError(t, err)
	assert.False(t, assigned)
}

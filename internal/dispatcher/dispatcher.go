// Package dispatcher implements the dispatch pass: a cron-driven tick that
// pops the highest-priority Group descriptor and assigns it to a
// compatible, dispatch-eligible agent with spare capacity.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"

	"testforge/internal/broker"
	"testforge/internal/domain/agent"
	"testforge/internal/domain/group"
	"testforge/internal/domain/job"
	"testforge/internal/metrics"
	"testforge/internal/shared/async"
	shrderrors "testforge/internal/shared/errors"
	"testforge/internal/shared/logging"
	"testforge/internal/tracing"
)

const (
	schedulingQueue  = "groups:scheduling"
	reenqueueEpsilon = 0.1
)

// Config tunes the Dispatcher's periodic behavior.
type Config struct {
	Tick    time.Duration // default 2s
	LockTTL time.Duration // default 10s
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{Tick: 2 * time.Second, LockTTL: 10 * time.Second}
}

// Dispatcher periodically assigns queued Groups to agents.
type Dispatcher struct {
	cron          *cron.Cron
	groups        group.Store
	agents        agent.Store
	jobs          job.Store
	broker        broker.Broker
	config        Config
	logger        logging.Logger
	storeBreaker  *shrderrors.CircuitBreaker
	brokerBreaker *shrderrors.CircuitBreaker
}

// New constructs a Dispatcher. logger may be nil.
func New(groups group.Store, agents agent.Store, jobs job.Store, b broker.Broker, cfg Config, logger logging.Logger) *Dispatcher {
	logger = logging.OrNop(logger)
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	return &Dispatcher{
		cron:          c,
		groups:        groups,
		agents:        agents,
		jobs:          jobs,
		broker:        b,
		config:        cfg,
		logger:        logger,
		storeBreaker:  shrderrors.NewCircuitBreaker("dispatcher-store", shrderrors.DefaultCircuitBreakerConfig()),
		brokerBreaker: shrderrors.NewCircuitBreaker("dispatcher-broker", shrderrors.DefaultCircuitBreakerConfig()),
	}
}

// Start registers the periodic tick and starts the cron scheduler.
func (d *Dispatcher) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", d.config.Tick)
	_, err := d.cron.AddFunc(spec, func() {
		async.Go(d.logger, "dispatcher-tick", func() {
			if err := d.tick(ctx); err != nil {
				d.logger.Error("Dispatcher: tick failed: %v", err)
			}
		})
	})
	if err != nil {
		return fmt.Errorf("register dispatcher tick: %w", err)
	}
	d.cron.Start()
	return nil
}

// Stop halts the cron scheduler. Tick bodies already launched on their own
// goroutine via async.Go are not waited for.
func (d *Dispatcher) Stop() {
	<-d.cron.Stop().Done()
}

// tick runs one dispatch pass: pop the highest-scored descriptor, find an
// eligible agent, assign or re-enqueue.
func (d *Dispatcher) tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.DispatcherTickDuration.Observe(time.Since(start).Seconds()) }()

	var payload []byte
	var score float64
	if err := d.brokerBreaker.Execute(ctx, func(ctx context.Context) error {
		p, s, err := d.broker.PopMax(ctx, schedulingQueue)
		payload, score = p, s
		return err
	}); err != nil {
		return fmt.Errorf("pop_max groups:scheduling: %w", err)
	}
	if payload == nil {
		return nil
	}

	var descriptor group.Descriptor
	if err := json.Unmarshal(payload, &descriptor); err != nil {
		d.logger.Error("Dispatcher: dropping malformed descriptor: %v", err)
		return nil
	}

	var g *group.Group
	getErr := d.storeBreaker.Execute(ctx, func(ctx context.Context) error {
		found, err := d.groups.Get(ctx, descriptor.GroupID)
		g = found
		return err
	})
	if getErr != nil {
		if getErr == group.ErrNotFound {
			return nil
		}
		return fmt.Errorf("load group %s: %w", descriptor.GroupID, getErr)
	}
	if g.Status == group.StatusCompleted {
		return nil
	}

	var candidates []agent.Agent
	if err := d.storeBreaker.Execute(ctx, func(ctx context.Context) error {
		found, err := d.agents.Available(ctx, descriptor.Target)
		candidates = found
		return err
	}); err != nil {
		return fmt.Errorf("list available agents: %w", err)
	}
	eligible := make([]agent.Agent, 0, len(candidates))
	for _, a := range candidates {
		if a.DispatchEligible(descriptor.Target, "", "", "") {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return d.reenqueue(ctx, payload, score)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if len(eligible[i].CurrentJobs) != len(eligible[j].CurrentJobs) {
			return len(eligible[i].CurrentJobs) < len(eligible[j].CurrentJobs)
		}
		return eligible[i].ID < eligible[j].ID
	})

	for _, candidate := range eligible {
		assigned, err := d.tryAssign(ctx, g, candidate)
		if err != nil {
			d.logger.Error("Dispatcher: assign group %s to agent %s failed: %v", g.ID, candidate.ID, err)
			continue
		}
		if assigned {
			return nil
		}
	}
	return d.reenqueue(ctx, payload, score)
}

// tryAssign serializes the assignment of one Group to one Agent behind a
// short-lived broker lock keyed on the agent id, so two Dispatcher replicas
// cannot both over-fill the same agent.
func (d *Dispatcher) tryAssign(ctx context.Context, g *group.Group, a agent.Agent) (assigned bool, err error) {
	ctx, span := tracing.Start(ctx, tracing.SpanDispatchAssign,
		attribute.String(tracing.AttrGroupID, g.ID),
		attribute.String(tracing.AttrAgentID, a.ID),
		attribute.String(tracing.AttrTarget, string(g.Target)),
	)
	defer func() { tracing.End(span, err) }()

	lockKey := fmt.Sprintf("agent:%s", a.ID)
	token := []byte(g.ID)
	lock, ok, lockErr := broker.AcquireLock(ctx, d.broker, lockKey, token, d.config.LockTTL)
	if lockErr != nil {
		return false, fmt.Errorf("acquire agent lock: %w", lockErr)
	}
	if !ok {
		return false, nil
	}
	defer lock.Release(ctx)

	fresh, getErr := d.agents.Get(ctx, a.ID)
	if getErr != nil {
		return false, fmt.Errorf("reload agent: %w", getErr)
	}
	if !fresh.DispatchEligible(g.Target, "", "", "") {
		return false, nil
	}

	currentJobs := append(append([]string{}, fresh.CurrentJobs...), g.ID)
	if _, updErr := d.agents.UpdateAgent(ctx, fresh.ID, agent.Delta{CurrentJobs: &currentJobs}); updErr != nil {
		return false, fmt.Errorf("update agent current_jobs: %w", updErr)
	}

	now := time.Now()
	status := group.StatusAssigned
	if _, updErr := d.groups.UpdateGroup(ctx, g.ID, group.Delta{
		Status:        &status,
		AssignedAgent: &fresh.ID,
		StartedAt:     &now,
	}); updErr != nil {
		return false, fmt.Errorf("update group assignment: %w", updErr)
	}

	if assignErr := d.assignGroupJobs(ctx, g, fresh.ID); assignErr != nil {
		d.logger.Error("Dispatcher: failed to stamp assigned_agent on group %s jobs: %v", g.ID, assignErr)
	}

	work := map[string]any{
		"group_id":    g.ID,
		"type":        "job_group",
		"assigned_at": now,
	}
	workPayload, marshalErr := json.Marshal(work)
	if marshalErr != nil {
		return false, fmt.Errorf("marshal work item: %w", marshalErr)
	}
	queue := fmt.Sprintf("agent:%s:work", fresh.ID)
	if pushErr := d.broker.Push(ctx, queue, workPayload); pushErr != nil {
		return false, fmt.Errorf("push work item: %w", pushErr)
	}

	metrics.DispatchesTotal.WithLabelValues(string(g.Target)).Inc()
	d.logger.Info("Dispatcher: assigned group %s to agent %s", g.ID, fresh.ID)
	return true, nil
}

// assignGroupJobs stamps assigned_agent on every still-queued Job belonging
// to the Group. Membership is implicit: jobs are not linked to a group_id,
// only to the shared coalescing key. This is what lets the orphan sweep and
// the agent-facing cancel path find the agent responsible for a Job once
// its Group has been dispatched.
func (d *Dispatcher) assignGroupJobs(ctx context.Context, g *group.Group, agentID string) error {
	if d.jobs == nil {
		return nil
	}
	members, err := d.jobs.JobsByAppVersionTarget(ctx, g.AppVersionID, g.Target)
	if err != nil {
		return fmt.Errorf("list group member jobs: %w", err)
	}
	for _, j := range members {
		if j.OrgID != g.OrgID || j.Status != job.StatusQueued {
			continue
		}
		assigned := agentID
		if _, err := d.jobs.UpdateJob(ctx, j.ID, job.Delta{AssignedAgent: &assigned}); err != nil {
			d.logger.Error("Dispatcher: failed to set assigned_agent on job %s: %v", j.ID, err)
		}
	}
	return nil
}

// reenqueue pushes a descriptor back onto groups:scheduling with a slightly
// lower score, so the Dispatcher retries it but yields to equally-scored
// descriptors it has not yet tried this round.
func (d *Dispatcher) reenqueue(ctx context.Context, payload []byte, score float64) error {
	if err := d.brokerBreaker.Execute(ctx, func(ctx context.Context) error {
		return d.broker.Add(ctx, schedulingQueue, payload, score-reenqueueEpsilon)
	}); err != nil {
		return fmt.Errorf("reenqueue group descriptor: %w", err)
	}
	metrics.DispatchRetriesTotal.Inc()
	return nil
}

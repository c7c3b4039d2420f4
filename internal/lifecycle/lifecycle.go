// Package lifecycle implements the lifecycle monitor: synchronous heartbeat
// ingest with orphan sweep, a periodic retry monitor, and the
// cancel/record-result operations invoked by the request surface.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	jobStatusUpdatedChannel = "job:status:updated"
	jobCompletedChannel     = "job:completed"
)

// orphanMessage is the stable error set on a job whose agent stopped
// reporting it, so the retry monitor can pick it up deterministically.
const orphanMessage = "Job lost connection with agent"

// maxRunningJobsScanned bounds the orphan-sweep scan per heartbeat; a fleet
// with more concurrently running jobs than this needs a narrower query
// (e.g. by assigned_agent) which the Store interface does not yet expose.
const maxRunningJobsScanned = 5000

// Config tunes the retry monitor's periodic behavior.
type Config struct {
	RetryMonitorTick  time.Duration // default 30s
	MaxRetries        int           // default 3
	RetryDelay        time.Duration // default 60s
	RetryMonitorBatch int           // default 50
	HeartbeatTimeout  time.Duration // default 90s
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RetryMonitorTick:  30 * time.Second,
		MaxRetries:        job.MaxRetries,
		RetryDelay:        60 * time.Second,
		RetryMonitorBatch: 50,
		HeartbeatTimeout:  90 * time.Second,
	}
}

// Monitor is the Lifecycle Monitor: heartbeat ingest, orphan sweep, retry
// promotion, cancel, and result recording.
type Monitor struct {
	cron          *cron.Cron
	jobs          job.Store
	groups        group.Store
	agents        agent.Store
	broker        broker.Broker
	config        Config
	logger        logging.Logger
	storeBreaker  *shrderrors.CircuitBreaker
	brokerBreaker *shrderrors.CircuitBreaker
}

// New constructs a Monitor. logger may be nil.
func New(jobs job.Store, groups group.Store, agents agent.Store, b broker.Broker, cfg Config, logger logging.Logger) *Monitor {
	logger = logging.OrNop(logger)
	if cfg.RetryMonitorTick <= 0 {
		cfg.RetryMonitorTick = DefaultConfig().RetryMonitorTick
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	if cfg.RetryMonitorBatch <= 0 {
		cfg.RetryMonitorBatch = DefaultConfig().RetryMonitorBatch
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	return &Monitor{
		cron:          c,
		jobs:          jobs,
		groups:        groups,
		agents:        agents,
		broker:        b,
		config:        cfg,
		logger:        logger,
		storeBreaker:  shrderrors.NewCircuitBreaker("lifecycle-store", shrderrors.DefaultCircuitBreakerConfig()),
		brokerBreaker: shrderrors.NewCircuitBreaker("lifecycle-broker", shrderrors.DefaultCircuitBreakerConfig()),
	}
}

// Start registers the retry monitor and stale-agent ticks.
func (m *Monitor) Start(ctx context.Context) error {
	every := fmt.Sprintf("@every %s", m.config.RetryMonitorTick)
	_, err := m.cron.AddFunc(every, func() {
		async.Go(m.logger, "retry-monitor-tick", func() {
			if err := m.retryTick(ctx); err != nil {
				m.logger.Error("RetryMonitor: tick failed: %v", err)
			}
		})
	})
	if err != nil {
		return fmt.Errorf("register retry monitor tick: %w", err)
	}
	_, err = m.cron.AddFunc(every, func() {
		async.Go(m.logger, "stale-agent-tick", func() {
			if err := m.staleAgentTick(ctx); err != nil {
				m.logger.Error("LifecycleMonitor: stale-agent tick failed: %v", err)
			}
		})
	})
	if err != nil {
		return fmt.Errorf("register stale-agent tick: %w", err)
	}
	m.cron.Start()
	return nil
}

// staleAgentTick marks agents offline once their last heartbeat is older
// than the heartbeat timeout, and fails their still-running jobs so the
// retry monitor can recycle them. An agent that comes back simply
// re-registers its status on the next heartbeat.
func (m *Monitor) staleAgentTick(ctx context.Context) error {
	var agents []agent.Agent
	if err := m.storeBreaker.Execute(ctx, func(ctx context.Context) error {
		found, err := m.agents.List(ctx)
		agents = found
		return err
	}); err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	now := time.Now()
	for _, a := range agents {
		if a.Status != agent.StatusOnline && a.Status != agent.StatusBusy {
			continue
		}
		if now.Sub(a.LastHeartbeat) < m.config.HeartbeatTimeout {
			continue
		}
		offline := agent.StatusOffline
		if _, err := m.agents.UpdateAgent(ctx, a.ID, agent.Delta{Status: &offline}); err != nil {
			m.logger.Error("LifecycleMonitor: failed to mark agent %s offline: %v", a.ID, err)
			continue
		}
		m.logger.Warn("LifecycleMonitor: agent %s missed heartbeats for %s, marked offline", a.ID, now.Sub(a.LastHeartbeat))

		var running []job.Job
		if err := m.storeBreaker.Execute(ctx, func(ctx context.Context) error {
			found, err := m.jobs.ListByStatus(ctx, job.StatusRunning, maxRunningJobsScanned)
			running = found
			return err
		}); err != nil {
			m.logger.Error("LifecycleMonitor: failed to list running jobs for stale agent %s: %v", a.ID, err)
			continue
		}
		for _, j := range running {
			if j.AssignedAgent != a.ID {
				continue
			}
			if err := m.markOrphan(ctx, j); err != nil {
				m.logger.Error("LifecycleMonitor: failed to mark job %s orphaned: %v", j.ID, err)
			}
		}
	}
	return nil
}

// Stop halts the retry monitor's cron scheduler.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}

// Heartbeat processes an agent heartbeat: updates agent state and sweeps
// any job the server believes is running on this agent but that the agent
// no longer reports.
func (m *Monitor) Heartbeat(ctx context.Context, agentID string, status agent.Status, currentJobs []string) (err error) {
	ctx, span := tracing.Start(ctx, tracing.SpanOrphanSweep, attribute.String(tracing.AttrAgentID, agentID))
	defer func() { tracing.End(span, err) }()

	now := time.Now()
	var updated *agent.Agent
	if err = m.storeBreaker.Execute(ctx, func(ctx context.Context) error {
		u, uerr := m.agents.UpdateAgent(ctx, agentID, agent.Delta{
			Status:        &status,
			LastHeartbeat: &now,
			CurrentJobs:   &currentJobs,
		})
		updated = u
		return uerr
	}); err != nil {
		return fmt.Errorf("update agent heartbeat: %w", err)
	}

	reported := make(map[string]bool, len(currentJobs))
	for _, id := range currentJobs {
		reported[id] = true
	}

	var running []job.Job
	if err = m.storeBreaker.Execute(ctx, func(ctx context.Context) error {
		found, rerr := m.jobs.ListByStatus(ctx, job.StatusRunning, maxRunningJobsScanned)
		running = found
		return rerr
	}); err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}

	for _, j := range running {
		if j.AssignedAgent != updated.ID {
			continue
		}
		if reported[j.ID] {
			continue
		}
		if err := m.markOrphan(ctx, j); err != nil {
			m.logger.Error("LifecycleMonitor: failed to mark job %s orphaned: %v", j.ID, err)
		}
	}
	return nil
}

func (m *Monitor) markOrphan(ctx context.Context, j job.Job) error {
	now := time.Now()
	failed := job.StatusFailed
	_, err := m.jobs.UpdateJob(ctx, j.ID, job.Delta{
		Status:       &failed,
		ErrorMessage: job.Set(orphanMessage),
		CompletedAt:  &now,
	})
	if err != nil {
		return err
	}
	metrics.OrphanedJobsTotal.Inc()
	m.publishStatusUpdate(ctx, j.ID, failed)
	m.reconcileGroup(ctx, &j)
	return nil
}

func groupKeyFor(j *job.Job) group.Key {
	return group.Key{OrgID: j.OrgID, AppVersionID: j.AppVersionID, Target: j.Target}
}

// markGroupRunning moves the job's active Group from assigned to running
// when the first of its jobs starts executing.
func (m *Monitor) markGroupRunning(ctx context.Context, j *job.Job) {
	g, err := m.groups.GetActiveByKey(ctx, groupKeyFor(j))
	if err != nil {
		if !errors.Is(err, group.ErrNotFound) {
			m.logger.Warn("LifecycleMonitor: failed to load group for job %s: %v", j.ID, err)
		}
		return
	}
	if g.Status != group.StatusAssigned {
		return
	}
	running := group.StatusRunning
	if _, err := m.groups.UpdateGroup(ctx, g.ID, group.Delta{Status: &running}); err != nil {
		m.logger.Warn("LifecycleMonitor: failed to mark group %s running: %v", g.ID, err)
	}
}

// reconcileGroup completes the job's active Group once no queued or
// running member job remains for its coalescing key. Membership is
// implicit, so this re-walks the key: queued members via
// JobsByAppVersionTarget, running members via a status scan. It also
// drops the group's broker key so a later job with the same key coins a
// fresh Group instead of folding into this one.
func (m *Monitor) reconcileGroup(ctx context.Context, j *job.Job) {
	key := groupKeyFor(j)
	g, err := m.groups.GetActiveByKey(ctx, key)
	if err != nil {
		if !errors.Is(err, group.ErrNotFound) {
			m.logger.Warn("LifecycleMonitor: failed to load group for job %s: %v", j.ID, err)
		}
		return
	}

	// Queued members, and running members (checked below), keep the Group
	// open. A pending job (fresh submission or a retry promotion) does not:
	// it re-enters through the Scheduler, which coins a fresh Group once
	// this one completes.
	waiting, err := m.jobs.JobsByAppVersionTarget(ctx, j.AppVersionID, j.Target)
	if err != nil {
		m.logger.Warn("LifecycleMonitor: failed to list waiting jobs for group %s: %v", g.ID, err)
		return
	}
	for _, w := range waiting {
		if w.OrgID == j.OrgID && w.Status == job.StatusQueued {
			return
		}
	}
	running, err := m.jobs.ListByStatus(ctx, job.StatusRunning, maxRunningJobsScanned)
	if err != nil {
		m.logger.Warn("LifecycleMonitor: failed to list running jobs for group %s: %v", g.ID, err)
		return
	}
	for _, r := range running {
		if r.OrgID == j.OrgID && r.AppVersionID == j.AppVersionID && r.Target == j.Target {
			return
		}
	}

	now := time.Now()
	completed := group.StatusCompleted
	if _, err := m.groups.UpdateGroup(ctx, g.ID, group.Delta{Status: &completed, CompletedAt: &now}); err != nil {
		m.logger.Warn("LifecycleMonitor: failed to complete group %s: %v", g.ID, err)
		return
	}
	if err := m.broker.Delete(ctx, key.BrokerKey()); err != nil {
		m.logger.Warn("LifecycleMonitor: failed to drop group key for %s: %v", g.ID, err)
	}
	metrics.GroupsCompletedTotal.Inc()
	m.logger.Info("LifecycleMonitor: group %s completed, all member jobs terminal", g.ID)
}

// retryTick promotes eligible failed jobs back to pending so the Scheduler
// can regroup them.
func (m *Monitor) retryTick(ctx context.Context) error {
	var failedJobs []job.Job
	if err := m.storeBreaker.Execute(ctx, func(ctx context.Context) error {
		found, err := m.jobs.ListByStatus(ctx, job.StatusFailed, m.config.RetryMonitorBatch)
		failedJobs = found
		return err
	}); err != nil {
		return fmt.Errorf("list failed jobs: %w", err)
	}

	now := time.Now()
	for _, j := range failedJobs {
		if j.RetryCount >= m.config.MaxRetries {
			continue
		}
		if now.Sub(j.UpdatedAt) < m.config.RetryDelay {
			continue
		}
		pending := job.StatusPending
		retryCount := j.RetryCount + 1
		if _, err := m.jobs.UpdateJob(ctx, j.ID, job.Delta{
			Status:       &pending,
			RetryCount:   &retryCount,
			ErrorMessage: job.Clear(),
		}); err != nil {
			m.logger.Error("RetryMonitor: failed to retry job %s: %v", j.ID, err)
			continue
		}
		metrics.RetriesPromotedTotal.Inc()
		m.logger.Info("RetryMonitor: retrying job %s (attempt %d/%d)", j.ID, retryCount, m.config.MaxRetries)
	}
	return nil
}

// Cancel marks a non-terminal job cancelled and, if it was running,
// notifies its agent over pub/sub.
func (m *Monitor) Cancel(ctx context.Context, jobID string, reason string) (*job.Job, error) {
	current, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, job.ErrAlreadyTerminal
	}
	if reason == "" {
		reason = "Job cancelled by user"
	}

	now := time.Now()
	cancelled := job.StatusCancelled
	updated, err := m.jobs.UpdateJob(ctx, jobID, job.Delta{
		Status:       &cancelled,
		ErrorMessage: job.Set(reason),
		CompletedAt:  &now,
	})
	if err != nil {
		return nil, err
	}

	if current.Status == job.StatusRunning && current.AssignedAgent != "" {
		payload, _ := json.Marshal(map[string]any{"jobId": jobID, "reason": reason})
		channel := fmt.Sprintf("agent:%s:cancel", current.AssignedAgent)
		if err := m.broker.Publish(ctx, channel, payload); err != nil {
			m.logger.Warn("LifecycleMonitor: failed to publish cancel for job %s: %v", jobID, err)
		}
	}
	m.reconcileGroup(ctx, updated)
	return updated, nil
}

// RecordResult writes a terminal result for a job and announces completion
// on the job:completed channel.
func (m *Monitor) RecordResult(ctx context.Context, jobID string, result job.Result) (*job.Job, error) {
	now := time.Now()
	status := job.StatusFailed
	if result.Success {
		status = job.StatusCompleted
	}
	updated, err := m.jobs.UpdateJob(ctx, jobID, job.Delta{
		Status:      &status,
		Result:      &result,
		CompletedAt: &now,
	})
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{
		"jobId":    jobID,
		"status":   status,
		"success":  result.Success,
		"duration": result.DurationMs,
	})
	if err := m.broker.Publish(ctx, jobCompletedChannel, payload); err != nil {
		m.logger.Warn("LifecycleMonitor: failed to publish job:completed for %s: %v", jobID, err)
	}
	m.reconcileGroup(ctx, updated)
	return updated, nil
}

// UpdateStatus applies an agent-reported status change, stamping started_at
// and completed_at as the job crosses those boundaries.
func (m *Monitor) UpdateStatus(ctx context.Context, jobID string, status job.Status, errorMessage string, result *job.Result) (*job.Job, error) {
	if !status.IsValid() {
		return nil, job.ErrIllegalTransition
	}
	now := time.Now()
	delta := job.Delta{Status: &status}
	if errorMessage != "" {
		delta.ErrorMessage = job.Set(errorMessage)
	}
	if result != nil {
		delta.Result = result
	}
	if status == job.StatusRunning {
		delta.StartedAt = &now
	}
	if status.IsTerminal() {
		delta.CompletedAt = &now
	}

	updated, err := m.jobs.UpdateJob(ctx, jobID, delta)
	if err != nil {
		return nil, err
	}
	m.publishStatusUpdate(ctx, jobID, status)
	if status == job.StatusRunning {
		m.markGroupRunning(ctx, updated)
	}
	if status.IsTerminal() {
		m.reconcileGroup(ctx, updated)
	}
	return updated, nil
}

func (m *Monitor) publishStatusUpdate(ctx context.Context, jobID string, status job.Status) {
	payload, _ := json.Marshal(map[string]any{
		"jobId":     jobID,
		"newStatus": status,
		"timestamp": time.Now(),
	})
	if err := m.broker.Publish(ctx, jobStatusUpdatedChannel, payload); err != nil {
		m.logger.Warn("LifecycleMonitor: failed to publish job:status:updated for %s: %v", jobID, err)
	}
}

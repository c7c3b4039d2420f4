// Package scheduler implements the scheduling pass: a cron-driven tick that
// reads pending jobs, coalesces them into Groups, and enqueues those Groups
// for dispatch with a composite priority score.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"testforge/internal/broker"
	"testforge/internal/domain/group"
	"testforge/internal/domain/job"
	"testforge/internal/metrics"
	"testforge/internal/shared/async"
	shrderrors "testforge/internal/shared/errors"
	"testforge/internal/shared/logging"
)

const schedulingQueue = "groups:scheduling"

// Config tunes the Scheduler's periodic behavior.
type Config struct {
	Tick        time.Duration // default 5s
	BatchSize   int           // default 100
	GroupKeyTTL time.Duration // default 1h
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{Tick: 5 * time.Second, BatchSize: 100, GroupKeyTTL: time.Hour}
}

// Scheduler periodically forms/extends Groups from pending jobs.
type Scheduler struct {
	cron          *cron.Cron
	jobs          job.Store
	groups        group.Store
	broker        broker.Broker
	config        Config
	logger        logging.Logger
	storeBreaker  *shrderrors.CircuitBreaker
	brokerBreaker *shrderrors.CircuitBreaker
}

// New constructs a Scheduler. logger may be nil.
func New(jobs job.Store, groups group.Store, b broker.Broker, cfg Config, logger logging.Logger) *Scheduler {
	logger = logging.OrNop(logger)
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.GroupKeyTTL <= 0 {
		cfg.GroupKeyTTL = DefaultConfig().GroupKeyTTL
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	return &Scheduler{
		cron:          c,
		jobs:          jobs,
		groups:        groups,
		broker:        b,
		config:        cfg,
		logger:        logger,
		storeBreaker:  shrderrors.NewCircuitBreaker("scheduler-store", shrderrors.DefaultCircuitBreakerConfig()),
		brokerBreaker: shrderrors.NewCircuitBreaker("scheduler-broker", shrderrors.DefaultCircuitBreakerConfig()),
	}
}

// Start registers the periodic tick and starts the cron scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.config.Tick)
	_, err := s.cron.AddFunc(spec, func() {
		async.Go(s.logger, "scheduler-tick", func() {
			if err := s.tick(ctx); err != nil {
				s.logger.Error("Scheduler: tick failed: %v", err)
			}
		})
	})
	if err != nil {
		return fmt.Errorf("register scheduler tick: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler. Tick bodies already launched on their own
// goroutine via async.Go are not waited for.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// tick runs one scheduling pass: fetch pending jobs, partition by
// coalescing key, fold each partition into its Group.
func (s *Scheduler) tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds()) }()

	var queueLen int64
	if err := s.brokerBreaker.Execute(ctx, func(ctx context.Context) error {
		n, err := s.broker.Length(ctx, schedulingQueue)
		queueLen = n
		return err
	}); err == nil {
		metrics.SchedulingQueueDepth.Set(float64(queueLen))
	}

	var pending []job.Job
	if err := s.storeBreaker.Execute(ctx, func(ctx context.Context) error {
		jobs, err := s.jobs.ListByStatus(ctx, job.StatusPending, s.config.BatchSize)
		pending = jobs
		return err
	}); err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	partitions := make(map[job.Key][]job.Job)
	order := make([]job.Key, 0)
	for _, j := range pending {
		k := j.Key()
		if _, ok := partitions[k]; !ok {
			order = append(order, k)
		}
		partitions[k] = append(partitions[k], j)
	}

	for _, key := range order {
		jobs := partitions[key]
		if err := s.scheduleGroup(ctx, key, jobs); err != nil {
			s.logger.Error("Scheduler: failed to schedule group for %+v: %v", key, err)
		}
	}
	return nil
}

func (s *Scheduler) scheduleGroup(ctx context.Context, key job.Key, jobs []job.Job) error {
	groupKey := group.Key{OrgID: key.OrgID, AppVersionID: key.AppVersionID, Target: key.Target}
	brokerKey := groupKey.BrokerKey()

	isNew := false
	var g *group.Group
	getErr := s.storeBreaker.Execute(ctx, func(ctx context.Context) error {
		found, err := s.groups.GetActiveByKey(ctx, groupKey)
		g = found
		return err
	})
	if getErr != nil {
		if getErr != group.ErrNotFound {
			return fmt.Errorf("get active group: %w", getErr)
		}
		// No active Group yet. Coinage is serialized by the broker's
		// set-if-absent TTL key: only the replica that wins the key may
		// create the row, so two replicas cannot coin duplicate Groups
		// for the same key.
		candidate := &group.Group{
			ID:           uuid.NewString(),
			OrgID:        key.OrgID,
			AppVersionID: key.AppVersionID,
			Target:       key.Target,
		}
		var acquired bool
		if err := s.brokerBreaker.Execute(ctx, func(ctx context.Context) error {
			ok, err := s.broker.SetNX(ctx, brokerKey, []byte(candidate.ID), s.config.GroupKeyTTL)
			acquired = ok
			return err
		}); err != nil {
			return fmt.Errorf("claim group key: %w", err)
		}
		if acquired {
			if err := s.storeBreaker.Execute(ctx, func(ctx context.Context) error {
				return s.groups.Create(ctx, candidate)
			}); err != nil {
				// Give the key back so a later tick (or another replica)
				// can retry coinage rather than waiting out the TTL.
				if delErr := s.broker.Delete(ctx, brokerKey); delErr != nil {
					s.logger.Warn("Scheduler: failed to release group key %s: %v", brokerKey, delErr)
				}
				return fmt.Errorf("create group: %w", err)
			}
			g = candidate
			isNew = true
		} else {
			// Another replica holds coinage for this key; resolve its
			// group id from the key value and fold into that Group.
			var val []byte
			var found bool
			if err := s.brokerBreaker.Execute(ctx, func(ctx context.Context) error {
				v, ok, err := s.broker.Get(ctx, brokerKey)
				val, found = v, ok
				return err
			}); err != nil {
				return fmt.Errorf("read group key: %w", err)
			}
			if !found {
				// Key expired or was released between SetNX and Get;
				// leave the partition pending and retry next tick.
				return nil
			}
			var existing *group.Group
			existErr := s.storeBreaker.Execute(ctx, func(ctx context.Context) error {
				found, err := s.groups.Get(ctx, string(val))
				existing = found
				return err
			})
			if existErr != nil {
				if existErr == group.ErrNotFound {
					// The winner has not finished creating the row yet;
					// leave the partition pending and retry next tick.
					return nil
				}
				return fmt.Errorf("resolve concurrent group creation: %w", existErr)
			}
			if !existing.Status.IsActive() {
				// Stale key left behind by a completed Group; drop it so
				// the next tick can coin a fresh one.
				if delErr := s.broker.Delete(ctx, brokerKey); delErr != nil {
					s.logger.Warn("Scheduler: failed to drop stale group key %s: %v", brokerKey, delErr)
				}
				return nil
			}
			g = existing
		}
	}

	// A Group already handed to an agent no longer accepts members: its
	// jobs were stamped with the agent at assignment time. Leave this
	// partition pending; it coins a fresh Group once the active one
	// completes.
	if !isNew && g.Status != group.StatusPending {
		return nil
	}

	for _, j := range jobs {
		queued := job.StatusQueued
		if _, err := s.jobs.UpdateJob(ctx, j.ID, job.Delta{Status: &queued}); err != nil {
			s.logger.Warn("Scheduler: failed to queue job %s: %v", j.ID, err)
		}
	}

	if isNew {
		score := priorityScore(jobs)
		descriptor := group.Descriptor{
			GroupID:       g.ID,
			AppVersionID:  g.AppVersionID,
			Target:        g.Target,
			JobCount:      len(jobs),
			PriorityScore: score,
			CreatedAt:     time.Now(),
		}
		payload, err := json.Marshal(descriptor)
		if err != nil {
			return fmt.Errorf("marshal group descriptor: %w", err)
		}
		if err := s.brokerBreaker.Execute(ctx, func(ctx context.Context) error {
			return s.broker.Add(ctx, schedulingQueue, payload, score)
		}); err != nil {
			return fmt.Errorf("enqueue group descriptor: %w", err)
		}
		metrics.GroupsFormedTotal.Inc()
		s.logger.Info("Scheduler: formed group %s (%s/%s/%s) with %d jobs, score %.2f",
			g.ID, g.OrgID, g.AppVersionID, g.Target, len(jobs), score)
	}
	return nil
}

// priorityScore is a monotone function of the group's average declared
// priority, boosted by the age of its oldest job. The age term is capped so
// a low-priority group cannot outrank a strictly higher-priority group
// forever, only until the age bonus saturates.
func priorityScore(jobs []job.Job) float64 {
	if len(jobs) == 0 {
		return 0
	}
	var sum int
	oldest := jobs[0].CreatedAt
	for _, j := range jobs {
		sum += j.Priority
		if j.CreatedAt.Before(oldest) {
			oldest = j.CreatedAt
		}
	}
	avg := float64(sum) / float64(len(jobs))

	age := time.Since(oldest).Minutes()
	const maxAgeBoost = 3.0 // caps total age contribution at three priority tiers
	ageBoost := maxAgeBoost * (1 - math.Exp(-age/10))

	return avg + ageBoost
}

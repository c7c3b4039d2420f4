// Package metrics declares the Prometheus series the orchestrator exposes
// on /metrics: one namespaced var block, registered at package init via
// promauto's default registerer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "testforge"

var (
	// SchedulingQueueDepth tracks groups:scheduling's length as observed by
	// the Scheduler at the start of each tick.
	SchedulingQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Number of group descriptors currently queued for dispatch.",
	})

	// GroupsFormedTotal counts new Groups coined by the Scheduler.
	GroupsFormedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "groups_formed_total",
		Help:      "Total number of Groups created by the scheduler.",
	})

	// SchedulerTickDuration times each Scheduler.tick pass.
	SchedulerTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one scheduler tick.",
		Buckets:   prometheus.DefBuckets,
	})

	// DispatchesTotal counts successful Group-to-agent assignments, labeled
	// by target so cloud/device/emulator throughput is distinguishable.
	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "dispatches_total",
		Help:      "Total number of groups assigned to an agent.",
	}, []string{"target"})

	// DispatchRetriesTotal counts re-enqueues due to no eligible agent.
	DispatchRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "reenqueues_total",
		Help:      "Total number of group descriptors re-enqueued for lack of an eligible agent.",
	})

	// DispatcherTickDuration times each Dispatcher.tick pass.
	DispatcherTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one dispatcher tick.",
		Buckets:   prometheus.DefBuckets,
	})

	// GroupsCompletedTotal counts Groups closed once every member job
	// reached a terminal state.
	GroupsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "groups_completed_total",
		Help:      "Total number of Groups completed after all member jobs finished.",
	})

	// OrphanedJobsTotal counts jobs marked failed by the orphan sweep.
	OrphanedJobsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "orphaned_jobs_total",
		Help:      "Total number of running jobs marked failed because their agent stopped reporting them.",
	})

	// RetriesPromotedTotal counts failed->pending promotions by the retry monitor.
	RetriesPromotedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "retries_promoted_total",
		Help:      "Total number of failed jobs promoted back to pending by the retry monitor.",
	})

	// JobsSubmittedTotal counts jobs accepted by the request surface's Submit
	// operation, labeled by target.
	JobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "requests",
		Name:      "jobs_submitted_total",
		Help:      "Total number of jobs accepted via the submit operation.",
	}, []string{"target"})

	// HTTPRequestDuration times every request surface handler, labeled by
	// route and status class.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests served by the request surface.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "status"})
)

// ObserveHTTPRequest records one HTTP request's outcome.
func ObserveHTTPRequest(route, method string, status int, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(route, method, statusClass(status)).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Package tracing provides span helpers for the Dispatcher's assignment
// path and the Lifecycle Monitor's orphan sweep: one named tracer, a small
// attribute-key vocabulary, a start helper, and a result-marking helper
// run via defer.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	scope = "testforge.orchestrator"

	// SpanDispatchAssign wraps one Group-to-agent assignment attempt.
	SpanDispatchAssign = "testforge.dispatcher.assign"
	// SpanOrphanSweep wraps one heartbeat's orphan-detection pass.
	SpanOrphanSweep = "testforge.lifecycle.orphan_sweep"
	// SpanSchedulerTick wraps one scheduler grouping pass.
	SpanSchedulerTick = "testforge.scheduler.tick"

	AttrGroupID  = "testforge.group_id"
	AttrAgentID  = "testforge.agent_id"
	AttrJobID    = "testforge.job_id"
	AttrTarget   = "testforge.target"
	AttrOutcome  = "testforge.outcome"
	AttrOrphaned = "testforge.orphaned_count"
)

// Start begins a span under the orchestrator's tracer scope.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(scope).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err (if any) on span and closes it. Call via defer immediately
// after Start.
func End(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

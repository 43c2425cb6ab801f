package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const pipelineScopeName = "github.com/fundops/positionloader/pipeline"

// PipelineMetrics holds the instruments shared by the EOD and intraday
// pipelines and the reliability fabric. All instruments are no-ops when
// telemetry is disabled.
type PipelineMetrics struct {
	eodRuns        metric.Int64Counter
	eodDuration    metric.Float64Histogram
	intradayEvents metric.Int64Counter
	dlqWrites      metric.Int64Counter
	dlqReplays     metric.Int64Counter
	breakerOpens   metric.Int64Counter
}

// NewPipelineMetrics registers the loader's instruments.
func NewPipelineMetrics() *PipelineMetrics {
	m := Meter(pipelineScopeName)
	eodRuns, _ := m.Int64Counter("posloader.eod.runs",
		metric.WithDescription("EOD runs by outcome"),
	)
	eodDuration, _ := m.Float64Histogram("posloader.eod.run.duration",
		metric.WithDescription("EOD run duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	intradayEvents, _ := m.Int64Counter("posloader.intraday.events",
		metric.WithDescription("Intraday events by outcome"),
	)
	dlqWrites, _ := m.Int64Counter("posloader.dlq.writes",
		metric.WithDescription("Messages parked in the DLQ"),
	)
	dlqReplays, _ := m.Int64Counter("posloader.dlq.replays",
		metric.WithDescription("DLQ entries republished by the replayer"),
	)
	breakerOpens, _ := m.Int64Counter("posloader.breaker.opens",
		metric.WithDescription("Circuit breaker open transitions"),
	)
	return &PipelineMetrics{
		eodRuns:        eodRuns,
		eodDuration:    eodDuration,
		intradayEvents: intradayEvents,
		dlqWrites:      dlqWrites,
		dlqReplays:     dlqReplays,
		breakerOpens:   breakerOpens,
	}
}

// RecordEODRun counts one run and its duration, labeled by outcome
// (completed, completed_noop, failed).
func (p *PipelineMetrics) RecordEODRun(ctx context.Context, outcome string, elapsed time.Duration) {
	if p == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	p.eodRuns.Add(ctx, 1, attrs)
	p.eodDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// RecordIntradayEvent counts one event, labeled by outcome
// (applied, duplicate, dlq).
func (p *PipelineMetrics) RecordIntradayEvent(ctx context.Context, outcome string) {
	if p == nil {
		return
	}
	p.intradayEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDLQWrite counts one parked message for the topic.
func (p *PipelineMetrics) RecordDLQWrite(ctx context.Context, topic string) {
	if p == nil {
		return
	}
	p.dlqWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// RecordDLQReplay counts one republished entry for the topic.
func (p *PipelineMetrics) RecordDLQReplay(ctx context.Context, topic string) {
	if p == nil {
		return
	}
	p.dlqReplays.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// RecordBreakerOpen counts one CLOSED->OPEN transition for the named
// dependency.
func (p *PipelineMetrics) RecordBreakerOpen(ctx context.Context, name string) {
	if p == nil {
		return
	}
	p.breakerOpens.Add(ctx, 1, metric.WithAttributes(attribute.String("dependency", name)))
}

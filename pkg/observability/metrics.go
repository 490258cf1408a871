package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// GovernanceMetrics is the minimum signal set an operator needs to detect
// governance degradation. All methods are safe on a nil receiver.
type GovernanceMetrics struct {
	decisions           metric.Int64Counter
	proofAppendFailures metric.Int64Counter
	dlqSize             metric.Int64Gauge
	oldestDLQAge        metric.Float64Gauge
	retryAttempts       metric.Int64Counter
	retrySuccesses      metric.Int64Counter
	retryFailures       metric.Int64Counter
	retryExhaustions    metric.Int64Counter
	purged              metric.Int64Counter
	cycleDuration       metric.Float64Histogram
}

func newGovernanceMetrics(meter metric.Meter) (*GovernanceMetrics, error) {
	m := &GovernanceMetrics{}
	var err error

	if m.decisions, err = meter.Int64Counter("cognigate.decisions.total",
		metric.WithDescription("Decisions by verdict and reason"),
		metric.WithUnit("{decision}")); err != nil {
		return nil, err
	}
	if m.proofAppendFailures, err = meter.Int64Counter("cognigate.proof.append_failures.total",
		metric.WithDescription("Provenance chain appends that failed"),
		metric.WithUnit("{failure}")); err != nil {
		return nil, err
	}
	if m.dlqSize, err = meter.Int64Gauge("cognigate.dlq.size",
		metric.WithDescription("Dead-letter store size after the last cycle"),
		metric.WithUnit("{job}")); err != nil {
		return nil, err
	}
	if m.oldestDLQAge, err = meter.Float64Gauge("cognigate.dlq.oldest_age",
		metric.WithDescription("Age of the oldest dead-letter entry"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.retryAttempts, err = meter.Int64Counter("cognigate.retry.attempts.total",
		metric.WithUnit("{retry}")); err != nil {
		return nil, err
	}
	if m.retrySuccesses, err = meter.Int64Counter("cognigate.retry.successes.total",
		metric.WithUnit("{retry}")); err != nil {
		return nil, err
	}
	if m.retryFailures, err = meter.Int64Counter("cognigate.retry.failures.total",
		metric.WithUnit("{retry}")); err != nil {
		return nil, err
	}
	if m.retryExhaustions, err = meter.Int64Counter("cognigate.retry.exhaustions.total",
		metric.WithUnit("{job}")); err != nil {
		return nil, err
	}
	if m.purged, err = meter.Int64Counter("cognigate.dlq.purged.total",
		metric.WithDescription("Dead-letter entries removed by retention purge"),
		metric.WithUnit("{job}")); err != nil {
		return nil, err
	}
	if m.cycleDuration, err = meter.Float64Histogram("cognigate.recovery.cycle_duration",
		metric.WithDescription("Recovery cycle duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0)); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordDecision counts one verdict.
func (m *GovernanceMetrics) RecordDecision(ctx context.Context, action, reason string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("reason", reason),
	))
}

// RecordProofAppendFailure counts one failed chain append.
func (m *GovernanceMetrics) RecordProofAppendFailure(ctx context.Context, entityType string) {
	if m == nil {
		return
	}
	m.proofAppendFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_type", entityType),
	))
}

// RecordCycle publishes the outcome of one recovery cycle.
func (m *GovernanceMetrics) RecordCycle(ctx context.Context, retried, failed, purged, exhausted, dlqTotal int, duration, oldestAge time.Duration) {
	if m == nil {
		return
	}
	m.retryAttempts.Add(ctx, int64(retried+failed))
	m.retrySuccesses.Add(ctx, int64(retried))
	m.retryFailures.Add(ctx, int64(failed))
	m.retryExhaustions.Add(ctx, int64(exhausted))
	m.purged.Add(ctx, int64(purged))
	m.dlqSize.Record(ctx, int64(dlqTotal))
	m.oldestDLQAge.Record(ctx, oldestAge.Seconds())
	m.cycleDuration.Record(ctx, duration.Seconds())
}

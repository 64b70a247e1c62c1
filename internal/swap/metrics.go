package swap

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
	"pkt.systems/stride/internal/record"
)

type swapMetrics struct {
	started     metric.Int64Counter
	transitions metric.Int64Counter
	completed   metric.Int64Counter
	retries     metric.Int64Counter
	parked      metric.Int64Counter
	active      metric.Int64UpDownCounter
	duration    metric.Int64Histogram
}

func newSwapMetrics(logger pslog.Logger) *swapMetrics {
	meter := otel.Meter("pkt.systems/stride/swap")
	m := &swapMetrics{}
	var err error

	m.started, err = meter.Int64Counter(
		"stride.swap.started",
		metric.WithDescription("Swap runs started, including resumed runs"),
	)
	logMetricInitError(logger, "stride.swap.started", err)

	m.transitions, err = meter.Int64Counter(
		"stride.swap.transitions",
		metric.WithDescription("Durable status transitions"),
	)
	logMetricInitError(logger, "stride.swap.transitions", err)

	m.completed, err = meter.Int64Counter(
		"stride.swap.completed",
		metric.WithDescription("Swaps that reached a terminal status"),
	)
	logMetricInitError(logger, "stride.swap.completed", err)

	m.retries, err = meter.Int64Counter(
		"stride.swap.ledger.retries",
		metric.WithDescription("Ledger operations retried after a connectivity failure"),
	)
	logMetricInitError(logger, "stride.swap.ledger.retries", err)

	m.parked, err = meter.Int64Counter(
		"stride.swap.parked",
		metric.WithDescription("Swap runs parked for the next recovery pass"),
	)
	logMetricInitError(logger, "stride.swap.parked", err)

	m.active, err = meter.Int64UpDownCounter(
		"stride.swap.active",
		metric.WithDescription("Swap runs currently executing"),
	)
	logMetricInitError(logger, "stride.swap.active", err)

	m.duration, err = meter.Int64Histogram(
		"stride.swap.duration_ms",
		metric.WithDescription("Time from record creation to terminal status"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "stride.swap.duration_ms", err)

	return m
}

func (m *swapMetrics) recordStart(ctx context.Context, role record.Role) {
	if m == nil || m.started == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("stride.role", string(role)))
	m.started.Add(ctx, 1, attrs)
	if m.active != nil {
		m.active.Add(ctx, 1, attrs)
	}
}

func (m *swapMetrics) recordStop(ctx context.Context, role record.Role) {
	if m == nil || m.active == nil {
		return
	}
	m.active.Add(ctx, -1, metric.WithAttributes(attribute.String("stride.role", string(role))))
}

func (m *swapMetrics) recordTransition(ctx context.Context, rec *record.Record) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stride.role", string(rec.Role)),
		attribute.String("stride.status", string(rec.Status)),
	))
	if !rec.Terminal() {
		return
	}
	outcome := string(rec.Outcome)
	if outcome == "" {
		outcome = "unknown"
	}
	attrs := metric.WithAttributes(
		attribute.String("stride.role", string(rec.Role)),
		attribute.String("stride.outcome", outcome),
	)
	if m.completed != nil {
		m.completed.Add(ctx, 1, attrs)
	}
	if m.duration != nil && !rec.CreatedAt.IsZero() {
		m.duration.Record(ctx, rec.UpdatedAt.Sub(rec.CreatedAt).Milliseconds(), attrs)
	}
}

func (m *swapMetrics) recordRetry(ctx context.Context, role record.Role, op string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stride.role", string(role)),
		attribute.String("stride.ledger.op", op),
	))
}

func (m *swapMetrics) recordParked(ctx context.Context, role record.Role) {
	if m == nil || m.parked == nil {
		return
	}
	m.parked.Add(ctx, 1, metric.WithAttributes(attribute.String("stride.role", string(role))))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

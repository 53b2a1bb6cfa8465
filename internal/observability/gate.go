package observability

import (
	"context"
	"time"

	"apigate/internal/gate"
	"apigate/internal/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedGate wraps a gate.Admitter with OpenTelemetry tracing and
// metrics. Decisions are counted by outcome and, for rejections, by reason
// code, so a dashboard can separate quota pressure from credential abuse.
type InstrumentedGate struct {
	inner     gate.Admitter
	tracer    trace.Tracer
	decisions metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewInstrumentedGate creates an admission gate wrapper recording decision
// counters and latency histograms.
func NewInstrumentedGate(inner gate.Admitter) (*InstrumentedGate, error) {
	tracer := otel.Tracer("apigate/gate")
	meter := otel.Meter("apigate/gate")

	decisions, err := meter.Int64Counter(
		"gate.decisions",
		metric.WithDescription("Admission decisions by outcome and reason"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"gate.decision.duration",
		metric.WithDescription("Duration of admission decisions in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedGate{
		inner:     inner,
		tracer:    tracer,
		decisions: decisions,
		duration:  duration,
	}, nil
}

func (ig *InstrumentedGate) Admit(ctx context.Context, rawKey string, scopes []models.Scope, now time.Time) (*gate.Admission, *gate.Rejection) {
	ctx, span := ig.tracer.Start(ctx, "gate.Admit")
	start := time.Now()

	adm, rej := ig.inner.Admit(ctx, rawKey, scopes, now)

	outcome := "admitted"
	reason := ""
	if rej != nil {
		outcome = "rejected"
		reason = rej.Code
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("reason", reason),
	)
	ig.decisions.Add(ctx, 1, attrs)
	ig.duration.Record(ctx, time.Since(start).Seconds(), attrs)

	span.SetAttributes(
		attribute.String("gate.outcome", outcome),
		attribute.String("gate.reason", reason),
	)
	span.End()

	return adm, rej
}

package observability

import (
	"context"
	"time"

	"apigate/internal/models"
	"apigate/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedStorage wraps a storage.Storage implementation with
// OpenTelemetry tracing and metrics instrumentation.
type InstrumentedStorage struct {
	inner    storage.Storage
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewInstrumentedStorage creates a new storage wrapper that records trace spans,
// operation latency histograms, and error counters for every storage method call.
func NewInstrumentedStorage(inner storage.Storage) (*InstrumentedStorage, error) {
	tracer := otel.Tracer("apigate/storage")
	meter := otel.Meter("apigate/storage")

	duration, err := meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of storage operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"storage.operation.errors",
		metric.WithDescription("Number of storage operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStorage{
		inner:    inner,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (s *InstrumentedStorage) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("storage.operation", operation),
		}, attrs...)...),
	)
	return ctx, span
}

func (s *InstrumentedStorage) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	attrs := metric.WithAttributes(attribute.String("operation", operation))

	s.duration.Record(ctx, elapsed, attrs)

	if err != nil {
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

func (s *InstrumentedStorage) GetCredentialByHash(ctx context.Context, keyHash string) (*models.Credential, error) {
	ctx, span := s.startSpan(ctx, "GetCredentialByHash")
	start := time.Now()
	result, err := s.inner.GetCredentialByHash(ctx, keyHash)
	s.record(ctx, span, "GetCredentialByHash", start, err)
	return result, err
}

func (s *InstrumentedStorage) GetCredential(ctx context.Context, id string) (*models.Credential, error) {
	ctx, span := s.startSpan(ctx, "GetCredential", attribute.String("credential_id", id))
	start := time.Now()
	result, err := s.inner.GetCredential(ctx, id)
	s.record(ctx, span, "GetCredential", start, err)
	return result, err
}

func (s *InstrumentedStorage) SaveCredential(ctx context.Context, rec *models.Credential) error {
	ctx, span := s.startSpan(ctx, "SaveCredential",
		attribute.String("credential_id", rec.ID),
		attribute.String("owner_id", rec.OwnerID),
	)
	start := time.Now()
	err := s.inner.SaveCredential(ctx, rec)
	s.record(ctx, span, "SaveCredential", start, err)
	return err
}

func (s *InstrumentedStorage) SetCredentialStatus(ctx context.Context, id string, status models.CredentialStatus) error {
	ctx, span := s.startSpan(ctx, "SetCredentialStatus",
		attribute.String("credential_id", id),
		attribute.String("status", string(status)),
	)
	start := time.Now()
	err := s.inner.SetCredentialStatus(ctx, id, status)
	s.record(ctx, span, "SetCredentialStatus", start, err)
	return err
}

func (s *InstrumentedStorage) ListCredentials(ctx context.Context) ([]*models.Credential, error) {
	ctx, span := s.startSpan(ctx, "ListCredentials")
	start := time.Now()
	result, err := s.inner.ListCredentials(ctx)
	s.record(ctx, span, "ListCredentials", start, err)
	return result, err
}

func (s *InstrumentedStorage) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	ctx, span := s.startSpan(ctx, "GetPlan", attribute.String("plan_id", id))
	start := time.Now()
	result, err := s.inner.GetPlan(ctx, id)
	s.record(ctx, span, "GetPlan", start, err)
	return result, err
}

func (s *InstrumentedStorage) SavePlan(ctx context.Context, plan *models.Plan) error {
	ctx, span := s.startSpan(ctx, "SavePlan", attribute.String("plan_id", plan.ID))
	start := time.Now()
	err := s.inner.SavePlan(ctx, plan)
	s.record(ctx, span, "SavePlan", start, err)
	return err
}

func (s *InstrumentedStorage) Plans(ctx context.Context) ([]*models.Plan, error) {
	ctx, span := s.startSpan(ctx, "Plans")
	start := time.Now()
	result, err := s.inner.Plans(ctx)
	s.record(ctx, span, "Plans", start, err)
	return result, err
}

func (s *InstrumentedStorage) AppendUsage(ctx context.Context, rec *models.UsageRecord) error {
	ctx, span := s.startSpan(ctx, "AppendUsage",
		attribute.String("credential_id", rec.CredentialID),
		attribute.Int("status_code", rec.StatusCode),
	)
	start := time.Now()
	err := s.inner.AppendUsage(ctx, rec)
	s.record(ctx, span, "AppendUsage", start, err)
	return err
}

func (s *InstrumentedStorage) UsageSummary(ctx context.Context, credentialID string, since time.Time) (*models.UsageSummary, error) {
	ctx, span := s.startSpan(ctx, "UsageSummary", attribute.String("credential_id", credentialID))
	start := time.Now()
	result, err := s.inner.UsageSummary(ctx, credentialID, since)
	s.record(ctx, span, "UsageSummary", start, err)
	return result, err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}

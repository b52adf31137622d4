package core

import (
	"context"
	"time"

	"rostercore/internal/authz"
	"rostercore/pkg/domain"
)

// Logger captures the structured logging calls emitted by the service. The
// method set matches *slog.Logger so callers can pass one directly.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock supplies the service with its notion of the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a plain function to Clock. A nil ClockFunc falls back to
// the system clock; results are always normalized to UTC.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time {
	if f == nil {
		return time.Now().UTC()
	}
	return f().UTC()
}

// AuditStatus describes the recorded outcome of an audited operation.
type AuditStatus string

const (
	// AuditStatusSuccess marks an operation that committed.
	AuditStatusSuccess AuditStatus = "success"
	// AuditStatusError marks an operation that returned an error.
	AuditStatusError AuditStatus = "error"
)

// AuditEntry is the record emitted after each audited mutation. Entries are
// self-contained so recorders can ship them to logs, queues or topics without
// consulting the store.
type AuditEntry struct {
	Operation string            `json:"operation"`
	Entity    domain.EntityType `json:"entity"`
	Action    domain.Action     `json:"action"`
	EntityID  string            `json:"entity_id,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Status    AuditStatus       `json:"status"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration_ns"`
	Timestamp time.Time         `json:"timestamp"`
}

// AuditRecorder receives audit entries emitted by the service.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}

// MetricsRecorder observes per-operation outcomes for export.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan finishes a span, capturing the operation error when present.
type TraceSpan interface {
	End(err error)
}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type serviceOptions struct {
	clock      Clock
	logger     Logger
	audit      AuditRecorder
	metrics    MetricsRecorder
	tracer     Tracer
	authorizer *authz.Evaluator
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		clock:      ClockFunc(nil),
		logger:     noopLogger{},
		audit:      noopAuditRecorder{},
		metrics:    noopMetricsRecorder{},
		tracer:     noopTracer{},
		authorizer: authz.NewEvaluator(nil),
	}
}

// Option customizes service construction.
type Option func(*serviceOptions)

// WithClock overrides the time source used for audit timestamps and any
// operation that stamps wall-clock fields.
func WithClock(clock Clock) Option {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger installs a structured logger. Pass *slog.Logger or anything with
// the same method set.
func WithLogger(logger Logger) Option {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAuditRecorder installs a recorder for mutation audit entries.
func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.audit = recorder
		}
	}
}

// WithMetricsRecorder installs a recorder for operation metrics.
func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

// WithTracer installs a tracer wrapping every service operation.
func WithTracer(tracer Tracer) Option {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithAuthorizer replaces the default permission evaluator, e.g. to install a
// custom relation schema.
func WithAuthorizer(evaluator *authz.Evaluator) Option {
	return func(o *serviceOptions) {
		if evaluator != nil {
			o.authorizer = evaluator
		}
	}
}

type operationMetadata struct {
	entity domain.EntityType
	action domain.Action
}

// auditedOperations maps operation names to the entity and action recorded in
// audit entries. Operations absent from this table are observed by metrics and
// tracing but produce no audit record; that covers the pure-read surface.
var auditedOperations = map[string]operationMetadata{
	"register_member":    {entity: domain.EntityMember, action: domain.ActionCreate},
	"submit_payment":     {entity: domain.EntityFeePayment, action: domain.ActionCreate},
	"request_transition": {entity: domain.EntityMember, action: domain.ActionUpdate},
	"rollover_period":    {entity: domain.EntityMember, action: domain.ActionUpdate},
	"create_group":       {entity: domain.EntityGroup, action: domain.ActionCreate},
	"update_group":       {entity: domain.EntityGroup, action: domain.ActionUpdate},
	"delete_group":       {entity: domain.EntityGroup, action: domain.ActionDelete},
	"assign_leader":      {entity: domain.EntityGroup, action: domain.ActionUpdate},
	"grant_relation":     {entity: domain.EntityRelationTuple, action: domain.ActionCreate},
	"revoke_relation":    {entity: domain.EntityRelationTuple, action: domain.ActionDelete},
	"import_state":       {entity: domain.EntityMember, action: domain.ActionUpdate},
	"run_migration":      {entity: domain.EntityMember, action: domain.ActionCreate},
}

func (s *Service) recordAudit(ctx context.Context, operation, entityID, actor string, opErr error, duration time.Duration) {
	meta, ok := auditedOperations[operation]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: operation,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Actor:     actor,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.now(),
	}
	if opErr != nil {
		entry.Status = AuditStatusError
		entry.Error = opErr.Error()
	}
	s.audit.Record(ctx, entry)
}

func (s *Service) recordAuditSuccess(ctx context.Context, operation, entityID string, duration time.Duration) {
	s.recordAudit(ctx, operation, entityID, "", nil, duration)
}

// instrument wraps an operation with tracing, metrics and audit recording.
// The returned finish func takes the resulting entity id and error; callers
// must invoke it exactly once.
func (s *Service) instrument(ctx context.Context, operation, actor string) (context.Context, func(entityID string, err error)) {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, operation)
	return ctx, func(entityID string, err error) {
		duration := s.now().Sub(start)
		span.End(err)
		s.metrics.Observe(ctx, operation, err == nil, duration)
		s.recordAudit(ctx, operation, entityID, actor, err, duration)
		if err != nil {
			s.logger.Error("operation failed", "operation", operation, "error", err)
			return
		}
		s.logger.Debug("operation completed", "operation", operation, "entity_id", entityID, "duration", duration)
	}
}

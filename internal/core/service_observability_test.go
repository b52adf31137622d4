package core

import (
	"bytes"
	"context"
	"expvar"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"rostercore/internal/infra/persistence/memory"
	"rostercore/pkg/domain"
)

type captureAuditRecorder struct {
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.entries = append(c.entries, entry)
}

func (c *captureAuditRecorder) has(op string, status AuditStatus, predicate func(AuditEntry) bool) bool {
	for _, entry := range c.entries {
		if entry.Operation == op && entry.Status == status {
			if predicate == nil || predicate(entry) {
				return true
			}
		}
	}
	return false
}

type metricsCall struct {
	op       string
	success  bool
	duration time.Duration
}

type captureMetricsRecorder struct {
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	c.calls = append(c.calls, metricsCall{op: op, success: success, duration: duration})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type captureTracer struct {
	started []string
	ended   []spanRecord
}

type spanRecord struct {
	op  string
	err error
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	c.started = append(c.started, op)
	return ctx, &captureSpan{tracer: c, op: op}
}

func (c *captureTracer) has(op string, success bool) bool {
	for _, record := range c.ended {
		if record.op == op {
			if success && record.err == nil {
				return true
			}
			if !success && record.err != nil {
				return true
			}
		}
	}
	return false
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, err: err})
}

func TestServiceObservabilityMemberLifecycle(t *testing.T) {
	ctx := context.Background()
	audit := &captureAuditRecorder{}
	metrics := &captureMetricsRecorder{}
	tracer := &captureTracer{}

	svc := NewInMemoryService(nil,
		WithAuditRecorder(audit),
		WithMetricsRecorder(metrics),
		WithTracer(tracer),
	)

	member, _, err := svc.RegisterMember(ctx, MemberRegistration{Email: "obs@example.com", Name: "Obs"})
	if err != nil {
		t.Fatalf("register member: %v", err)
	}
	if !audit.has("register_member", AuditStatusSuccess, func(entry AuditEntry) bool { return entry.EntityID == member.ID }) {
		t.Fatalf("expected audit entry for register_member success")
	}

	if _, _, err := svc.SubmitPayment(ctx, PaymentIntake{
		Email: "obs@example.com", Amount: 15000, Method: "cash", Period: "2025-spring",
	}); err != nil {
		t.Fatalf("submit payment: %v", err)
	}
	if !audit.has("submit_payment", AuditStatusSuccess, nil) {
		t.Fatalf("expected audit entry for submit_payment success")
	}

	if _, _, err := svc.RequestTransition(ctx, TransitionRequest{
		Requester: SystemSubject, TargetEmail: "obs@example.com", NewStatus: "mentor",
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !audit.has("request_transition", AuditStatusSuccess, func(entry AuditEntry) bool { return entry.Actor == SystemSubject }) {
		t.Fatalf("expected audit entry carrying the requesting subject")
	}

	// Failures surface as error entries across all three sinks.
	if _, _, err := svc.RequestTransition(ctx, TransitionRequest{
		Requester: SystemSubject, TargetEmail: "ghost@example.com", NewStatus: "regular",
	}); err == nil {
		t.Fatalf("expected transition failure for unknown email")
	}
	if !audit.has("request_transition", AuditStatusError, nil) {
		t.Fatalf("expected audit error entry for failed transition")
	}
	if !metrics.has("request_transition", false) {
		t.Fatalf("expected metrics entry for failed transition")
	}
	if !tracer.has("request_transition", false) {
		t.Fatalf("expected trace span for failed transition")
	}

	// The pure-read surface is observed but never audited.
	if _, err := svc.RunReconciliation(ctx, "2025-spring", nil); err != nil {
		t.Fatalf("reconciliation: %v", err)
	}
	if !metrics.has("run_reconciliation", true) {
		t.Fatalf("expected metrics entry for reconciliation")
	}
	if !tracer.has("run_reconciliation", true) {
		t.Fatalf("expected trace span for reconciliation")
	}
	for _, entry := range audit.entries {
		if entry.Operation == "run_reconciliation" {
			t.Fatalf("reconciliation must not produce audit entries")
		}
	}
}

func TestRecordAuditUsesOperationMetadata(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)
	recorder := &captureAuditRecorder{}
	store := clockOverrideStore{Store: memory.NewStore(NewDefaultRulesEngine())}
	svc := NewService(store,
		WithAuditRecorder(recorder),
		WithClock(ClockFunc(func() time.Time { return fixed })),
	)

	duration := 42 * time.Millisecond
	svc.recordAuditSuccess(context.Background(), "register_member", "M-20250301083000-AAA", duration)

	if len(recorder.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(recorder.entries))
	}
	entry := recorder.entries[0]
	if entry.Operation != "register_member" {
		t.Fatalf("unexpected operation: %s", entry.Operation)
	}
	if entry.Entity != domain.EntityMember || entry.Action != domain.ActionCreate {
		t.Fatalf("unexpected metadata: %s/%s", entry.Entity, entry.Action)
	}
	if entry.Duration != duration {
		t.Fatalf("expected duration %v, got %v", duration, entry.Duration)
	}
	if !entry.Timestamp.Equal(fixed) {
		t.Fatalf("expected timestamp %v, got %v", fixed, entry.Timestamp)
	}
}

func TestRecordAuditSkipsUnknownOperation(t *testing.T) {
	recorder := &captureAuditRecorder{}
	svc := NewInMemoryService(nil, WithAuditRecorder(recorder))

	svc.recordAuditSuccess(context.Background(), "unknown_operation", "entity", time.Second)

	if len(recorder.entries) != 0 {
		t.Fatalf("expected no audit entries for unknown operation, got %d", len(recorder.entries))
	}
}

// clockOverrideStore hides the embedded store's time source so the service
// falls back to the configured clock.
type clockOverrideStore struct {
	*memory.Store
}

func (clockOverrideStore) NowFunc() func() time.Time {
	return nil
}

const entryStatusSuccess = "success"
const entryStatusError = "error"

func TestExpvarMetricsRecorderExports(t *testing.T) {
	recorder := NewExpvarMetricsRecorder("")
	if recorder.Name() == "" {
		t.Fatalf("expected recorder to have export name")
	}
	recorder.Observe(context.Background(), "test_op", true, 10*time.Millisecond)
	recorder.Observe(context.Background(), "test_op", false, 5*time.Millisecond)

	snapshot := recorder.Snapshot()
	if snapshot.DurationsMS["test_op"] <= 0 {
		t.Fatalf("expected positive duration, snapshot=%+v", snapshot)
	}
	if snapshot.Results["test_op"][entryStatusSuccess] != 1 || snapshot.Results["test_op"][entryStatusError] != 1 {
		t.Fatalf("unexpected results snapshot=%+v", snapshot)
	}

	if v := expvar.Get(recorder.Name()); v == nil {
		t.Fatalf("expected expvar export to be registered")
	} else if !strings.Contains(v.String(), "test_op") {
		t.Fatalf("expected expvar output to contain operation: %s", v.String())
	}
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder, err := NewPrometheusMetricsRecorder(registry)
	if err != nil {
		t.Fatalf("build recorder: %v", err)
	}
	recorder.Observe(context.Background(), "submit_payment", true, 12*time.Millisecond)
	recorder.Observe(context.Background(), "submit_payment", true, 3*time.Millisecond)
	recorder.Observe(context.Background(), "submit_payment", false, 7*time.Millisecond)

	if got := testutil.ToFloat64(recorder.operations.WithLabelValues("submit_payment", "success")); got != 2 {
		t.Fatalf("expected 2 successes, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.operations.WithLabelValues("submit_payment", "error")); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}

	// Registering the same collectors twice must fail loudly.
	if _, err := NewPrometheusMetricsRecorder(registry); err == nil {
		t.Fatalf("expected duplicate registration to error")
	}
}

func TestJSONTraceTracerExports(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	_, span := tracer.Start(context.Background(), "trace_op")
	span.End(nil)

	entries := tracer.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected single span entry, got %d", len(entries))
	}
	if entries[0].Operation != "trace_op" || entries[0].Status != entryStatusSuccess {
		t.Fatalf("unexpected span entry: %+v", entries[0])
	}
	if !strings.Contains(buf.String(), "\"operation\":\"trace_op\"") {
		t.Fatalf("expected JSON output to contain operation: %q", buf.String())
	}
}

func TestDefaultServiceOptions(t *testing.T) {
	opts := defaultServiceOptions()
	if opts.clock == nil || opts.logger == nil || opts.audit == nil || opts.metrics == nil || opts.tracer == nil || opts.authorizer == nil {
		t.Fatalf("expected defaults populated")
	}
	_ = opts.clock.Now()
	opts.audit.Record(context.Background(), AuditEntry{})
	opts.metrics.Observe(context.Background(), "noop", true, 0)
	_, span := opts.tracer.Start(context.Background(), "noop")
	span.End(nil)
}

func TestOptionsIgnoreNilValues(t *testing.T) {
	opts := defaultServiceOptions()
	for _, opt := range []Option{
		WithClock(nil),
		WithLogger(nil),
		WithAuditRecorder(nil),
		WithMetricsRecorder(nil),
		WithTracer(nil),
		WithAuthorizer(nil),
	} {
		opt(&opts)
	}
	if opts.clock == nil || opts.logger == nil || opts.audit == nil || opts.metrics == nil || opts.tracer == nil || opts.authorizer == nil {
		t.Fatalf("expected nil options to keep defaults")
	}
}

func TestNoopLogger(t *testing.T) {
	var logger noopLogger
	logger.Debug("d", "k", 1)
	logger.Info("i", "k", 2)
	logger.Warn("w", "k", 3)
	logger.Error("e", "k", 4)
}

func TestClockFuncNow(t *testing.T) {
	got := ClockFunc(nil).Now()
	if got.IsZero() || got.Location() != time.UTC {
		t.Fatalf("expected non-zero UTC time from nil ClockFunc, got %v", got)
	}

	expected := time.Date(2025, 7, 4, 12, 34, 56, 0, time.FixedZone("offset", -5*3600))
	fixed := ClockFunc(func() time.Time { return expected })
	if now := fixed.Now(); !now.Equal(expected.UTC()) {
		t.Fatalf("expected %s, got %s", expected.UTC(), now)
	}
}

func TestSelectNowFuncPrefersStoreProvider(t *testing.T) {
	store := memory.NewStore(NewDefaultRulesEngine())
	clock := ClockFunc(func() time.Time { return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) })
	nowFn := selectNowFunc(store, clock)
	got := nowFn()
	if got.Year() == 2030 {
		t.Fatalf("expected store time source to win over the clock")
	}

	overridden := selectNowFunc(clockOverrideStore{Store: store}, clock)
	if got := overridden(); got.Year() != 2030 {
		t.Fatalf("expected clock fallback when the store hides its time source, got %s", got)
	}
}

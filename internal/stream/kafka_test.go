package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"rostercore/internal/core"
	"rostercore/pkg/domain"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaAuditRecorderPublishesEntries(t *testing.T) {
	fw := &fakeWriter{}
	recorder := NewKafkaAuditRecorderWithWriter(fw, nil)

	recorder.Record(context.Background(), core.AuditEntry{
		Operation: "submit_payment",
		Entity:    domain.EntityFeePayment,
		Action:    domain.ActionCreate,
		EntityID:  "F-20250301083000-AAA",
		Status:    core.AuditStatusSuccess,
		Timestamp: time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC),
	})

	if len(fw.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(fw.msgs))
	}
	msg := fw.msgs[0]
	if string(msg.Key) != "F-20250301083000-AAA" {
		t.Fatalf("expected entity-keyed message, got %q", msg.Key)
	}
	var decoded core.AuditEntry
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Operation != "submit_payment" || decoded.Status != core.AuditStatusSuccess {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestKafkaAuditRecorderKeysByOperationWithoutEntity(t *testing.T) {
	fw := &fakeWriter{}
	recorder := NewKafkaAuditRecorderWithWriter(fw, nil)

	recorder.Record(context.Background(), core.AuditEntry{Operation: "rollover_period", Status: core.AuditStatusSuccess})

	if len(fw.msgs) != 1 || string(fw.msgs[0].Key) != "rollover_period" {
		t.Fatalf("expected operation-keyed message, got %+v", fw.msgs)
	}
}

func TestKafkaAuditRecorderSwallowsPublishFailures(t *testing.T) {
	recorder := NewKafkaAuditRecorderWithWriter(&fakeWriter{err: errors.New("broker down")}, nil)
	// Must not panic or surface the failure to the instrumented operation.
	recorder.Record(context.Background(), core.AuditEntry{Operation: "register_member"})
}

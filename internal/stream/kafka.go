// Package stream ships service audit entries to a Kafka topic so downstream
// consumers (roster sheet sync, analytics) can follow changes without
// querying the store.
package stream

import (
	"context"
	"encoding/json"

	kafka "github.com/segmentio/kafka-go"

	"rostercore/internal/core"
)

// Writer is the subset of kafka.Writer the recorder needs; tests inject a
// capture implementation.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAuditRecorder publishes audit entries to a topic, keyed by entity id
// so one entity's history stays ordered within a partition.
type KafkaAuditRecorder struct {
	writer Writer
	logger core.Logger
}

var _ core.AuditRecorder = (*KafkaAuditRecorder)(nil)

// NewKafkaAuditRecorder builds a recorder writing to the broker's topic. The
// writer connects lazily on first publish.
func NewKafkaAuditRecorder(broker, topic string, logger core.Logger) *KafkaAuditRecorder {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(broker),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	return NewKafkaAuditRecorderWithWriter(writer, logger)
}

// NewKafkaAuditRecorderWithWriter injects the writer directly.
func NewKafkaAuditRecorderWithWriter(writer Writer, logger core.Logger) *KafkaAuditRecorder {
	return &KafkaAuditRecorder{writer: writer, logger: logger}
}

// Record publishes the entry. Publish failures are logged and dropped; audit
// streaming never blocks or fails the operation that emitted the entry.
func (r *KafkaAuditRecorder) Record(ctx context.Context, entry core.AuditEntry) {
	payload, err := json.Marshal(entry)
	if err != nil {
		r.logf("encode audit entry", entry.Operation, err)
		return
	}
	key := entry.EntityID
	if key == "" {
		key = entry.Operation
	}
	if err := r.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: payload}); err != nil {
		r.logf("publish audit entry", entry.Operation, err)
	}
}

// Close flushes and closes the underlying writer.
func (r *KafkaAuditRecorder) Close() error {
	return r.writer.Close()
}

func (r *KafkaAuditRecorder) logf(msg, operation string, err error) {
	if r.logger == nil {
		return
	}
	r.logger.Error(msg+" failed", "operation", operation, "error", err)
}

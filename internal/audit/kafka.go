package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/signalix/identity/internal/metrics"
	"github.com/signalix/identity/internal/model"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// envelope is the wire form of an audit event on the stream.
type envelope struct {
	EventID   string         `json:"event_id"`
	Event     string         `json:"event"`
	AccountID string         `json:"account_id,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
}

// DefaultPublishTimeout bounds one Record call, retries included.
const DefaultPublishTimeout = 2 * time.Second

// KafkaRecorder streams audit events to a topic for downstream SIEM consumers.
type KafkaRecorder struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewKafkaRecorder creates a synchronous producer requiring acks from all replicas.
// A write gives up after DefaultPublishTimeout so an unreachable broker cannot
// hold requests.
func NewKafkaRecorder(brokers []string, topic string, logger *zap.Logger) *KafkaRecorder {
	w := &kafka.Writer{
		Addr:            kafka.TCP(brokers...),
		Topic:           topic,
		Balancer:        &kafka.Hash{},
		BatchTimeout:    10 * time.Millisecond,
		RequiredAcks:    kafka.RequireAll,
		MaxAttempts:     3,
		WriteBackoffMin: 50 * time.Millisecond,
		WriteBackoffMax: 250 * time.Millisecond,
		WriteTimeout:    DefaultPublishTimeout,
	}
	return &KafkaRecorder{writer: w, topic: topic, timeout: DefaultPublishTimeout, logger: logger}
}

func (k *KafkaRecorder) Record(ctx context.Context, event model.AuditEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	env := envelope{
		EventID:   event.ID.String(),
		Event:     event.Event,
		AccountID: deref(event.AccountID),
		DeviceID:  deref(event.DeviceID),
		IPAddress: event.IPAddress,
		UserAgent: deref(event.UserAgent),
		Metadata:  event.Metadata,
		Timestamp: event.CreatedAt.UTC(),
		Source:    "identity",
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	// Keyed by account so one account's events stay ordered within a partition.
	msg := kafka.Message{
		Key:   []byte(env.AccountID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Event)},
		},
	}
	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		metrics.AuditPublishFailures.WithLabelValues("kafka").Inc()
		return fmt.Errorf("publish audit event to %s: %w", k.topic, err)
	}
	k.logger.Debug("audit event published", zap.String("topic", k.topic), zap.String("event", event.Event))
	return nil
}

// Close flushes pending writes.
func (k *KafkaRecorder) Close() error {
	return k.writer.Close()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

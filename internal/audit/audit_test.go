package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/signalix/identity/internal/model"
	"github.com/signalix/identity/internal/repo/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
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

// stalledWriter never completes a write until ctx ends, like a writer retrying
// against an unreachable broker.
type stalledWriter struct{}

func (stalledWriter) WriteMessages(ctx context.Context, _ ...kafka.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledWriter) Close() error { return nil }

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, model.AuditEvent) error {
	return errors.New("sink down")
}

func strPtr(s string) *string { return &s }

func TestStoreRecorder(t *testing.T) {
	store := memstore.New()
	rec := NewStoreRecorder(store.Repos().Audit)

	require.NoError(t, rec.Record(context.Background(), model.AuditEvent{
		AccountID: strPtr("+4915"),
		Event:     LoginSuccess,
		IPAddress: "10.0.0.1",
	}))

	events := store.AuditEvents()
	require.Len(t, events, 1)
	assert.Equal(t, LoginSuccess, events[0].Event)
	assert.Equal(t, "+4915", *events[0].AccountID)
}

func TestKafkaRecorderEnvelope(t *testing.T) {
	w := &fakeWriter{}
	rec := &KafkaRecorder{writer: w, topic: "identity.audit", logger: zap.NewNop()}

	require.NoError(t, rec.Record(context.Background(), model.AuditEvent{
		AccountID: strPtr("+4915"),
		DeviceID:  strPtr("dev-1"),
		Event:     DeviceRevoked,
		Metadata:  map[string]any{"revoked_device_id": "dev-2"},
	}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "+4915", string(w.msgs[0].Key))
	assert.Equal(t, "event_type", w.msgs[0].Headers[0].Key)

	var env map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &env))
	assert.Equal(t, DeviceRevoked, env["event"])
	assert.Equal(t, "dev-1", env["device_id"])
	assert.Equal(t, "identity", env["source"])
	assert.NotEmpty(t, env["event_id"])
}

func TestKafkaRecorderUsesEventTime(t *testing.T) {
	w := &fakeWriter{}
	rec := &KafkaRecorder{writer: w, topic: "identity.audit", logger: zap.NewNop()}
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	require.NoError(t, rec.Record(context.Background(), model.AuditEvent{Event: Logout, CreatedAt: at}))

	var env struct {
		Timestamp time.Time `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &env))
	assert.True(t, at.Equal(env.Timestamp), "got %s", env.Timestamp)
}

func TestKafkaRecorderBoundsStalledWrite(t *testing.T) {
	rec := &KafkaRecorder{writer: stalledWriter{}, topic: "t", timeout: 50 * time.Millisecond, logger: zap.NewNop()}

	start := time.Now()
	err := NewLogged(rec, zap.NewNop()).Record(context.Background(), model.AuditEvent{Event: LoginSuccess})
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	err = rec.Record(context.Background(), model.AuditEvent{Event: LoginSuccess})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewKafkaRecorderIsBounded(t *testing.T) {
	rec := NewKafkaRecorder([]string{"127.0.0.1:9092"}, "identity.audit", zap.NewNop())
	defer rec.Close()

	assert.Equal(t, DefaultPublishTimeout, rec.timeout)
	w, ok := rec.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, 3, w.MaxAttempts)
	assert.Equal(t, DefaultPublishTimeout, w.WriteTimeout)
}

func TestKafkaRecorderError(t *testing.T) {
	rec := &KafkaRecorder{writer: &fakeWriter{err: errors.New("broker down")}, topic: "t", logger: zap.NewNop()}
	assert.Error(t, rec.Record(context.Background(), model.AuditEvent{Event: Logout}))
}

func TestMultiAttemptsEveryRecorder(t *testing.T) {
	store := memstore.New()
	m := Multi{failingRecorder{}, NewStoreRecorder(store.Repos().Audit)}

	err := m.Record(context.Background(), model.AuditEvent{Event: Logout})
	assert.Error(t, err)
	assert.Len(t, store.AuditEvents(), 1)
}

func TestLoggedSwallowsFailures(t *testing.T) {
	assert.NoError(t, NewLogged(failingRecorder{}, zap.NewNop()).Record(context.Background(), model.AuditEvent{Event: Logout}))
}

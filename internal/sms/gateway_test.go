package sms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(url string) GatewayConfig {
	cfg := DefaultGatewayConfig(url, "key-1", "SIGNALIX")
	cfg.MinRequests = 3
	cfg.OpenTimeout = time.Minute
	return cfg
}

func TestGatewaySendsForm(t *testing.T) {
	var got struct {
		auth, to, from, message, contentType string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got.auth = r.Header.Get("Authorization")
		got.contentType = r.Header.Get("Content-Type")
		got.to = r.PostForm.Get("to")
		got.from = r.PostForm.Get("from")
		got.message = r.PostForm.Get("message")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := NewGateway(testConfig(srv.URL), zap.NewNop())
	require.NoError(t, g.Send(context.Background(), "+15551234567", OTPMessage("123456")))

	assert.Equal(t, "Bearer key-1", got.auth)
	assert.Equal(t, "application/x-www-form-urlencoded", got.contentType)
	assert.Equal(t, "+15551234567", got.to)
	assert.Equal(t, "SIGNALIX", got.from)
	assert.Contains(t, got.message, "123456")
}

func TestGatewayBreakerOpensOnFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewGateway(testConfig(srv.URL), zap.NewNop())
	for i := 0; i < 3; i++ {
		assert.Error(t, g.Send(context.Background(), "+15551234567", "hi"))
	}
	assert.Equal(t, gobreaker.StateOpen, g.State())

	err := g.Send(context.Background(), "+15551234567", "hi")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), calls.Load())
}

func TestLogSenderNeverFails(t *testing.T) {
	assert.NoError(t, NewLogSender(zap.NewNop()).Send(context.Background(), "+15551234567", "secret"))
}

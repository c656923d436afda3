package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/signalix/identity/internal/auth"
	"github.com/signalix/identity/internal/httputil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "middleware-test-secret-at-least-32-chars"

func gatedHandler(t *testing.T, reasons *[]string) http.Handler {
	t.Helper()
	codec := auth.NewTokenCodec(testSecret)
	onReject := func(_ *http.Request, reason string) { *reasons = append(*reasons, reason) }
	return SessionGate(codec, onReject, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := AccountID(r.Context())
		require.True(t, ok)
		deviceID, ok := DeviceID(r.Context())
		require.True(t, ok)
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"account_id": accountID, "device_id": deviceID})
	}))
}

func TestSessionGateAcceptsSessionToken(t *testing.T) {
	var reasons []string
	h := gatedHandler(t, &reasons)

	token, err := auth.NewTokenCodec(testSecret).IssueSession("alice", "dev-1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alice", body["account_id"])
	assert.Equal(t, "dev-1", body["device_id"])
	assert.Empty(t, reasons)
}

func TestSessionGateRejects(t *testing.T) {
	codec := auth.NewTokenCodec(testSecret)
	registration, err := codec.IssueRegistration("+4915112345678")
	require.NoError(t, err)
	foreign, err := auth.NewTokenCodec("another-secret-that-is-32-chars-long!!").IssueSession("alice", "dev-1")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		reason string
	}{
		{"missing header", "", "missing_header"},
		{"basic scheme", "Basic abc", "bad_scheme"},
		{"empty token", "Bearer  ", "missing_token"},
		{"garbage", "Bearer not-a-token", "malformed"},
		{"wrong secret", "Bearer " + foreign, "bad_signature"},
		{"registration token", "Bearer " + registration, "wrong_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reasons []string
			h := gatedHandler(t, &reasons)

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			var body httputil.ErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "UNAUTHORIZED", body.Error.Code)
			assert.NotContains(t, rec.Body.String(), tt.reason)
			assert.Equal(t, []string{tt.reason}, reasons)
		})
	}
}

func TestSessionAccessorsWithoutSession(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := AccountID(req.Context())
	assert.False(t, ok)
	_, ok = DeviceID(req.Context())
	assert.False(t, ok)

	ctx := WithSession(req.Context(), "alice", "dev-1")
	id, ok := AccountID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "alice", id)
}

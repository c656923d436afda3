package http_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/signalix/identity/internal/audit"
	"github.com/signalix/identity/internal/auth"
	"github.com/signalix/identity/internal/broadcast"
	httpapi "github.com/signalix/identity/internal/http"
	"github.com/signalix/identity/internal/http/handlers"
	"github.com/signalix/identity/internal/keys"
	"github.com/signalix/identity/internal/middleware"
	"github.com/signalix/identity/internal/repo/memstore"
	"github.com/signalix/identity/internal/sms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSecret = "router-test-secret-at-least-32-characters"
	testPhone  = "+15551234567"
)

type testServer struct {
	Server *httptest.Server
	Store  *memstore.Store
}

func newTestServer(t *testing.T, requestLimit int) *testServer {
	t.Helper()
	logger := zap.NewNop()
	store := memstore.New()
	repos := store.Repos()
	recorder := audit.NewStoreRecorder(repos.Audit)
	linking := broadcast.NewLocal()

	otp := auth.NewOtpManager(repos.Otps, sms.NewLogSender(logger), logger,
		auth.WithBcryptCost(bcrypt.MinCost), auth.WithDebugCodes(true))
	codec := auth.NewTokenCodec(testSecret)
	service := auth.NewService(otp, codec, repos, recorder, logger).WithBroadcaster(linking)
	registry := keys.NewRegistry(repos.Devices, repos.Keys, recorder, logger)

	requestLimiter := middleware.NewRateLimiter(time.Minute, requestLimit)
	verifyLimiter := middleware.NewRateLimiter(time.Minute, 100)
	t.Cleanup(requestLimiter.Close)
	t.Cleanup(verifyLimiter.Close)

	router := httpapi.NewRouter(httpapi.RouterDeps{
		Auth:              handlers.NewAuthHandler(service, logger),
		Keys:              handlers.NewKeysHandler(registry, logger),
		Users:             handlers.NewUsersHandler(service, logger),
		Linking:           handlers.NewLinkingHandler(linking, logger),
		Health:            handlers.NewHealthHandler(logger),
		Codec:             codec,
		OTPRequestLimiter: requestLimiter,
		OTPVerifyLimiter:  verifyLimiter,
		AllowedOrigins:    []string{"*"},
		Logger:            logger,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{Server: server, Store: store}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.Server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func wrongCode(code string) string {
	if code[0] == '1' {
		return "2" + code[1:]
	}
	return "1" + code[1:]
}

type session struct {
	AccountID    string
	AccessToken  string
	RefreshToken string
}

func (s *testServer) register(t *testing.T, phone, deviceID, username string) session {
	t.Helper()
	status, body := s.do(t, http.MethodPost, "/auth/request_otp", "", map[string]any{"phone_number": phone})
	require.Equal(t, http.StatusOK, status, body)
	code := body["dev_code"].(string)

	status, body = s.do(t, http.MethodPost, "/auth/verify_otp", "", map[string]any{
		"phone_number": phone, "otp": code, "device_id": deviceID, "device_name": "Test Device",
	})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "registration_required", body["status"])

	status, body = s.do(t, http.MethodPost, "/auth/register", "", map[string]any{
		"registration_token": body["registration_token"], "username": username,
		"device_id": deviceID, "device_name": "Test Device",
	})
	require.Equal(t, http.StatusOK, status, body)
	account := body["account"].(map[string]any)
	return session{
		AccountID:    account["id"].(string),
		AccessToken:  body["access_token"].(string),
		RefreshToken: body["refresh_token"].(string),
	}
}

func bundleUpload(n int) map[string]any {
	b64 := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	preKeys := make([]map[string]any, n)
	for i := range preKeys {
		preKeys[i] = map[string]any{"key_id": i + 1, "public_key": b64(fmt.Sprintf("one-time-%d", i+1))}
	}
	return map[string]any{
		"identity_key":      b64("identity"),
		"signed_pre_key":    b64("signed"),
		"signature":         b64("signature"),
		"signed_pre_key_id": 7,
		"one_time_pre_keys": preKeys,
	}
}

func TestRegistrationAndKeyExchangeFlow(t *testing.T) {
	s := newTestServer(t, 100)

	// request_otp through the action envelope
	status, body := s.do(t, http.MethodPost, "/auth", "", map[string]any{"action": "request_otp", "phone_number": testPhone})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "otp_sent", body["status"])
	code := body["dev_code"].(string)

	verify := map[string]any{
		"action": "verify_otp", "phone_number": testPhone, "otp": wrongCode(code),
		"device_id": "dev-1", "device_name": "Test Device",
	}
	for i := 0; i < 2; i++ {
		status, body = s.do(t, http.MethodPost, "/auth", "", verify)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "UNAUTHORIZED", errorCode(body))
	}

	verify["otp"] = code
	status, body = s.do(t, http.MethodPost, "/auth", "", verify)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "registration_required", body["status"])

	status, body = s.do(t, http.MethodPost, "/auth", "", map[string]any{
		"action": "register", "registration_token": body["registration_token"],
		"username": "alice", "avatar": nil, "device_id": "dev-1", "device_name": "Test Device",
	})
	require.Equal(t, http.StatusOK, status, body)
	access := body["access_token"].(string)
	refresh := body["refresh_token"].(string)
	accountID := body["account"].(map[string]any)["id"].(string)
	assert.Len(t, refresh, 64)

	status, body = s.do(t, http.MethodGet, "/auth/keys/"+accountID, access, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	status, body = s.do(t, http.MethodPost, "/auth/keys", access, bundleUpload(5))
	require.Equal(t, http.StatusOK, status, body)

	status, body = s.do(t, http.MethodGet, "/auth/keys/"+accountID, access, nil)
	require.Equal(t, http.StatusOK, status, body)
	devices := body["devices"].([]any)
	require.Len(t, devices, 1)
	first := devices[0].(map[string]any)
	assert.Equal(t, "dev-1", first["device_id"])
	assert.EqualValues(t, 7, first["signed_pre_key_id"])
	assert.EqualValues(t, 1, first["one_time_pre_key"].(map[string]any)["key_id"])

	status, body = s.do(t, http.MethodGet, "/auth/keys/"+accountID, access, nil)
	require.Equal(t, http.StatusOK, status, body)
	second := body["devices"].([]any)[0].(map[string]any)
	assert.EqualValues(t, 2, second["one_time_pre_key"].(map[string]any)["key_id"])

	status, body = s.do(t, http.MethodGet, "/auth/keys/count", access, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 3, body["count"])

	status, body = s.do(t, http.MethodPost, "/auth/refresh", "", map[string]any{"refresh_token": refresh, "device_id": "dev-1"})
	require.Equal(t, http.StatusOK, status, body)
	assert.NotEmpty(t, body["access_token"])

	status, _ = s.do(t, http.MethodPost, "/auth/logout", access, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = s.do(t, http.MethodPost, "/auth/refresh", "", map[string]any{"refresh_token": refresh, "device_id": "dev-1"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	s := newTestServer(t, 100)

	for _, path := range []string{"/me", "/users/devices", "/auth/keys/count", "/auth/keys/someone"} {
		status, body := s.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, status, path)
		assert.Equal(t, "UNAUTHORIZED", errorCode(body), path)
	}

	status, _ := s.do(t, http.MethodGet, "/me", "garbage.token", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	var rejected int
	for _, e := range s.Store.AuditEvents() {
		if e.Event == audit.SessionTokenRejected {
			rejected++
		}
	}
	assert.Equal(t, 5, rejected)
}

func TestRegistrationTokenIsNotASession(t *testing.T) {
	s := newTestServer(t, 100)

	status, body := s.do(t, http.MethodPost, "/auth/request_otp", "", map[string]any{"phone_number": testPhone})
	require.Equal(t, http.StatusOK, status)
	status, body = s.do(t, http.MethodPost, "/auth/verify_otp", "", map[string]any{
		"phone_number": testPhone, "otp": body["dev_code"], "device_id": "dev-1", "device_name": "Test Device",
	})
	require.Equal(t, http.StatusOK, status, body)

	status, _ = s.do(t, http.MethodGet, "/me", body["registration_token"].(string), nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAuthEnvelopeValidation(t *testing.T) {
	s := newTestServer(t, 100)

	status, body := s.do(t, http.MethodPost, "/auth", "", map[string]any{"action": "launch_rockets"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))

	status, body = s.do(t, http.MethodPost, "/auth/request_otp", "", map[string]any{"action": "login", "phone_number": testPhone})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))

	status, body = s.do(t, http.MethodPost, "/auth/request_otp", "", map[string]any{"phone_number": "12345"})
	assert.Equal(t, http.StatusBadRequest, status)
	fields := body["error"].(map[string]any)["fields"].(map[string]any)
	assert.Contains(t, fields, "phone_number")

	status, body = s.do(t, http.MethodPost, "/auth/request_otp", "", map[string]any{"phone_number": testPhone, "surprise": true})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))
}

func TestOtpRequestRateLimitedByIP(t *testing.T) {
	s := newTestServer(t, 2)

	for i := 0; i < 2; i++ {
		status, body := s.do(t, http.MethodPost, "/auth/request_otp", "", map[string]any{"phone_number": fmt.Sprintf("+1555123456%d", i)})
		require.Equal(t, http.StatusOK, status, body)
	}
	status, body := s.do(t, http.MethodPost, "/auth/request_otp", "", map[string]any{"phone_number": "+15551234569"})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "RATE_LIMITED", errorCode(body))
}

func TestOtpRequestRateLimitedByPhone(t *testing.T) {
	s := newTestServer(t, 100)

	for i := 0; i < 3; i++ {
		status, _ := s.do(t, http.MethodPost, "/auth/request_otp", "", map[string]any{"phone_number": testPhone})
		require.Equal(t, http.StatusOK, status)
	}
	status, body := s.do(t, http.MethodPost, "/auth/request_otp", "", map[string]any{"phone_number": testPhone})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "RATE_LIMITED", errorCode(body))
}

func TestUserEndpoints(t *testing.T) {
	s := newTestServer(t, 100)
	alice := s.register(t, testPhone, "dev-1", "alice")

	status, body := s.do(t, http.MethodGet, "/me", alice.AccessToken, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, alice.AccountID, body["id"])
	assert.Equal(t, "alice", body["username"])
	assert.Equal(t, true, body["online"])

	status, body = s.do(t, http.MethodPut, "/users", alice.AccessToken, map[string]any{"username": "alicia"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "alicia", body["username"])

	status, body = s.do(t, http.MethodPut, "/users", alice.AccessToken, map[string]any{"username": "al"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = s.do(t, http.MethodGet, "/users/devices", alice.AccessToken, nil)
	require.Equal(t, http.StatusOK, status, body)
	devices := body["devices"].([]any)
	require.Len(t, devices, 1)
	assert.Equal(t, true, devices[0].(map[string]any)["is_current"])
	assert.Equal(t, false, devices[0].(map[string]any)["has_keys"])
}

func TestRevokeDeviceEndpoint(t *testing.T) {
	s := newTestServer(t, 100)
	first := s.register(t, testPhone, "dev-1", "alice")

	// Second device of the same account signs in with a fresh code.
	status, body := s.do(t, http.MethodPost, "/auth/request_otp", "", map[string]any{"phone_number": testPhone})
	require.Equal(t, http.StatusOK, status)
	status, body = s.do(t, http.MethodPost, "/auth/login", "", map[string]any{
		"phone_number": testPhone, "otp": body["dev_code"], "device_id": "dev-2", "device_name": "Laptop",
	})
	require.Equal(t, http.StatusOK, status, body)
	secondAccess := body["access_token"].(string)

	status, body = s.do(t, http.MethodPost, "/auth/revoke-device", secondAccess, map[string]any{"target_device_id": "dev-2"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = s.do(t, http.MethodPost, "/auth/revoke-device", secondAccess, map[string]any{"target_device_id": "dev-1"})
	require.Equal(t, http.StatusOK, status, body)

	status, _ = s.do(t, http.MethodPost, "/auth/refresh", "", map[string]any{"refresh_token": first.RefreshToken, "device_id": "dev-1"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = s.do(t, http.MethodGet, "/users/devices", secondAccess, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["devices"].([]any), 1)
}

func TestLinkingRelay(t *testing.T) {
	s := newTestServer(t, 100)
	alice := s.register(t, testPhone, "dev-1", "alice")

	wsURL := "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/ws/linking/abcd1234"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	status, body := s.do(t, http.MethodPost, "/users/link-signal", alice.AccessToken, map[string]any{
		"link_code": "abcd1234", "type": "offer", "data": map[string]any{"sdp": "v=0"},
	})
	require.Equal(t, http.StatusOK, status, body)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var evt broadcast.LinkEvent
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "abcd1234", evt.LinkCode)
	assert.Equal(t, "offer", evt.Type)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(evt.Data))
}

func TestLinkingRejectsBadCode(t *testing.T) {
	s := newTestServer(t, 100)

	status, body := s.do(t, http.MethodGet, "/ws/linking/a!", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, 100)

	status, body := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	resp, err := http.Get(s.Server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "http_requests_total")
}

func TestHealthReportsFailingCheck(t *testing.T) {
	h := handlers.NewHealthHandler(zap.NewNop(), handlers.HealthCheck{
		Name:  "database",
		Check: func(context.Context) error { return fmt.Errorf("connection refused") },
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"down"`)
}

package handlers

import (
	"net/http"
	"strings"

	"github.com/signalix/identity/internal/apperr"
	"github.com/signalix/identity/internal/auth"
	"github.com/signalix/identity/internal/httputil"
	"github.com/signalix/identity/internal/middleware"
	"go.uber.org/zap"
)

// AuthHandler serves the public auth actions and the session-bound logout and
// revoke endpoints.
type AuthHandler struct {
	service *auth.Service
	logger  *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(service *auth.Service, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{service: service, logger: logger}
}

// authRequest is the body of POST /auth and of the fixed-action routes. Only the
// fields the action needs are read.
type authRequest struct {
	Action            string  `json:"action"`
	PhoneNumber       string  `json:"phone_number"`
	OTP               string  `json:"otp"`
	DeviceID          string  `json:"device_id"`
	DeviceName        string  `json:"device_name"`
	RegistrationToken string  `json:"registration_token"`
	Username          string  `json:"username"`
	Avatar            *string `json:"avatar"`
	RefreshToken      string  `json:"refresh_token"`
}

func (req authRequest) toRequest(action auth.Action) auth.Request {
	return auth.Request{
		Action:            action,
		PhoneNumber:       strings.TrimSpace(req.PhoneNumber),
		OTP:               strings.TrimSpace(req.OTP),
		DeviceID:          strings.TrimSpace(req.DeviceID),
		DeviceName:        strings.TrimSpace(req.DeviceName),
		RegistrationToken: strings.TrimSpace(req.RegistrationToken),
		Username:          strings.TrimSpace(req.Username),
		Avatar:            req.Avatar,
		RefreshToken:      strings.TrimSpace(req.RefreshToken),
	}
}

// revokeDeviceRequest is the request body for POST /auth/revoke-device
type revokeDeviceRequest struct {
	TargetDeviceID string `json:"target_device_id"`
}

// statusResponse acknowledges operations that return nothing else.
type statusResponse struct {
	Status string `json:"status"`
}

// HandleAction handles POST /auth with an {"action": "..."} envelope.
func (h *AuthHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	action, err := auth.ParseAction(strings.TrimSpace(req.Action))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	h.dispatch(w, r, req.toRequest(action))
}

// HandleFixed serves one action on its own route. An action named in the body
// must agree with the route.
func (h *AuthHandler) HandleFixed(action auth.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req authRequest
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.WriteError(w, r, err, h.logger)
			return
		}
		if req.Action != "" && req.Action != action.String() {
			httputil.WriteError(w, r, apperr.Validation("action does not match endpoint", map[string]string{
				"action": "must be " + action.String(),
			}), h.logger)
			return
		}
		h.dispatch(w, r, req.toRequest(action))
	}
}

func (h *AuthHandler) dispatch(w http.ResponseWriter, r *http.Request, req auth.Request) {
	out, err := h.service.Handle(r.Context(), requestMeta(r), req)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleLogout handles POST /auth/logout (session). The body is ignored.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	accountID, deviceID, ok := session(r)
	if !ok {
		httputil.WriteError(w, r, apperr.Unauthorized("missing session", nil), h.logger)
		return
	}

	if err := h.service.Logout(r.Context(), requestMeta(r), accountID, deviceID); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, statusResponse{Status: auth.StatusSuccess})
}

// HandleRevokeDevice handles POST /auth/revoke-device (session).
func (h *AuthHandler) HandleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	accountID, deviceID, ok := session(r)
	if !ok {
		httputil.WriteError(w, r, apperr.Unauthorized("missing session", nil), h.logger)
		return
	}

	var req revokeDeviceRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	err := h.service.RevokeDevice(r.Context(), requestMeta(r), accountID, deviceID, strings.TrimSpace(req.TargetDeviceID))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, statusResponse{Status: auth.StatusSuccess})
}

// OnTokenRejected feeds session gate rejections into the audit trail.
func (h *AuthHandler) OnTokenRejected(r *http.Request, reason string) {
	h.service.RecordTokenRejection(r.Context(), requestMeta(r), reason)
}

func requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{IP: httputil.ClientIP(r), UserAgent: r.UserAgent()}
}

func session(r *http.Request) (accountID, deviceID string, ok bool) {
	accountID, ok = middleware.AccountID(r.Context())
	if !ok {
		return "", "", false
	}
	deviceID, ok = middleware.DeviceID(r.Context())
	return accountID, deviceID, ok
}

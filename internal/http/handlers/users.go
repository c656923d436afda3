package handlers

import (
	"net/http"

	"github.com/signalix/identity/internal/apperr"
	"github.com/signalix/identity/internal/auth"
	"github.com/signalix/identity/internal/httputil"
	"go.uber.org/zap"
)

// UsersHandler serves the caller's own account and devices.
type UsersHandler struct {
	service *auth.Service
	logger  *zap.Logger
}

func NewUsersHandler(service *auth.Service, logger *zap.Logger) *UsersHandler {
	return &UsersHandler{service: service, logger: logger}
}

type devicesResponse struct {
	Devices []auth.DeviceView `json:"devices"`
}

// HandleMe handles GET /me
func (h *UsersHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	accountID, _, ok := session(r)
	if !ok {
		httputil.WriteError(w, r, apperr.Unauthorized("missing session", nil), h.logger)
		return
	}

	account, err := h.service.Me(r.Context(), accountID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, account)
}

// HandleUpdateProfile handles PUT /users
func (h *UsersHandler) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	accountID, deviceID, ok := session(r)
	if !ok {
		httputil.WriteError(w, r, apperr.Unauthorized("missing session", nil), h.logger)
		return
	}

	var upd auth.ProfileUpdate
	if err := httputil.DecodeJSON(w, r, &upd); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	account, err := h.service.UpdateProfile(r.Context(), requestMeta(r), accountID, deviceID, upd)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, account)
}

// HandleListDevices handles GET /users/devices
func (h *UsersHandler) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	accountID, deviceID, ok := session(r)
	if !ok {
		httputil.WriteError(w, r, apperr.Unauthorized("missing session", nil), h.logger)
		return
	}

	devices, err := h.service.ListDevices(r.Context(), accountID, deviceID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, devicesResponse{Devices: devices})
}

// HandleLinkSignal handles POST /users/link-signal
func (h *UsersHandler) HandleLinkSignal(w http.ResponseWriter, r *http.Request) {
	accountID, deviceID, ok := session(r)
	if !ok {
		httputil.WriteError(w, r, apperr.Unauthorized("missing session", nil), h.logger)
		return
	}

	var sig auth.LinkSignal
	if err := httputil.DecodeJSON(w, r, &sig); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	if err := h.service.SendLinkSignal(r.Context(), requestMeta(r), accountID, deviceID, sig); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, statusResponse{Status: "sent"})
}

package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/signalix/identity/internal/apperr"
	"github.com/signalix/identity/internal/httputil"
	"github.com/signalix/identity/internal/keys"
	"go.uber.org/zap"
)

// KeysHandler serves the key bundle registry.
type KeysHandler struct {
	registry *keys.Registry
	logger   *zap.Logger
}

func NewKeysHandler(registry *keys.Registry, logger *zap.Logger) *KeysHandler {
	return &KeysHandler{registry: registry, logger: logger}
}

type bundlesResponse struct {
	AccountID string              `json:"account_id"`
	Devices   []keys.DeviceBundle `json:"devices"`
}

type countResponse struct {
	Count int `json:"count"`
}

// HandleUpdate handles POST /auth/keys
func (h *KeysHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	caller, ok := keyCaller(r)
	if !ok {
		httputil.WriteError(w, r, apperr.Unauthorized("missing session", nil), h.logger)
		return
	}

	var upload keys.BundleUpload
	if err := httputil.DecodeJSON(w, r, &upload); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	if err := h.registry.PublishBundle(r.Context(), caller, upload); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, statusResponse{Status: "success"})
}

// HandleFetch handles GET /auth/keys/{target_account_id}
func (h *KeysHandler) HandleFetch(w http.ResponseWriter, r *http.Request) {
	caller, ok := keyCaller(r)
	if !ok {
		httputil.WriteError(w, r, apperr.Unauthorized("missing session", nil), h.logger)
		return
	}

	target := strings.TrimSpace(chi.URLParam(r, "target_account_id"))
	bundles, err := h.registry.FetchBundles(r.Context(), caller, target)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, bundlesResponse{AccountID: target, Devices: bundles})
}

// HandleCount handles GET /auth/keys/count
func (h *KeysHandler) HandleCount(w http.ResponseWriter, r *http.Request) {
	caller, ok := keyCaller(r)
	if !ok {
		httputil.WriteError(w, r, apperr.Unauthorized("missing session", nil), h.logger)
		return
	}

	n, err := h.registry.Count(r.Context(), caller)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, countResponse{Count: n})
}

func keyCaller(r *http.Request) (keys.Caller, bool) {
	accountID, deviceID, ok := session(r)
	if !ok {
		return keys.Caller{}, false
	}
	return keys.Caller{
		AccountID: accountID,
		DeviceID:  deviceID,
		IP:        httputil.ClientIP(r),
		UserAgent: r.UserAgent(),
	}, true
}

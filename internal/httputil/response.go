// Package httputil writes JSON responses and the standard error envelope.
package httputil

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/signalix/identity/internal/apperr"
	"go.uber.org/zap"
)

// ErrorBody is the standard error envelope: {"error": {...}}.
type ErrorBody struct {
	Error ErrorResponse `json:"error"`
}

// ErrorResponse describes one failure.
type ErrorResponse struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; nothing meaningful can be done if encoding fails.
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err as the error envelope. Only the kind and message of an
// *apperr.Error reach the client; causes are logged.
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	requestID := middleware.GetReqID(r.Context())

	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Internal("unhandled", err)
	}

	switch appErr.Kind {
	case apperr.KindInternal:
		logger.Error("internal error",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID),
		)
	case apperr.KindTransient:
		logger.Warn("transient failure",
			zap.Error(err),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID),
		)
	case apperr.KindUnauthorized:
		logger.Debug("unauthorized", zap.Error(err), zap.String("path", r.URL.Path))
	}

	WriteJSON(w, appErr.Kind.HTTPStatus(), ErrorBody{Error: ErrorResponse{
		Code:      appErr.Kind.String(),
		Message:   appErr.Message,
		Fields:    appErr.Fields,
		RequestID: requestID,
	}})
}

// DecodeJSON decodes the request body into dst, rejecting unknown fields and
// bodies over 1 MiB.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("request body must be valid JSON", map[string]string{"body": err.Error()})
	}
	return nil
}

// ClientIP returns the host part of RemoteAddr. middleware.RealIP has already
// applied X-Forwarded-For / X-Real-IP when mounted.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/signalix/identity/internal/apperr"
	"github.com/signalix/identity/internal/auth"
	"github.com/signalix/identity/internal/httputil"
	"go.uber.org/zap"
)

type contextKey string

const (
	accountIDKey contextKey = "account_id"
	deviceIDKey  contextKey = "device_id"
)

// RejectFunc is told why a session token was refused. The reason never reaches the client.
type RejectFunc func(r *http.Request, reason string)

// SessionGate requires "Authorization: Bearer <session token>" and attaches the
// account and device ids to the request context. Every failure is a plain 401.
func SessionGate(codec *auth.TokenCodec, onReject RejectFunc, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reject := func(reason string) {
				logger.Debug("session token rejected", zap.String("reason", reason), zap.String("path", r.URL.Path))
				if onReject != nil {
					onReject(r, reason)
				}
				httputil.WriteError(w, r, apperr.Unauthorized("missing or invalid session token", nil), logger)
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				reject("missing_header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				reject("bad_scheme")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				reject("missing_token")
				return
			}

			claims, err := codec.VerifySession(tokenString)
			if err != nil {
				reject(auth.TokenFailureReason(err))
				return
			}

			ctx := context.WithValue(r.Context(), accountIDKey, claims.AccountID)
			ctx = context.WithValue(ctx, deviceIDKey, claims.DeviceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithSession attaches a session to ctx, as SessionGate does.
func WithSession(ctx context.Context, accountID, deviceID string) context.Context {
	ctx = context.WithValue(ctx, accountIDKey, accountID)
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// AccountID extracts the authenticated account id from context
func AccountID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(accountIDKey).(string)
	return id, ok && id != ""
}

// DeviceID extracts the authenticated device id from context
func DeviceID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(deviceIDKey).(string)
	return id, ok && id != ""
}

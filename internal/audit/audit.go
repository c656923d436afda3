// Package audit records security relevant actions. Sinks are append only.
package audit

import (
	"context"
	"errors"

	"github.com/signalix/identity/internal/metrics"
	"github.com/signalix/identity/internal/model"
	"github.com/signalix/identity/internal/repo"
	"go.uber.org/zap"
)

// Event names.
const (
	OtpRequested              = "otp_requested"
	OtpRateLimited            = "otp_rate_limited"
	OtpVerified               = "otp_verified"
	OtpFailedExpired          = "otp_failed_expired"
	OtpFailedTooManyAttempts  = "otp_failed_too_many_attempts"
	OtpFailedIncorrect        = "otp_failed_incorrect"
	RegistrationSuccess       = "registration_success"
	LoginSuccess              = "login_success"
	TokenRefreshed            = "token_refreshed"
	RefreshTokenFailed        = "refresh_token_failed"
	Logout                    = "logout"
	DeviceRevoked             = "device_revoked"
	KeysUpdated               = "keys_updated"
	KeysFetched               = "keys_fetched"
	ProfileUpdated            = "profile_updated"
	LinkSignalSent            = "link_signal_sent"
	SessionTokenRejected      = "session_token_rejected"
	RegistrationTokenRejected = "registration_token_rejected"
)

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event model.AuditEvent) error
}

// StoreRecorder writes events to the credential store.
type StoreRecorder struct {
	repo repo.AuditRepo
}

func NewStoreRecorder(r repo.AuditRepo) *StoreRecorder {
	return &StoreRecorder{repo: r}
}

func (s *StoreRecorder) Record(ctx context.Context, event model.AuditEvent) error {
	if err := s.repo.Insert(ctx, event); err != nil {
		metrics.AuditPublishFailures.WithLabelValues("store").Inc()
		return err
	}
	return nil
}

// Multi fans an event out to every recorder. All recorders are attempted.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, event model.AuditEvent) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logged wraps a recorder so that failures are logged instead of returned.
// Audit failures never abort the action being audited.
type Logged struct {
	next   Recorder
	logger *zap.Logger
}

func NewLogged(next Recorder, logger *zap.Logger) *Logged {
	return &Logged{next: next, logger: logger}
}

func (l *Logged) Record(ctx context.Context, event model.AuditEvent) error {
	if err := l.next.Record(ctx, event); err != nil {
		l.logger.Error("audit write failed", zap.String("event", event.Event), zap.Error(err))
	}
	return nil
}

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/signalix/identity/internal/apperr"
	"github.com/signalix/identity/internal/audit"
	"github.com/signalix/identity/internal/broadcast"
	"github.com/signalix/identity/internal/logging"
	"github.com/signalix/identity/internal/metrics"
	"github.com/signalix/identity/internal/model"
	"github.com/signalix/identity/internal/repo"
	"github.com/signalix/identity/internal/validation"
	"go.uber.org/zap"
)

// Outcome statuses.
const (
	StatusOtpSent              = "otp_sent"
	StatusRegistrationRequired = "registration_required"
	StatusSuccess              = "success"
)

// Request is the input of one public auth action. Only the fields of the chosen
// action are read.
type Request struct {
	Action            Action
	PhoneNumber       string
	OTP               string
	DeviceID          string
	DeviceName        string
	RegistrationToken string
	Username          string
	Avatar            *string
	RefreshToken      string
}

// AccountView is the public representation of an account.
type AccountView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Avatar    *string   `json:"avatar"`
	Online    bool      `json:"online"`
	CreatedAt time.Time `json:"created_at"`
}

func NewAccountView(a model.Account) *AccountView {
	return &AccountView{ID: a.ID, Username: a.Username, Avatar: a.Avatar, Online: a.Online, CreatedAt: a.CreatedAt}
}

// Outcome is the result of an auth action.
type Outcome struct {
	Status            string       `json:"status"`
	Account           *AccountView `json:"account,omitempty"`
	AccessToken       string       `json:"access_token,omitempty"`
	RefreshToken      string       `json:"refresh_token,omitempty"`
	ExpiresIn         int          `json:"expires_in,omitempty"`
	RegistrationToken string       `json:"registration_token,omitempty"`
	OtpExpiresAt      *time.Time   `json:"otp_expires_at,omitempty"`
	DevCode           string       `json:"dev_code,omitempty"`
}

type otpRequestInput struct {
	PhoneNumber string `json:"phone_number" validate:"required,e164"`
}

type otpVerifyInput struct {
	PhoneNumber string `json:"phone_number" validate:"required,e164"`
	OTP         string `json:"otp" validate:"required,len=6,numeric"`
	DeviceID    string `json:"device_id" validate:"required,max=128"`
	DeviceName  string `json:"device_name" validate:"required,max=100"`
}

type registerInput struct {
	RegistrationToken string  `json:"registration_token" validate:"required"`
	Username          string  `json:"username" validate:"required,min=3,max=50"`
	Avatar            *string `json:"avatar" validate:"omitempty,max=2048"`
	DeviceID          string  `json:"device_id" validate:"required,max=128"`
	DeviceName        string  `json:"device_name" validate:"required,max=100"`
}

type refreshInput struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	DeviceID     string `json:"device_id" validate:"required,max=128"`
}

// Service orchestrates phone verification, device authentication and token refresh.
type Service struct {
	otp      *OtpManager
	codec    *TokenCodec
	accounts repo.AccountRepo
	devices  repo.DeviceRepo
	refresh  repo.RefreshRepo
	audit    audit.Recorder
	logger   *zap.Logger
	now      func() time.Time

	broadcaster broadcast.Broadcaster
}

func NewService(otp *OtpManager, codec *TokenCodec, repos repo.Repos, recorder audit.Recorder, logger *zap.Logger) *Service {
	return &Service{
		otp:      otp,
		codec:    codec,
		accounts: repos.Accounts,
		devices:  repos.Devices,
		refresh:  repos.Refresh,
		audit:    recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock sets the clock used for refresh token expiry.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Codec returns the token codec used by the service.
func (s *Service) Codec() *TokenCodec {
	return s.codec
}

// Handle dispatches one public auth action.
func (s *Service) Handle(ctx context.Context, meta RequestMeta, req Request) (*Outcome, error) {
	var (
		out *Outcome
		err error
	)
	switch req.Action {
	case ActionRequestOtp:
		out, err = s.RequestOtp(ctx, meta, req.PhoneNumber)
	case ActionVerifyOtp:
		out, err = s.VerifyOtp(ctx, meta, req.PhoneNumber, req.OTP, req.DeviceID, req.DeviceName)
	case ActionRegister:
		out, err = s.Register(ctx, meta, req)
	case ActionLogin:
		out, err = s.Login(ctx, meta, req.PhoneNumber, req.OTP, req.DeviceID, req.DeviceName)
	case ActionRefreshToken:
		out, err = s.RefreshAccessToken(ctx, meta, req.RefreshToken, req.DeviceID)
	default:
		err = errUnknownAction()
	}

	outcome := "ok"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	metrics.AuthOutcomes.WithLabelValues(req.Action.String(), outcome).Inc()
	return out, err
}

// RequestOtp issues a verification code for phone.
func (s *Service) RequestOtp(ctx context.Context, meta RequestMeta, phone string) (*Outcome, error) {
	if err := validation.Struct(otpRequestInput{PhoneNumber: phone}); err != nil {
		return nil, err
	}

	ch, err := s.otp.RequestChallenge(ctx, phone, meta)
	if err != nil {
		if errors.Is(err, ErrOtpRateLimited) {
			s.record(ctx, meta, phone, "", audit.OtpRateLimited, nil)
			return nil, apperr.RateLimited("too many active verification codes, try again later")
		}
		return nil, apperr.Store("request otp", err)
	}

	s.record(ctx, meta, phone, "", audit.OtpRequested, nil)
	s.logger.Info("otp requested", logging.Phone(phone))

	expires := ch.ExpiresAt
	return &Outcome{Status: StatusOtpSent, OtpExpiresAt: &expires, DevCode: ch.DevCode}, nil
}

// VerifyOtp checks the code and either authenticates the device of an existing
// account or hands out a registration token.
func (s *Service) VerifyOtp(ctx context.Context, meta RequestMeta, phone, code, deviceID, deviceName string) (*Outcome, error) {
	if err := validation.Struct(otpVerifyInput{PhoneNumber: phone, OTP: code, DeviceID: deviceID, DeviceName: deviceName}); err != nil {
		return nil, err
	}
	if err := s.verifyCode(ctx, meta, phone, code, deviceID); err != nil {
		return nil, err
	}

	account, err := s.accounts.GetByID(ctx, phone)
	if errors.Is(err, repo.ErrNotFound) {
		token, err := s.codec.IssueRegistration(phone)
		if err != nil {
			return nil, apperr.Internal("issue registration token", err)
		}
		return &Outcome{Status: StatusRegistrationRequired, RegistrationToken: token, ExpiresIn: int(RegistrationTokenTTL.Seconds())}, nil
	}
	if err != nil {
		return nil, apperr.Store("load account", err)
	}
	return s.AuthenticateDevice(ctx, meta, account, deviceID, deviceName)
}

// Login verifies the code for an existing account. Unknown phone numbers are
// NotFound and leave the challenge untouched.
func (s *Service) Login(ctx context.Context, meta RequestMeta, phone, code, deviceID, deviceName string) (*Outcome, error) {
	if err := validation.Struct(otpVerifyInput{PhoneNumber: phone, OTP: code, DeviceID: deviceID, DeviceName: deviceName}); err != nil {
		return nil, err
	}

	account, err := s.accounts.GetByID(ctx, phone)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, apperr.NotFound("no account for this phone number, register first")
	}
	if err != nil {
		return nil, apperr.Store("load account", err)
	}

	if err := s.verifyCode(ctx, meta, phone, code, deviceID); err != nil {
		return nil, err
	}
	return s.AuthenticateDevice(ctx, meta, account, deviceID, deviceName)
}

// verifyCode runs the challenge check and audits the result.
func (s *Service) verifyCode(ctx context.Context, meta RequestMeta, phone, code, deviceID string) error {
	err := s.otp.VerifyChallenge(ctx, phone, code)
	switch {
	case err == nil:
		s.record(ctx, meta, phone, deviceID, audit.OtpVerified, nil)
		return nil
	case errors.Is(err, ErrOtpExpired):
		s.record(ctx, meta, phone, deviceID, audit.OtpFailedExpired, nil)
		return apperr.Unauthorized("verification code expired, request a new one", err)
	case errors.Is(err, ErrOtpTooManyAttempts):
		s.record(ctx, meta, phone, deviceID, audit.OtpFailedTooManyAttempts, nil)
		return apperr.Unauthorized("too many incorrect attempts, request a new code", err)
	case errors.Is(err, ErrOtpIncorrect):
		s.record(ctx, meta, phone, deviceID, audit.OtpFailedIncorrect, nil)
		return apperr.Unauthorized("incorrect verification code", err)
	default:
		return apperr.Store("verify otp", err)
	}
}

// Register creates the account named by a registration token and authenticates
// the device. An account that already exists is not modified.
func (s *Service) Register(ctx context.Context, meta RequestMeta, req Request) (*Outcome, error) {
	in := registerInput{
		RegistrationToken: req.RegistrationToken,
		Username:          req.Username,
		Avatar:            req.Avatar,
		DeviceID:          req.DeviceID,
		DeviceName:        req.DeviceName,
	}
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	phone, err := s.codec.VerifyRegistration(in.RegistrationToken)
	if err != nil {
		s.record(ctx, meta, "", in.DeviceID, audit.RegistrationTokenRejected, map[string]any{"reason": TokenFailureReason(err)})
		return nil, apperr.Unauthorized("invalid or expired registration token", err)
	}

	account := model.Account{ID: phone, Username: in.Username}
	if in.Avatar != nil && *in.Avatar != "" {
		account.Avatar = in.Avatar
	}
	stored, created, err := s.accounts.Create(ctx, account)
	if err != nil {
		return nil, apperr.Store("create account", err)
	}
	if created {
		s.record(ctx, meta, phone, in.DeviceID, audit.RegistrationSuccess, nil)
		s.logger.Info("account registered", logging.Phone(phone))
	}
	return s.AuthenticateDevice(ctx, meta, stored, in.DeviceID, in.DeviceName)
}

// AuthenticateDevice binds deviceID to account and issues a session token plus a
// refresh token. Refresh tokens previously bound to the device are revoked.
func (s *Service) AuthenticateDevice(ctx context.Context, meta RequestMeta, account model.Account, deviceID, deviceName string) (*Outcome, error) {
	device := model.Device{DeviceID: deviceID, AccountID: account.ID, DeviceName: deviceName}
	if meta.IP != "" {
		ip := meta.IP
		device.LastIP = &ip
	}
	if _, err := s.devices.Upsert(ctx, device); err != nil {
		return nil, apperr.Store("upsert device", err)
	}
	if err := s.refresh.RevokeDevice(ctx, deviceID); err != nil {
		return nil, apperr.Store("revoke superseded tokens", err)
	}
	if err := s.accounts.SetOnline(ctx, account.ID, true); err != nil {
		return nil, apperr.Store("set online", err)
	}
	account.Online = true

	access, err := s.codec.IssueSession(account.ID, deviceID)
	if err != nil {
		return nil, apperr.Internal("issue session token", err)
	}
	refresh, hash, err := GenerateRefreshToken()
	if err != nil {
		return nil, apperr.Internal("generate refresh token", err)
	}
	if err := s.refresh.Create(ctx, model.RefreshToken{
		AccountID: account.ID,
		DeviceID:  deviceID,
		TokenHash: hash,
		ExpiresAt: s.now().Add(RefreshTokenTTL),
	}); err != nil {
		return nil, apperr.Store("store refresh token", err)
	}

	s.record(ctx, meta, account.ID, deviceID, audit.LoginSuccess, map[string]any{"device_name": deviceName})
	s.logger.Info("device authenticated", logging.Phone(account.ID), zap.String("device_id", deviceID))

	return &Outcome{
		Status:       StatusSuccess,
		Account:      NewAccountView(account),
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(SessionTokenTTL.Seconds()),
	}, nil
}

// RefreshAccessToken exchanges a refresh token bound to deviceID for a new
// session token. The refresh token is not rotated.
func (s *Service) RefreshAccessToken(ctx context.Context, meta RequestMeta, refreshToken, deviceID string) (*Outcome, error) {
	if err := validation.Struct(refreshInput{RefreshToken: refreshToken, DeviceID: deviceID}); err != nil {
		return nil, err
	}

	stored, err := s.refresh.FindActive(ctx, HashRefreshToken(refreshToken), deviceID)
	if errors.Is(err, repo.ErrNotFound) {
		s.record(ctx, meta, "", deviceID, audit.RefreshTokenFailed, nil)
		return nil, apperr.Unauthorized("invalid refresh token", err)
	}
	if err != nil {
		return nil, apperr.Store("find refresh token", err)
	}

	access, err := s.codec.IssueSession(stored.AccountID, stored.DeviceID)
	if err != nil {
		return nil, apperr.Internal("issue session token", err)
	}
	s.record(ctx, meta, stored.AccountID, stored.DeviceID, audit.TokenRefreshed, nil)
	return &Outcome{Status: StatusSuccess, AccessToken: access, ExpiresIn: int(SessionTokenTTL.Seconds())}, nil
}

// Logout removes the caller's device and revokes its refresh tokens. Repeating
// it is not an error.
func (s *Service) Logout(ctx context.Context, meta RequestMeta, accountID, deviceID string) error {
	if err := s.removeDevice(ctx, accountID, deviceID); err != nil {
		return err
	}
	s.record(ctx, meta, accountID, deviceID, audit.Logout, nil)
	return nil
}

// RevokeDevice removes another device of the caller's account. The acting
// device must itself still be registered to the account.
func (s *Service) RevokeDevice(ctx context.Context, meta RequestMeta, accountID, actingDeviceID, targetDeviceID string) error {
	if targetDeviceID == "" {
		return apperr.Validation("invalid request", map[string]string{"target_device_id": "is required"})
	}
	if targetDeviceID == actingDeviceID {
		return apperr.Validation("use logout to remove the current device", map[string]string{"target_device_id": "must differ from the current device"})
	}

	// A session token outlives its device; only a device still linked to the
	// account may revoke others.
	acting, err := s.devices.Get(ctx, actingDeviceID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && acting.AccountID != accountID) {
		return apperr.Unauthorized("acting device is no longer signed in", nil)
	}
	if err != nil {
		return apperr.Store("load acting device", err)
	}
	if err := s.removeDevice(ctx, accountID, targetDeviceID); err != nil {
		return err
	}
	s.record(ctx, meta, accountID, actingDeviceID, audit.DeviceRevoked, map[string]any{
		"revoked_device_id": targetDeviceID,
		"acting_device_id":  actingDeviceID,
	})
	return nil
}

func (s *Service) removeDevice(ctx context.Context, accountID, deviceID string) error {
	if err := s.refresh.RevokeAccountDevice(ctx, accountID, deviceID); err != nil {
		return apperr.Store("revoke refresh tokens", err)
	}
	if _, err := s.devices.Delete(ctx, accountID, deviceID); err != nil {
		return apperr.Store("delete device", err)
	}

	remaining, err := s.devices.ListByAccount(ctx, accountID)
	if err != nil {
		return apperr.Store("list devices", err)
	}
	if len(remaining) == 0 {
		if err := s.accounts.SetOnline(ctx, accountID, false); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return apperr.Store("set offline", err)
		}
	}
	return nil
}

// RecordTokenRejection audits a session token the gate refused.
func (s *Service) RecordTokenRejection(ctx context.Context, meta RequestMeta, reason string) {
	s.record(ctx, meta, "", "", audit.SessionTokenRejected, map[string]any{"reason": reason})
}

func (s *Service) record(ctx context.Context, meta RequestMeta, accountID, deviceID, event string, metadata map[string]any) {
	e := model.AuditEvent{Event: event, IPAddress: meta.IP, Metadata: metadata, CreatedAt: s.now().UTC()}
	if accountID != "" {
		e.AccountID = &accountID
	}
	if deviceID != "" {
		e.DeviceID = &deviceID
	}
	if meta.UserAgent != "" {
		ua := meta.UserAgent
		e.UserAgent = &ua
	}
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Error("audit write failed", zap.String("event", event), zap.Error(err))
	}
}

package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/signalix/identity/internal/logging"
	"github.com/signalix/identity/internal/metrics"
	"github.com/signalix/identity/internal/model"
	"github.com/signalix/identity/internal/repo"
	"github.com/signalix/identity/internal/sms"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	otpExpiry          = 5 * time.Minute
	maxActiveOtps      = 3
	maxOtpAttempts     = 3
	otpMin             = 100000
	otpMax             = 999999
	otpDeliveryTimeout = 5 * time.Second
)

var (
	ErrOtpRateLimited     = errors.New("too many active verification codes")
	ErrOtpExpired         = errors.New("verification code expired or not found")
	ErrOtpTooManyAttempts = errors.New("too many incorrect attempts")
	ErrOtpIncorrect       = errors.New("incorrect verification code")
)

// RequestMeta describes the network origin of a request.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Challenge is the caller visible result of issuing an OTP.
type Challenge struct {
	ExpiresAt time.Time
	// DevCode is set only when debug delivery is enabled.
	DevCode string
}

// OtpManager issues and verifies phone verification codes.
type OtpManager struct {
	otps       repo.OtpRepo
	sender     sms.Sender
	logger     *zap.Logger
	bcryptCost int
	debug      bool
	now        func() time.Time
}

// OtpOption configures an OtpManager.
type OtpOption func(*OtpManager)

// WithBcryptCost sets the hashing cost for stored codes.
func WithBcryptCost(cost int) OtpOption {
	return func(m *OtpManager) { m.bcryptCost = cost }
}

// WithDebugCodes surfaces plaintext codes to the caller. Never enable in production.
func WithDebugCodes(enabled bool) OtpOption {
	return func(m *OtpManager) { m.debug = enabled }
}

// WithOtpClock sets the clock used to compute expiry.
func WithOtpClock(now func() time.Time) OtpOption {
	return func(m *OtpManager) { m.now = now }
}

func NewOtpManager(otps repo.OtpRepo, sender sms.Sender, logger *zap.Logger, opts ...OtpOption) *OtpManager {
	m := &OtpManager{
		otps:       otps,
		sender:     sender,
		logger:     logger,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RequestChallenge creates a challenge for phone unless three are already active.
func (m *OtpManager) RequestChallenge(ctx context.Context, phone string, meta RequestMeta) (Challenge, error) {
	code, err := generateOTPCode()
	if err != nil {
		return Challenge{}, fmt.Errorf("generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), m.bcryptCost)
	if err != nil {
		return Challenge{}, fmt.Errorf("hash code: %w", err)
	}

	challenge := model.OtpChallenge{
		PhoneNumber: phone,
		CodeHash:    hash,
		ExpiresAt:   m.now().Add(otpExpiry),
	}
	if meta.IP != "" {
		ip := meta.IP
		challenge.RequestIP = &ip
	}
	if meta.UserAgent != "" {
		ua := meta.UserAgent
		challenge.UserAgent = &ua
	}

	stored, err := m.otps.Create(ctx, challenge, maxActiveOtps)
	if err != nil {
		if errors.Is(err, repo.ErrTooManyActive) {
			return Challenge{}, ErrOtpRateLimited
		}
		return Challenge{}, fmt.Errorf("create challenge: %w", err)
	}

	m.deliver(ctx, phone, code)

	result := Challenge{ExpiresAt: stored.ExpiresAt}
	if m.debug {
		result.DevCode = code
	}
	return result, nil
}

// deliver hands the code to the SMS sender. Failures never fail issuance.
func (m *OtpManager) deliver(ctx context.Context, phone, code string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), otpDeliveryTimeout)
	defer cancel()
	if err := m.sender.Send(ctx, phone, sms.OTPMessage(code)); err != nil {
		metrics.SMSSendFailures.Inc()
		m.logger.Warn("otp delivery failed", logging.Phone(phone), zap.Error(err))
	}
}

// VerifyChallenge checks code against the latest active challenge of phone.
// It returns nil, ErrOtpExpired, ErrOtpTooManyAttempts or ErrOtpIncorrect; any
// other error comes from the store.
func (m *OtpManager) VerifyChallenge(ctx context.Context, phone, code string) error {
	challenge, err := m.otps.LatestActive(ctx, phone)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return m.result(ErrOtpExpired)
		}
		return fmt.Errorf("load challenge: %w", err)
	}

	if challenge.Attempts >= maxOtpAttempts {
		if err := m.otps.ForceExpire(ctx, challenge.ID); err != nil {
			return fmt.Errorf("expire challenge: %w", err)
		}
		return m.result(ErrOtpTooManyAttempts)
	}

	// No lock is held while bcrypt runs; the follow-up writes are conditional.
	if bcrypt.CompareHashAndPassword(challenge.CodeHash, []byte(code)) != nil {
		attempts, err := m.otps.RecordFailedAttempt(ctx, challenge.ID, maxOtpAttempts)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				// A concurrent attempt exhausted or closed the challenge first.
				return m.result(ErrOtpTooManyAttempts)
			}
			return fmt.Errorf("record attempt: %w", err)
		}
		m.logger.Debug("otp mismatch", logging.Phone(phone), zap.Int("attempts", attempts))
		return m.result(ErrOtpIncorrect)
	}

	if err := m.otps.MarkVerified(ctx, challenge.ID, maxOtpAttempts); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return m.result(ErrOtpExpired)
		}
		return fmt.Errorf("mark verified: %w", err)
	}
	return m.result(nil)
}

func (m *OtpManager) result(err error) error {
	label := "verified"
	switch {
	case errors.Is(err, ErrOtpExpired):
		label = "expired"
	case errors.Is(err, ErrOtpTooManyAttempts):
		label = "too_many_attempts"
	case errors.Is(err, ErrOtpIncorrect):
		label = "incorrect"
	}
	metrics.OTPVerifications.WithLabelValues(label).Inc()
	return err
}

// generateOTPCode draws uniformly from [100000, 999999].
func generateOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(otpMax-otpMin+1))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+otpMin, 10), nil
}

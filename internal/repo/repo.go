package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/signalix/identity/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist or no longer matches the
	// conditions of a conditional update.
	ErrNotFound = errors.New("not found")
	// ErrTooManyActive is returned when a phone already has the maximum number of
	// unexpired, unverified OTP challenges.
	ErrTooManyActive = errors.New("too many active challenges")
	// ErrDuplicateKeyID is returned when a pre-key upload repeats a key id.
	ErrDuplicateKeyID = errors.New("duplicate pre-key id")
)

// AccountRepo defines the interface for account repository operations
type AccountRepo interface {
	GetByID(ctx context.Context, id string) (model.Account, error)
	// Create inserts the account. When the id already exists the stored account is
	// returned with created=false and nothing is overwritten.
	Create(ctx context.Context, account model.Account) (stored model.Account, created bool, err error)
	SetOnline(ctx context.Context, id string, online bool) error
	UpdateProfile(ctx context.Context, id string, username, avatar *string) (model.Account, error)
}

// OtpRepo defines the interface for OTP challenge repository operations
type OtpRepo interface {
	// Create inserts a challenge unless maxActive unexpired, unverified challenges
	// already exist for the phone (ErrTooManyActive). Count and insert are atomic.
	Create(ctx context.Context, challenge model.OtpChallenge, maxActive int) (model.OtpChallenge, error)
	// LatestActive returns the most recently created unexpired, unverified challenge.
	LatestActive(ctx context.Context, phone string) (model.OtpChallenge, error)
	ForceExpire(ctx context.Context, id uuid.UUID) error
	// RecordFailedAttempt atomically increments attempts while attempts < maxAttempts.
	// Reaching maxAttempts expires the challenge. ErrNotFound when the challenge is no
	// longer eligible (already exhausted, verified or expired).
	RecordFailedAttempt(ctx context.Context, id uuid.UUID, maxAttempts int) (int, error)
	// MarkVerified sets verified_at once. ErrNotFound when the challenge was already
	// verified, exhausted or expired.
	MarkVerified(ctx context.Context, id uuid.UUID, maxAttempts int) error
}

// DeviceRepo defines the interface for device repository operations
type DeviceRepo interface {
	// Upsert creates or rebinds the device by device_id. Rebinding to another account
	// clears the key bundle and pre-keys.
	Upsert(ctx context.Context, device model.Device) (model.Device, error)
	Get(ctx context.Context, deviceID string) (model.Device, error)
	ListByAccount(ctx context.Context, accountID string) ([]model.Device, error)
	// Delete removes the device if it belongs to the account; deleted=false otherwise.
	Delete(ctx context.Context, accountID, deviceID string) (deleted bool, err error)
}

// KeyRepo defines the interface for key bundle and pre-key operations
type KeyRepo interface {
	// ReplaceBundle updates the bundle of a device owned by accountID and replaces its
	// whole pre-key pool in one transaction. ErrNotFound if the device is not owned.
	ReplaceBundle(ctx context.Context, accountID, deviceID string, bundle model.KeyBundle, preKeys []model.PreKey) error
	// ClaimPreKey marks one unconsumed pre-key as consumed and returns it; nil when
	// the pool is empty. Exactly one concurrent caller receives a given key.
	ClaimPreKey(ctx context.Context, deviceID string) (*model.PreKey, error)
	CountAvailable(ctx context.Context, deviceID string) (int, error)
}

// RefreshRepo defines the interface for refresh token repository operations
type RefreshRepo interface {
	Create(ctx context.Context, token model.RefreshToken) error
	// FindActive returns the unrevoked, unexpired token matching both hash and device.
	FindActive(ctx context.Context, tokenHash, deviceID string) (model.RefreshToken, error)
	// RevokeDevice revokes every token bound to the device regardless of account.
	RevokeDevice(ctx context.Context, deviceID string) error
	RevokeAccountDevice(ctx context.Context, accountID, deviceID string) error
}

// AuditRepo appends audit events.
type AuditRepo interface {
	Insert(ctx context.Context, event model.AuditEvent) error
}

// Repos bundles the credential store.
type Repos struct {
	Accounts AccountRepo
	Otps     OtpRepo
	Devices  DeviceRepo
	Keys     KeyRepo
	Refresh  RefreshRepo
	Audit    AuditRepo
}

// NewPostgres wires every repository to the same connection pool. Each call is
// bounded by timeout.
func NewPostgres(db *sql.DB, timeout time.Duration) Repos {
	b := base{db: db, timeout: timeout}
	return Repos{
		Accounts: &accountRepo{b},
		Otps:     &otpRepo{b},
		Devices:  &deviceRepo{b},
		Keys:     &keyRepo{b},
		Refresh:  &refreshRepo{b},
		Audit:    &auditRepo{b},
	}
}

type base struct {
	db      *sql.DB
	timeout time.Duration
}

func (b base) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

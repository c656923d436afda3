package model

import (
	"time"

	"github.com/google/uuid"
)

// Account is a user identity keyed by phone number.
type Account struct {
	ID        string
	Username  string
	Avatar    *string
	Online    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OtpChallenge is one phone verification attempt window.
type OtpChallenge struct {
	ID          uuid.UUID
	PhoneNumber string
	CodeHash    []byte
	Attempts    int
	ExpiresAt   time.Time
	VerifiedAt  *time.Time
	CreatedAt   time.Time
	RequestIP   *string
	UserAgent   *string
}

// KeyBundle is the signed part of a device's X3DH bundle. Key material is the
// client's base64 encoding, stored verbatim.
type KeyBundle struct {
	IdentityKey           string
	SignedPreKey          string
	SignedPreKeySignature string
	SignedPreKeyID        int64
}

// Device represents a client installation belonging to an account
type Device struct {
	DeviceID     string
	AccountID    string
	DeviceName   string
	LastIP       *string
	LastActiveAt time.Time
	Bundle       *KeyBundle
	CreatedAt    time.Time
}

// HasBundle reports whether the device has published its key bundle.
func (d Device) HasBundle() bool {
	return d.Bundle != nil && d.Bundle.IdentityKey != ""
}

// PreKey is a one-time pre-key owned by a device.
type PreKey struct {
	KeyID      int64
	PublicKey  string
	ConsumedAt *time.Time
}

// RefreshToken is a long-lived credential bound to an (account, device) pair.
type RefreshToken struct {
	ID        uuid.UUID
	AccountID string
	DeviceID  string
	TokenHash string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// AuditEvent is an append-only record of a security relevant action.
type AuditEvent struct {
	ID        uuid.UUID
	AccountID *string
	DeviceID  *string
	Event     string
	IPAddress string
	UserAgent *string
	Metadata  map[string]any
	CreatedAt time.Time
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/signalix/identity/internal/model"
)

type refreshRepo struct {
	base
}

// Create inserts a new refresh token
func (r *refreshRepo) Create(ctx context.Context, t model.RefreshToken) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, account_id, device_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, t.ID, t.AccountID, t.DeviceID, t.TokenHash, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// FindActive returns the token if it exists, is bound to deviceID, is not revoked, and not expired
func (r *refreshRepo) FindActive(ctx context.Context, tokenHash, deviceID string) (model.RefreshToken, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	var t model.RefreshToken
	err := r.db.QueryRowContext(ctx, `
		SELECT id, account_id, device_id, token_hash, expires_at, revoked, created_at
		FROM refresh_tokens
		WHERE token_hash = $1 AND device_id = $2 AND NOT revoked AND expires_at > now()
	`, tokenHash, deviceID).Scan(
		&t.ID,
		&t.AccountID,
		&t.DeviceID,
		&t.TokenHash,
		&t.ExpiresAt,
		&t.Revoked,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RefreshToken{}, fmt.Errorf("refresh token %w", ErrNotFound)
		}
		return model.RefreshToken{}, fmt.Errorf("find refresh token: %w", err)
	}
	return t, nil
}

// RevokeDevice revokes all active tokens bound to the device (superseding login)
func (r *refreshRepo) RevokeDevice(ctx context.Context, deviceID string) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE WHERE device_id = $1 AND NOT revoked
	`, deviceID); err != nil {
		return fmt.Errorf("revoke device tokens: %w", err)
	}
	return nil
}

// RevokeAccountDevice revokes the tokens of one (account, device) pair
func (r *refreshRepo) RevokeAccountDevice(ctx context.Context, accountID, deviceID string) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE WHERE account_id = $1 AND device_id = $2 AND NOT revoked
	`, accountID, deviceID); err != nil {
		return fmt.Errorf("revoke tokens: %w", err)
	}
	return nil
}

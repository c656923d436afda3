package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/signalix/identity/internal/model"
)

type otpRepo struct {
	base
}

// Create inserts a challenge under a per-phone advisory lock so that the active count
// and the insert cannot interleave with a concurrent request for the same phone.
func (r *otpRepo) Create(ctx context.Context, c model.OtpChallenge, maxActive int) (model.OtpChallenge, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.OtpChallenge{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Blocks until we hold the lock; released on COMMIT/ROLLBACK.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(1, hashtext($1))`, c.PhoneNumber); err != nil {
		return model.OtpChallenge{}, fmt.Errorf("advisory lock: %w", err)
	}

	var active int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM otp_challenges
		WHERE phone_number = $1 AND verified_at IS NULL AND expires_at > now()
	`, c.PhoneNumber).Scan(&active)
	if err != nil {
		return model.OtpChallenge{}, fmt.Errorf("count active challenges: %w", err)
	}
	if active >= maxActive {
		return model.OtpChallenge{}, ErrTooManyActive
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO otp_challenges (id, phone_number, code_hash, expires_at, request_ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING attempts, created_at
	`, c.ID, c.PhoneNumber, string(c.CodeHash), c.ExpiresAt, nullString(c.RequestIP), nullString(c.UserAgent)).
		Scan(&c.Attempts, &c.CreatedAt)
	if err != nil {
		return model.OtpChallenge{}, fmt.Errorf("insert challenge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.OtpChallenge{}, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

// LatestActive returns the latest unexpired, unverified challenge for the phone.
func (r *otpRepo) LatestActive(ctx context.Context, phone string) (model.OtpChallenge, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	var c model.OtpChallenge
	var codeHash string
	var requestIP, userAgent sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, phone_number, code_hash, attempts, expires_at, verified_at, created_at, request_ip, user_agent
		FROM otp_challenges
		WHERE phone_number = $1
		  AND verified_at IS NULL
		  AND expires_at > now()
		ORDER BY created_at DESC
		LIMIT 1
	`, phone).Scan(
		&c.ID,
		&c.PhoneNumber,
		&codeHash,
		&c.Attempts,
		&c.ExpiresAt,
		&c.VerifiedAt,
		&c.CreatedAt,
		&requestIP,
		&userAgent,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.OtpChallenge{}, fmt.Errorf("active challenge %w", ErrNotFound)
		}
		return model.OtpChallenge{}, fmt.Errorf("query challenge: %w", err)
	}
	c.CodeHash = []byte(codeHash)
	c.RequestIP = stringPtr(requestIP)
	c.UserAgent = stringPtr(userAgent)
	return c, nil
}

// ForceExpire sets expires_at = now() so the challenge can no longer be used.
func (r *otpRepo) ForceExpire(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		UPDATE otp_challenges SET expires_at = LEAST(expires_at, now()) WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("force expire: %w", err)
	}
	return nil
}

// RecordFailedAttempt increments attempts in a single conditional UPDATE; the row lock
// taken by the UPDATE serializes concurrent verifiers of the same challenge.
func (r *otpRepo) RecordFailedAttempt(ctx context.Context, id uuid.UUID, maxAttempts int) (int, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	var attempts int
	err := r.db.QueryRowContext(ctx, `
		UPDATE otp_challenges
		SET attempts = attempts + 1,
		    expires_at = CASE WHEN attempts + 1 >= $2 THEN LEAST(expires_at, now()) ELSE expires_at END
		WHERE id = $1
		  AND attempts < $2
		  AND verified_at IS NULL
		  AND expires_at > now()
		RETURNING attempts
	`, id, maxAttempts).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("eligible challenge %w", ErrNotFound)
		}
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

// MarkVerified performs the one-time verified_at transition.
func (r *otpRepo) MarkVerified(ctx context.Context, id uuid.UUID, maxAttempts int) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `
		UPDATE otp_challenges
		SET verified_at = now()
		WHERE id = $1
		  AND verified_at IS NULL
		  AND attempts < $2
		  AND expires_at > now()
	`, id, maxAttempts)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("eligible challenge %w", ErrNotFound)
	}
	return nil
}

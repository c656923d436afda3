package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/signalix/identity/internal/model"
)

type keyRepo struct {
	base
}

// ReplaceBundle stores the signed bundle and swaps the one-time pre-key pool wholesale.
func (r *keyRepo) ReplaceBundle(ctx context.Context, accountID, deviceID string, bundle model.KeyBundle, preKeys []model.PreKey) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE devices
		SET identity_key = $3,
		    signed_pre_key = $4,
		    signed_pre_key_signature = $5,
		    signed_pre_key_id = $6,
		    keys_updated_at = now()
		WHERE device_id = $1 AND account_id = $2
	`, deviceID, accountID, bundle.IdentityKey, bundle.SignedPreKey, bundle.SignedPreKeySignature, bundle.SignedPreKeyID)
	if err != nil {
		return fmt.Errorf("update bundle: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("owned device %w", ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pre_keys WHERE device_id = $1`, deviceID); err != nil {
		return fmt.Errorf("delete pre-keys: %w", err)
	}

	if len(preKeys) > 0 {
		keyIDs := make([]int64, len(preKeys))
		publicKeys := make([]string, len(preKeys))
		for i, k := range preKeys {
			keyIDs[i] = k.KeyID
			publicKeys[i] = k.PublicKey
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pre_keys (device_id, key_id, public_key)
			SELECT $1, k.key_id, k.public_key
			FROM unnest($2::bigint[], $3::text[]) AS k(key_id, public_key)
		`, deviceID, pq.Array(keyIDs), pq.Array(publicKeys))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateKeyID
			}
			return fmt.Errorf("insert pre-keys: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ClaimPreKey consumes the lowest available key id. SKIP LOCKED lets concurrent
// claimants move on to the next key instead of both waiting on the same row.
func (r *keyRepo) ClaimPreKey(ctx context.Context, deviceID string) (*model.PreKey, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	var k model.PreKey
	err := r.db.QueryRowContext(ctx, `
		UPDATE pre_keys
		SET consumed_at = now()
		WHERE id = (
			SELECT id FROM pre_keys
			WHERE device_id = $1 AND consumed_at IS NULL
			ORDER BY key_id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		AND consumed_at IS NULL
		RETURNING key_id, public_key, consumed_at
	`, deviceID).Scan(&k.KeyID, &k.PublicKey, &k.ConsumedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim pre-key: %w", err)
	}
	return &k, nil
}

// CountAvailable returns the number of unconsumed pre-keys of the device.
func (r *keyRepo) CountAvailable(ctx context.Context, deviceID string) (int, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	var n int
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pre_keys WHERE device_id = $1 AND consumed_at IS NULL
	`, deviceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pre-keys: %w", err)
	}
	return n, nil
}

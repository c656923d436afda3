package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/signalix/identity/internal/model"
)

type deviceRepo struct {
	base
}

const deviceColumns = `device_id, account_id, device_name, last_ip, last_active_at,
	identity_key, signed_pre_key, signed_pre_key_signature, signed_pre_key_id, created_at`

func scanDevice(row interface{ Scan(...any) error }) (model.Device, error) {
	var d model.Device
	var lastIP, identityKey, signedPreKey, signature sql.NullString
	var signedPreKeyID sql.NullInt64
	err := row.Scan(
		&d.DeviceID,
		&d.AccountID,
		&d.DeviceName,
		&lastIP,
		&d.LastActiveAt,
		&identityKey,
		&signedPreKey,
		&signature,
		&signedPreKeyID,
		&d.CreatedAt,
	)
	if err != nil {
		return model.Device{}, err
	}
	d.LastIP = stringPtr(lastIP)
	if identityKey.Valid {
		d.Bundle = &model.KeyBundle{
			IdentityKey:           identityKey.String,
			SignedPreKey:          signedPreKey.String,
			SignedPreKeySignature: signature.String,
			SignedPreKeyID:        signedPreKeyID.Int64,
		}
	}
	return d, nil
}

// Upsert creates the device or rebinds it. When the owning account changes the bundle
// columns are cleared and the old pre-key pool is dropped in the same transaction.
func (r *deviceRepo) Upsert(ctx context.Context, device model.Device) (model.Device, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Device{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var previousAccount sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT account_id FROM devices WHERE device_id = $1 FOR UPDATE`, device.DeviceID).
		Scan(&previousAccount)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, fmt.Errorf("lock device: %w", err)
	}
	if previousAccount.Valid && previousAccount.String != device.AccountID {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pre_keys WHERE device_id = $1`, device.DeviceID); err != nil {
			return model.Device{}, fmt.Errorf("drop pre-keys of relinked device: %w", err)
		}
	}

	d, err := scanDevice(tx.QueryRowContext(ctx, `
		INSERT INTO devices (device_id, account_id, device_name, last_ip, last_active_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (device_id) DO UPDATE SET
			device_name = EXCLUDED.device_name,
			last_ip = EXCLUDED.last_ip,
			last_active_at = EXCLUDED.last_active_at,
			identity_key = CASE WHEN devices.account_id = EXCLUDED.account_id THEN devices.identity_key END,
			signed_pre_key = CASE WHEN devices.account_id = EXCLUDED.account_id THEN devices.signed_pre_key END,
			signed_pre_key_signature = CASE WHEN devices.account_id = EXCLUDED.account_id THEN devices.signed_pre_key_signature END,
			signed_pre_key_id = CASE WHEN devices.account_id = EXCLUDED.account_id THEN devices.signed_pre_key_id END,
			account_id = EXCLUDED.account_id
		RETURNING `+deviceColumns,
		device.DeviceID, device.AccountID, device.DeviceName, nullString(device.LastIP),
	))
	if err != nil {
		return model.Device{}, fmt.Errorf("upsert device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Device{}, fmt.Errorf("commit: %w", err)
	}
	return d, nil
}

// Get retrieves a device by its client generated id
func (r *deviceRepo) Get(ctx context.Context, deviceID string) (model.Device, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	d, err := scanDevice(r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = $1`, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Device{}, fmt.Errorf("device %w", ErrNotFound)
		}
		return model.Device{}, fmt.Errorf("query device: %w", err)
	}
	return d, nil
}

// ListByAccount returns all devices of the account, oldest first.
func (r *deviceRepo) ListByAccount(ctx context.Context, accountID string) ([]model.Device, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deviceColumns+` FROM devices WHERE account_id = $1 ORDER BY created_at, device_id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

// Delete removes the device row (pre-keys cascade).
func (r *deviceRepo) Delete(ctx context.Context, accountID, deviceID string) (bool, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM devices WHERE device_id = $1 AND account_id = $2
	`, deviceID, accountID)
	if err != nil {
		return false, fmt.Errorf("delete device: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

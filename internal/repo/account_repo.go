package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/signalix/identity/internal/model"
)

type accountRepo struct {
	base
}

const accountColumns = `id, username, avatar, online, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (model.Account, error) {
	var a model.Account
	var avatar sql.NullString
	if err := row.Scan(&a.ID, &a.Username, &avatar, &a.Online, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return model.Account{}, err
	}
	a.Avatar = stringPtr(avatar)
	return a, nil
}

// GetByID retrieves an account by its phone number id
func (r *accountRepo) GetByID(ctx context.Context, id string) (model.Account, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	a, err := scanAccount(r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, fmt.Errorf("account %w", ErrNotFound)
		}
		return model.Account{}, fmt.Errorf("query account: %w", err)
	}
	return a, nil
}

// Create inserts the account using ON CONFLICT DO NOTHING, then returns the stored row.
func (r *accountRepo) Create(ctx context.Context, account model.Account) (model.Account, bool, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	a, err := scanAccount(r.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, username, avatar, online)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+accountColumns,
		account.ID, account.Username, nullString(account.Avatar), account.Online,
	))
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, false, fmt.Errorf("insert account: %w", err)
	}

	a, err = scanAccount(r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, account.ID))
	if err != nil {
		return model.Account{}, false, fmt.Errorf("query existing account: %w", err)
	}
	return a, false, nil
}

// SetOnline toggles the online flag
func (r *accountRepo) SetOnline(ctx context.Context, id string, online bool) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET online = $2, updated_at = now() WHERE id = $1
	`, id, online)
	if err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("account %w", ErrNotFound)
	}
	return nil
}

// UpdateProfile changes the fields that are non-nil.
func (r *accountRepo) UpdateProfile(ctx context.Context, id string, username, avatar *string) (model.Account, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	var usernameArg, avatarArg sql.NullString
	if username != nil {
		usernameArg = sql.NullString{String: *username, Valid: true}
	}
	if avatar != nil {
		avatarArg = sql.NullString{String: *avatar, Valid: true}
	}

	a, err := scanAccount(r.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET username = COALESCE($2, username),
		    avatar = CASE WHEN $3::text IS NULL THEN avatar ELSE NULLIF($3::text, '') END,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+accountColumns,
		id, usernameArg, avatarArg,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, fmt.Errorf("account %w", ErrNotFound)
		}
		return model.Account{}, fmt.Errorf("update profile: %w", err)
	}
	return a, nil
}

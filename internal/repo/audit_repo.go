package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/signalix/identity/internal/model"
)

type auditRepo struct {
	base
}

// Insert appends an audit event.
func (r *auditRepo) Insert(ctx context.Context, e model.AuditEvent) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	// lib/pq encodes []byte as bytea, so jsonb goes over the wire as text.
	var metadata sql.NullString
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, account_id, device_id, event, ip_address, user_agent, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()))
	`, e.ID, nullString(e.AccountID), nullString(e.DeviceID), e.Event, e.IPAddress, nullString(e.UserAgent), metadata,
		sql.NullTime{Time: e.CreatedAt, Valid: !e.CreatedAt.IsZero()})
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Package tests holds integration tests that need a real PostgreSQL. They skip
// when DATABASE_URL is unset.
package tests

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/signalix/identity/internal/db"
	"github.com/signalix/identity/internal/repo"
	"go.uber.org/zap"
)

// OpenTestDB connects to DATABASE_URL, migrates it and truncates every identity
// table. The test is skipped when DATABASE_URL is unset.
func OpenTestDB(t *testing.T) (*sql.DB, repo.Repos) {
	t.Helper()
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx := context.Background()
	logger := zap.NewNop()
	database, err := db.Open(ctx, databaseURL, logger)
	if err != nil {
		t.Fatalf("database open must succeed; check DATABASE_URL and that test DB exists: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := db.Migrate(database, logger); err != nil {
		t.Fatalf("migrations must run successfully: %v", err)
	}
	if err := TruncateIdentityTables(ctx, database); err != nil {
		t.Fatal(err)
	}
	return database, repo.NewPostgres(database, 5*time.Second)
}

// TruncateIdentityTables truncates identity tables for a clean test state.
func TruncateIdentityTables(ctx context.Context, database *sql.DB) error {
	_, err := database.ExecContext(ctx,
		"TRUNCATE TABLE audit_events, refresh_tokens, pre_keys, devices, otp_challenges, accounts RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("truncate identity tables: %w", err)
	}
	return nil
}

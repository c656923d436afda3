package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-token-secret-at-least-32-characters"

func TestLoad_defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://app:pw@db.internal:6432/messenger?sslmode=disable")
	t.Setenv("TOKEN_SECRET", testSecret)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoreDriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 3*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 10, cfg.OTPBcryptCost)
	assert.False(t, cfg.OTPDebug)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, "identity.audit", cfg.KafkaAuditTopic)
	assert.Equal(t, "host=db.internal port=6432 db=messenger user=app", cfg.DatabaseTarget())
}

func TestLoad_memoryStoreNeedsNoDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_DRIVER", StoreDriverMemory)
	t.Setenv("TOKEN_SECRET", testSecret)
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestLoad_rejectsInvalid(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://localhost/messenger")
		t.Setenv("TOKEN_SECRET", "")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("short secret", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://localhost/messenger")
		t.Setenv("TOKEN_SECRET", "short")
		_, err := Load()
		assert.ErrorContains(t, err, "TOKEN_SECRET")
	})
	t.Run("postgres without url", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		t.Setenv("TOKEN_SECRET", testSecret)
		_, err := Load()
		assert.ErrorContains(t, err, "DATABASE_URL")
	})
	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("STORE_DRIVER", "mysql")
		t.Setenv("TOKEN_SECRET", testSecret)
		_, err := Load()
		assert.ErrorContains(t, err, "STORE_DRIVER")
	})
}

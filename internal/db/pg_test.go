package db

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRedactDSN(t *testing.T) {
	got := RedactDSN("postgres://identity:s3cret@db:5432/identity?sslmode=disable")
	assert.NotContains(t, got, "s3cret")
	assert.Contains(t, got, "@db:5432/identity")

	assert.Equal(t, "postgres://db/identity", RedactDSN("postgres://db/identity"))
}

func TestExtractDBName(t *testing.T) {
	u, err := url.Parse("postgres://u:p@localhost/identity?sslmode=disable")
	assert.NoError(t, err)
	assert.Equal(t, "identity", extractDBName(u))
	assert.Equal(t, "", extractDBName(nil))
}

func TestIsDatabaseDoesNotExist(t *testing.T) {
	assert.True(t, isDatabaseDoesNotExist(errors.New(`pq: database "x" does not exist`)))
	assert.True(t, isDatabaseDoesNotExist(errors.New(`pq: Datenbank »x« existiert nicht`)))
	assert.False(t, isDatabaseDoesNotExist(errors.New("connection refused")))
	assert.False(t, isDatabaseDoesNotExist(nil))
}

func TestOpenRejectsEmptyURL(t *testing.T) {
	_, err := Open(context.Background(), "  ", zap.NewNop())
	assert.Error(t, err)
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	assert.NoError(t, err)
	assert.NotEmpty(t, entries)
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/config"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
)

func TestPoolConfigAppliesLimits(t *testing.T) {
	pc, err := poolConfig(config.Postgres{
		DSN:             "postgres://u:p@localhost:5432/db?sslmode=disable",
		MaxConns:        7,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		HealthCheck:     30 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(7), pc.MaxConns)
	assert.Equal(t, int32(1), pc.MinConns)
	assert.Equal(t, time.Hour, pc.MaxConnLifetime)
	assert.Equal(t, 30*time.Second, pc.HealthCheckPeriod)
}

func TestPoolConfigRejectsBadDSN(t *testing.T) {
	_, err := poolConfig(config.Postgres{DSN: "postgres://%zz"})
	assert.ErrorContains(t, err, "parse dsn")
}

func TestMigrationsEmbedded(t *testing.T) {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	require.NoError(t, err)
	assert.Contains(t, files, "migrations/001_init.sql")
}

func TestUpdateErrorKeepsQueryFailures(t *testing.T) {
	looked := false
	lookup := func() error { looked = true; return nil }

	err := updateError("t1", context.DeadlineExceeded, lookup)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, domain.ErrConflict)
	assert.False(t, looked, "a failed query says nothing about the version")
}

func TestUpdateErrorNoRows(t *testing.T) {
	err := updateError("t1", pgx.ErrNoRows, func() error { return nil })
	assert.ErrorIs(t, err, domain.ErrConflict)

	missing := fmt.Errorf("get task t1: %w", domain.ErrNotFound)
	err = updateError("t1", pgx.ErrNoRows, func() error { return missing })
	assert.ErrorIs(t, err, domain.ErrNotFound)

	broken := errors.New("connection reset")
	err = updateError("t1", pgx.ErrNoRows, func() error { return broken })
	assert.ErrorIs(t, err, broken)
}

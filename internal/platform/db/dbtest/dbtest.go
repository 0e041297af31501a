// Package dbtest opens the PostgreSQL database named by PG_DSN for
// repository tests and applies the schema migrations.
package dbtest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/kinderops/kinderops/internal/platform/db"
)

// lockSchema serialises migrations when several test packages share one database.
const lockSchema = "SELECT pg_advisory_xact_lock(734101);"

// Open returns a pool for PG_DSN, skipping the test when it is unset.
func Open(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set; skipping PostgreSQL test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.New(ctx, dsn, db.Options{MaxConns: 16})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile(migrationPath())
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "BEGIN; "+lockSchema+"\n"+string(schema)+"\nCOMMIT;")
	require.NoError(t, err)
	return pool
}

func migrationPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "..", "migrations", "0001_init.up.sql")
}

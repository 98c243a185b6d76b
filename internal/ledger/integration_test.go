package ledger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// TestPostgresStore runs the store contract against a real PostgreSQL.
// It is skipped unless DATABASE_URL points at a reachable database.
func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("skipping postgres integration test (DATABASE_URL not set)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Skipf("skipping postgres integration test (database not available): %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skipping postgres integration test (database not available): %v", err)
	}
	defer pool.Close()

	pl := NewPostgresLedger(pool)
	require.NoError(t, pl.Migrate(ctx))

	storeContract(t, func(t *testing.T) Store {
		_, err := pool.Exec(context.Background(), `TRUNCATE transactions, accounts`)
		require.NoError(t, err)
		return &PostgresLedger{Pool: noClosePool{pool}, Timeout: 10 * time.Second}
	})
}

// noClosePool lets subtests share one pool.
type noClosePool struct {
	*pgxpool.Pool
}

func (noClosePool) Close() {}

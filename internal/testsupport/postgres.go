package testsupport

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"

	"agentfleet/internal/adapters/postgres"
)

// PostgresTx opens a connection from the environment and returns a transaction
// that is rolled back when the test ends. Skips when no database is configured.
func PostgresTx(t *testing.T) *sqlx.Tx {
	t.Helper()
	cfg := PostgresConfigFromEnv(t)

	client, err := postgres.NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to create postgres client: %v", err)
	}

	tx, err := client.DB().BeginTxx(context.Background(), nil)
	if err != nil {
		_ = client.Close()
		t.Fatalf("failed to start transaction: %v", err)
	}

	t.Cleanup(func() {
		_ = tx.Rollback()
		_ = client.Close()
	})
	return tx
}

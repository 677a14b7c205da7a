//go:build integration

package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hanax-ai/citadel-orchestrator/internal/adapter/postgres"
)

// SetupTestDB connects to the test database through the same pool setup the
// audit sink uses, skipping the test when TEST_DATABASE_URL is not set. Each
// call uses the same DB — callers must scope isolation by unique task ids.
func SetupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set — skipping integration test")
	}

	pool, err := postgres.Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("connect to test DB: %v", err)
	}

	t.Cleanup(func() { pool.Close() })
	return pool
}

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// setupTestDatabase starts a disposable Postgres container and applies migrations.
// It skips the test in short mode or when Docker is not available.
func setupTestDatabase(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	var (
		container *postgres.PostgresContainer
		err       error
	)
	func() {
		// testcontainers panics when no Docker provider can be found
		defer func() {
			if r := recover(); r != nil {
				t.Skipf("Skipping test - Docker not available: %v", r)
			}
		}()
		container, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("auto_earn_test"),
			postgres.WithUsername("test_user"),
			postgres.WithPassword("test_password"),
			postgres.BasicWaitStrategies(),
			testcontainers.WithLabels(map[string]string{
				"test":      "auto-earn-storage",
				"test-name": t.Name(),
			}),
		)
	}()
	if err != nil {
		t.Skipf("Skipping test - Postgres container not available: %v", err)
	}

	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: failed to terminate test container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("ConnectionString() error = %v", err)
	}

	if err := RunMigrations(connStr); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	db, err := NewPostgresDBFromURL(connStr)
	if err != nil {
		t.Fatalf("NewPostgresDBFromURL() error = %v", err)
	}
	t.Cleanup(db.Close)

	return db
}

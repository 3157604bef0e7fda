package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/bioface/internal/store"
	"github.com/andresmejia3/bioface/internal/store/storetest"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs the shared store suite against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	// The official pgvector image ships the extension
	pgContainer, err := tcpostgres.Run(ctx,
		"pgvector/pgvector:pg16",
		tcpostgres.WithDatabase("bioface_test"),
		tcpostgres.WithUsername("user"),
		tcpostgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		// Every subtest starts from freshly created tables
		s, err := New(ctx, connStr)
		if err != nil {
			t.Fatalf("Failed to connect to store: %v", err)
		}
		if err := s.Reset(ctx); err != nil {
			t.Fatalf("Reset failed: %v", err)
		}
		s.Close()

		s, err = New(ctx, connStr)
		if err != nil {
			t.Fatalf("Failed to reconnect to store: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

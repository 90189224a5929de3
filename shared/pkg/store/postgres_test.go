package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

// TestPostgreSQLIntegration tests PostgreSQL store with a real database
// Set DATABASE_DSN environment variable to run: export DATABASE_DSN="postgresql://..."
func TestPostgreSQLIntegration(t *testing.T) {
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL integration test: DATABASE_DSN not set")
	}

	s, err := NewStore(Config{
		Type: "postgres",
		DSN:  dsn,
	})
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL store: %v", err)
	}
	defer s.Close()

	// Start from a clean slate for the names the shared suite uses
	ctx := context.Background()
	for _, job := range []int{1, 2, 3} {
		s.Delete(ctx, fmt.Sprintf("orchestrator-norm-j-%d-a-0", job))
	}
	defer func() {
		for _, job := range []int{2, 3} {
			s.Delete(ctx, fmt.Sprintf("orchestrator-norm-j-%d-a-0", job))
		}
	}()

	start := time.Now()
	testStatusStore(t, s)
	t.Logf("PostgreSQL suite took %s", time.Since(start))
}

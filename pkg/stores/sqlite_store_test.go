package stores

import (
	"context"
	"testing"
)

// setupTestStore creates an in-memory SQLite risk store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	return store
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigration(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	var count int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM risk_counters").Scan(&count); err != nil {
		t.Fatalf("risk_counters table does not exist or is not accessible: %v", err)
	}
}

func TestIncrementAndGet_FreshKey(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	result, err := store.IncrementAndGet(ctx, "default", "critical", 3600, 1, 1000)
	if err != nil {
		t.Fatalf("increment failed: %v", err)
	}

	if result.Count != 1 {
		t.Errorf("expected count 1, got %d", result.Count)
	}
	if result.WindowStartEpoch != 1000 {
		t.Errorf("expected window start 1000, got %d", result.WindowStartEpoch)
	}
	if result.Reset {
		t.Error("expected no reset on fresh key")
	}
}

func TestIncrementAndGet_AccumulatesWithinWindow(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	if _, err := store.IncrementAndGet(ctx, "default", "critical", 3600, 1, 1000); err != nil {
		t.Fatalf("first increment failed: %v", err)
	}

	result, err := store.IncrementAndGet(ctx, "default", "critical", 3600, 1, 1500)
	if err != nil {
		t.Fatalf("second increment failed: %v", err)
	}

	if result.Count != 2 {
		t.Errorf("expected count 2, got %d", result.Count)
	}
	if result.WindowStartEpoch != 1000 {
		t.Errorf("expected window start to remain 1000, got %d", result.WindowStartEpoch)
	}
	if result.Reset {
		t.Error("expected no reset within window")
	}
}

func TestIncrementAndGet_ResetsAfterWindow(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	if _, err := store.IncrementAndGet(ctx, "default", "critical", 3600, 1, 1000); err != nil {
		t.Fatalf("first increment failed: %v", err)
	}

	result, err := store.IncrementAndGet(ctx, "default", "critical", 3600, 1, 1000+3600)
	if err != nil {
		t.Fatalf("second increment failed: %v", err)
	}

	if !result.Reset {
		t.Error("expected reset once now-windowStart >= windowSec")
	}
	if result.Count != 1 {
		t.Errorf("expected count reset to 1, got %d", result.Count)
	}
	if result.WindowStartEpoch != 1000+3600 {
		t.Errorf("expected window start to move to %d, got %d", 1000+3600, result.WindowStartEpoch)
	}
}

func TestIncrementAndGet_SeparateBucketsIndependent(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	if _, err := store.IncrementAndGet(ctx, "tenant-a", "critical", 3600, 1, 1000); err != nil {
		t.Fatalf("increment tenant-a failed: %v", err)
	}
	if _, err := store.IncrementAndGet(ctx, "tenant-b", "critical", 3600, 1, 1000); err != nil {
		t.Fatalf("increment tenant-b failed: %v", err)
	}

	a, err := store.Get(ctx, "tenant-a", "critical")
	if err != nil {
		t.Fatalf("get tenant-a failed: %v", err)
	}
	b, err := store.Get(ctx, "tenant-b", "critical")
	if err != nil {
		t.Fatalf("get tenant-b failed: %v", err)
	}

	if a.Count != 1 || b.Count != 1 {
		t.Errorf("expected both tenants at count 1, got a=%d b=%d", a.Count, b.Count)
	}
}

func TestGet_UnknownKeyReturnsZero(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	c, err := store.Get(ctx, "unknown", "critical")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if c.Count != 0 {
		t.Errorf("expected count 0 for unknown key, got %d", c.Count)
	}
}

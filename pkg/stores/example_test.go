package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/sentinelmesh/oversight/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new
// SQLite-backed risk store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:",
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_IncrementAndGet demonstrates incrementing a risk
// counter and observing the windowed reset.
func ExampleSQLiteStore_IncrementAndGet() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	defer store.Close()

	result, err := store.IncrementAndGet(ctx, "default", "critical", 3600, 1, 1_700_000_000)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("count=%d reset=%t\n", result.Count, result.Reset)
	// Output: count=1 reset=false
}

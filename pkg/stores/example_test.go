package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/hostplay/pkg/engine"
	"github.com/openfroyo/hostplay/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the database connection
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	// Run migrations
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_ListTaskResults demonstrates reading back a recorded run.
func ExampleSQLiteStore_ListTaskResults() {
	ctx := context.Background()
	store, err := stores.Open(ctx, ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	run := &engine.Run{ID: "run-001", Playbook: "site.yaml", Status: engine.RunStatusRunning, StartedAt: started}
	if err := store.CreateRun(ctx, run); err != nil {
		log.Fatal(err)
	}

	for _, r := range []*engine.TaskResult{
		{ID: "1", RunID: run.ID, Host: "web1", Task: "Install nginx", Action: "package", Status: engine.TaskStatusChanged, StartedAt: started},
		{ID: "2", RunID: run.ID, Host: "web1", Task: "restart nginx", Action: "service", Handler: true, Status: engine.TaskStatusOK, StartedAt: started},
	} {
		if err := store.AppendTaskResult(ctx, r); err != nil {
			log.Fatal(err)
		}
	}

	results, err := store.ListTaskResults(ctx, run.ID)
	if err != nil {
		log.Fatal(err)
	}
	for _, r := range results {
		fmt.Printf("%s %s %s handler=%v\n", r.Host, r.Task, r.Status, r.Handler)
	}
	// Output:
	// web1 Install nginx changed handler=false
	// web1 restart nginx ok handler=true
}

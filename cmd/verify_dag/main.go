// Command verify_dag is a smoke check for dependency-ordered batch creation
// against an in-memory SQLite store.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/josephgoksu/taskgraph/internal/logger"
	"github.com/josephgoksu/taskgraph/internal/task"
	"github.com/josephgoksu/taskgraph/models"
	"github.com/josephgoksu/taskgraph/store"
	"github.com/josephgoksu/taskgraph/types"
)

func main() {
	ctx := context.Background()

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	mgr := task.NewManager(task.Deps{
		Store:  st,
		Logger: logger.New(os.Stderr, types.LogConfig{Level: "warn", Format: "text"}),
	})

	// C depends on A and B, B depends on A. Submitted in reverse.
	tasks := []models.Task{
		{Path: "rocket/assembly", Name: "Task C (Assembly)", Dependencies: []string{"rocket/engine", "rocket/fuselage"}, ParentPath: "rocket"},
		{Path: "rocket/fuselage", Name: "Task B (Fuselage)", Dependencies: []string{"rocket/engine"}, ParentPath: "rocket"},
		{Path: "rocket/engine", Name: "Task A (Engine)", ParentPath: "rocket"},
		{Path: "rocket", Name: "Build a Rocket", Type: models.TypeGroup},
	}

	fmt.Println("Creating tasks with dependencies: C->(A,B), B->A")
	res, err := mgr.BulkCreate(ctx, tasks, 2, nil)
	if err != nil {
		log.Fatalf("BulkCreate failed: %v", err)
	}
	for i, id := range res.Order {
		fmt.Printf("%d: %s (%s)\n", i, id, res.Outcomes[id])
	}

	pos := make(map[string]int, len(res.Order))
	for i, id := range res.Order {
		pos[id] = i
	}
	if pos["rocket/engine"] > pos["rocket/fuselage"] || pos["rocket/fuselage"] > pos["rocket/assembly"] {
		log.Fatalf("unexpected order %v", res.Order)
	}

	rocket, err := mgr.GetTask(ctx, "rocket")
	if err != nil {
		log.Fatalf("GetTask failed: %v", err)
	}
	if len(rocket.Subtasks) != 3 {
		log.Fatalf("rocket should have 3 subtasks, got %v", rocket.Subtasks)
	}

	// Closing the loop must be rejected.
	engine, err := mgr.GetTask(ctx, "rocket/engine")
	if err != nil {
		log.Fatal(err)
	}
	engine.Dependencies = []string{"rocket/assembly"}
	if _, err := mgr.UpdateTask(ctx, engine); types.KindOf(err) != types.KindValidation {
		log.Fatalf("expected a validation error for the cycle, got %v", err)
	}

	fmt.Println("SUCCESS: DAG support verified")
}

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/headcount/internal/types"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
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
		t.Skipf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("headcount_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
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

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	// --- Runs ---

	id, err := s.InsertRun(ctx, Run{
		Source:       "clip.mp4",
		Fingerprint:  "abc123",
		Output:       "/tmp/person.mp4",
		Frames:       10,
		DurationSec:  1.25,
		FPSOut:       30,
		Conf:         0.3,
		Model:        "yolov8n.pt",
		PersonCounts: []int32{2, 2, 2, 2, 2, 0, 0, 0, 0, 0},
	})
	if err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	// Empty runs are stored too
	if _, err := s.InsertRun(ctx, Run{Source: "empty.mp4", Output: "/tmp/e.mp4", Model: "yolov8n.pt"}); err != nil {
		t.Fatalf("InsertRun (empty) failed: %v", err)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	var found *Run
	for i := range runs {
		if runs[i].ID == id {
			found = &runs[i]
		}
	}
	if found == nil {
		t.Fatal("inserted run not listed")
	}
	if found.Frames != 10 || len(found.PersonCounts) != 10 || found.Peak() != 2 {
		t.Errorf("run round trip mismatch: %+v", found)
	}

	// --- Occupancy ---

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.Record(ctx, types.OccupancyUpdate{CourtID: "court-1", Count: 3, At: now}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := s.Record(ctx, types.OccupancyUpdate{CourtID: "court-1", Count: 5, At: now.Add(time.Second)}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := s.Record(ctx, types.OccupancyUpdate{CourtID: "court-2", Count: 0, At: now}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	u, ok, err := s.Occupancy(ctx, "court-1")
	if err != nil || !ok {
		t.Fatalf("Occupancy failed: %v (found=%v)", err, ok)
	}
	if u.Count != 5 {
		t.Errorf("Expected latest count 5, got %d", u.Count)
	}

	if _, ok, _ := s.Occupancy(ctx, "court-9"); ok {
		t.Error("Unknown court should not be found")
	}

	all, err := s.ListOccupancy(ctx)
	if err != nil {
		t.Fatalf("ListOccupancy failed: %v", err)
	}
	if len(all) != 2 || all[0].CourtID != "court-1" {
		t.Errorf("unexpected occupancy list %+v", all)
	}

	var events int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM occupancy_events").Scan(&events); err != nil {
		t.Fatal(err)
	}
	if events != 3 {
		t.Errorf("Expected 3 history events, got %d", events)
	}

	// --- Reset ---

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListRuns(ctx, 10); err == nil {
		t.Error("Expected error listing runs after reset")
	}
}

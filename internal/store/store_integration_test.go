//go:build integration

package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestIntegration_JobLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	jobID := uuid.New()

	if err := s.CreateJob(ctx, jobID, "markdown", 2); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := s.WriteItem(ctx, jobID, JobItem{
		ConversationID: "conv-a",
		Status:         "succeeded",
		Confidence:     0.9,
	}); err != nil {
		t.Fatalf("WriteItem: %v", err)
	}
	if err := s.WriteItem(ctx, jobID, JobItem{
		ConversationID: "conv-b",
		Status:         "failed",
		FailureStage:   "fetch",
		FailureReason:  "status 404",
	}); err != nil {
		t.Fatalf("WriteItem: %v", err)
	}

	if err := s.FinishJob(ctx, jobID, 1, 1); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}

	job, items, err := s.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != "done" || job.Succeeded != 1 || job.Failed != 1 {
		t.Errorf("job = %+v", job)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[1].FailureStage != "fetch" {
		t.Errorf("item failure stage = %q", items[1].FailureStage)
	}
	if job.FinishedAt == nil {
		t.Error("finished_at not set")
	}
}

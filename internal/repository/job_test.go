package repository

import (
	"context"
	"testing"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
)

func TestJobDefaults(t *testing.T) {
	database := setupTestDB(t)
	repo := NewJobRepository(database.DB)

	job := createTestJob(t, repo)
	if job.Status != models.JobPending {
		t.Errorf("Status = %v, want pending", job.Status)
	}
	if job.RetryBudget != models.DefaultRetryBudget {
		t.Errorf("RetryBudget = %d, want default %d", job.RetryBudget, models.DefaultRetryBudget)
	}
}

func TestJobProgress(t *testing.T) {
	database := setupTestDB(t)
	repo := NewJobRepository(database.DB)
	ctx := context.Background()

	job := createTestJob(t, repo)
	for i := 0; i < 4; i++ {
		if err := repo.IncrementChildrenCreated(ctx, job.ID); err != nil {
			t.Fatalf("IncrementChildrenCreated() error = %v", err)
		}
	}
	if err := repo.SetStatus(ctx, job.ID, models.JobCompleted); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	got, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.ChildrenCreated != 4 {
		t.Errorf("ChildrenCreated = %d, want 4", got.ChildrenCreated)
	}
	if got.Status != models.JobCompleted {
		t.Errorf("Status = %v, want completed", got.Status)
	}
}

func TestJobErrorHistory(t *testing.T) {
	database := setupTestDB(t)
	repo := NewJobRepository(database.DB)
	ctx := context.Background()

	job := createTestJob(t, repo)
	job.AppendError("first failure")
	job.AppendError("second failure")
	if err := repo.Update(ctx, job); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, _ := repo.GetByID(ctx, job.ID)
	if got.LastError != "second failure" {
		t.Errorf("LastError = %q, want second failure", got.LastError)
	}
	errs := got.Errors()
	if len(errs) != 2 || errs[0] != "first failure" {
		t.Errorf("Errors() = %v, want both entries in order", errs)
	}
}

func TestJobList(t *testing.T) {
	database := setupTestDB(t)
	repo := NewJobRepository(database.DB)
	ctx := context.Background()

	first := createTestJob(t, repo)
	second := createTestJob(t, repo)
	if err := repo.SetStatus(ctx, second.ID, models.JobInProgress); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	got, err := repo.List(ctx, models.JobListFilter{Status: models.JobInProgress})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != second.ID {
		t.Errorf("List(in_progress) returned %d jobs, want only the in-progress one", len(got))
	}

	all, err := repo.List(ctx, models.JobListFilter{Owner: first.Owner})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List(owner) returned %d jobs, want 2", len(all))
	}
}

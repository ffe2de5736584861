package repository

import (
	"context"
	"testing"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
)

func createTestJob(t *testing.T, repo *JobRepository) *models.Job {
	t.Helper()
	job := &models.Job{
		Owner:           "user-1",
		AccountID:       "act_1",
		AccountGroup:    "default",
		ParentName:      "Spring Sale",
		RequestedAdSets: 2,
		RequestedAds:    2,
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	return job
}

func TestSlotUniqueConstraint(t *testing.T) {
	database := setupTestDB(t)
	jobs := NewJobRepository(database.DB)
	slots := NewSlotRepository(database.DB)
	ctx := context.Background()

	job := createTestJob(t, jobs)

	slot := &models.Slot{JobID: job.ID, SlotNumber: 1, EntityType: models.EntityAdSet, Name: "as-1"}
	if err := slots.Create(ctx, slot); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	dup := &models.Slot{JobID: job.ID, SlotNumber: 1, EntityType: models.EntityAdSet, Name: "as-1-dup"}
	if err := slots.Create(ctx, dup); err == nil {
		t.Errorf("Create() duplicate slot succeeded, want unique constraint error")
	}

	// Same slot number with a different entity type is a distinct slot.
	ad := &models.Slot{JobID: job.ID, SlotNumber: 1, EntityType: models.EntityAd, Name: "ad-1"}
	if err := slots.Create(ctx, ad); err != nil {
		t.Errorf("Create() ad slot error = %v", err)
	}
}

func TestSlotMarkCreatedIdempotent(t *testing.T) {
	database := setupTestDB(t)
	jobs := NewJobRepository(database.DB)
	slots := NewSlotRepository(database.DB)
	ctx := context.Background()

	job := createTestJob(t, jobs)
	slot := &models.Slot{JobID: job.ID, SlotNumber: 0, EntityType: models.EntityCampaign, Name: "camp"}
	if err := slots.Create(ctx, slot); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := slots.MarkCreating(ctx, slot.ID); err != nil {
		t.Fatalf("MarkCreating() error = %v", err)
	}
	claimed, err := slots.MarkCreated(ctx, slot.ID, "ent_1")
	if err != nil {
		t.Fatalf("MarkCreated() error = %v", err)
	}
	if !claimed {
		t.Fatalf("MarkCreated() = false, want true")
	}

	// A late duplicate completion must not replace the remote id.
	claimed, err = slots.MarkCreated(ctx, slot.ID, "ent_2")
	if err != nil {
		t.Fatalf("MarkCreated() error = %v", err)
	}
	if claimed {
		t.Errorf("second MarkCreated() = true, want false")
	}

	got, err := slots.GetByID(ctx, slot.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.RemoteID != "ent_1" {
		t.Errorf("RemoteID = %q, want ent_1", got.RemoteID)
	}
	if got.Status != models.SlotCreated {
		t.Errorf("Status = %v, want created", got.Status)
	}
	if got.CompletedAt == nil {
		t.Errorf("CompletedAt not stamped")
	}
}

func TestSlotMarkRolledBackOnce(t *testing.T) {
	database := setupTestDB(t)
	jobs := NewJobRepository(database.DB)
	slots := NewSlotRepository(database.DB)
	ctx := context.Background()

	job := createTestJob(t, jobs)
	slot := &models.Slot{JobID: job.ID, SlotNumber: 1, EntityType: models.EntityAdSet, Name: "as-1"}
	if err := slots.Create(ctx, slot); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := slots.MarkCreating(ctx, slot.ID); err != nil {
		t.Fatalf("MarkCreating() error = %v", err)
	}
	if _, err := slots.MarkCreated(ctx, slot.ID, "ent_1"); err != nil {
		t.Fatalf("MarkCreated() error = %v", err)
	}

	claimed, err := slots.MarkRolledBack(ctx, slot.ID)
	if err != nil {
		t.Fatalf("MarkRolledBack() error = %v", err)
	}
	if !claimed {
		t.Fatalf("MarkRolledBack() = false, want true")
	}

	// A second rollback claim finds the slot already finalized.
	claimed, err = slots.MarkRolledBack(ctx, slot.ID)
	if err != nil {
		t.Fatalf("MarkRolledBack() error = %v", err)
	}
	if claimed {
		t.Errorf("second MarkRolledBack() = true, want false")
	}

	// Rolled back slots never re-enter creating.
	if err := slots.MarkCreating(ctx, slot.ID); err != nil {
		t.Fatalf("MarkCreating() error = %v", err)
	}
	got, _ := slots.GetByID(ctx, slot.ID)
	if got.Status != models.SlotRolledBack {
		t.Errorf("Status = %v, want rolled_back", got.Status)
	}
}

func TestSlotListByJobOrder(t *testing.T) {
	database := setupTestDB(t)
	jobs := NewJobRepository(database.DB)
	slots := NewSlotRepository(database.DB)
	ctx := context.Background()

	job := createTestJob(t, jobs)
	for _, s := range []*models.Slot{
		{JobID: job.ID, SlotNumber: 2, EntityType: models.EntityAd, Name: "ad-2"},
		{JobID: job.ID, SlotNumber: 1, EntityType: models.EntityAdSet, Name: "as-1"},
		{JobID: job.ID, SlotNumber: 0, EntityType: models.EntityCampaign, Name: "camp"},
		{JobID: job.ID, SlotNumber: 1, EntityType: models.EntityAd, Name: "ad-1"},
		{JobID: job.ID, SlotNumber: 2, EntityType: models.EntityAdSet, Name: "as-2"},
	} {
		if err := slots.Create(ctx, s); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	got, err := slots.ListByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListByJob() error = %v", err)
	}

	wantNames := []string{"camp", "as-1", "as-2", "ad-1", "ad-2"}
	if len(got) != len(wantNames) {
		t.Fatalf("ListByJob() returned %d slots, want %d", len(got), len(wantNames))
	}
	for i, name := range wantNames {
		if got[i].Name != name {
			t.Errorf("slot[%d] = %q, want %q", i, got[i].Name, name)
		}
	}
}

func TestSlotRequeue(t *testing.T) {
	database := setupTestDB(t)
	jobs := NewJobRepository(database.DB)
	slots := NewSlotRepository(database.DB)
	ctx := context.Background()

	job := createTestJob(t, jobs)
	slot := &models.Slot{JobID: job.ID, SlotNumber: 1, EntityType: models.EntityAd, Name: "ad-1"}
	if err := slots.Create(ctx, slot); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := slots.MarkFailed(ctx, slot.ID, "transient"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	got, _ := slots.GetByID(ctx, slot.ID)
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}

	if err := slots.Requeue(ctx, slot.ID); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	got, _ = slots.GetByID(ctx, slot.ID)
	if got.Status != models.SlotPending {
		t.Errorf("Status after Requeue = %v, want pending", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("Requeue reset retry count: %d", got.RetryCount)
	}
}

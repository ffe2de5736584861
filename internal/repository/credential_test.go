package repository

import (
	"context"
	"testing"
	"time"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
)

func newTestCredential(name, group string, used, limit int, resetAt time.Time) *models.Credential {
	return &models.Credential{
		Name:          name,
		AccountGroup:  group,
		TokenSealed:   "sealed-" + name,
		Kind:          models.KindDefault,
		CallsUsed:     used,
		CallsLimit:    limit,
		WindowResetAt: resetAt,
		Active:        true,
	}
}

func TestCredentialIncrementUsage(t *testing.T) {
	database := setupTestDB(t)
	repo := NewCredentialRepository(database.DB)
	ctx := context.Background()

	cred := newTestCredential("main", "default", 0, 200, time.Now().Add(time.Hour))
	if err := repo.Create(ctx, cred); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := repo.IncrementUsage(ctx, cred.ID, 1); err != nil {
			t.Fatalf("IncrementUsage() error = %v", err)
		}
	}

	got, err := repo.GetByID(ctx, cred.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.CallsUsed != 3 {
		t.Errorf("CallsUsed = %d, want 3", got.CallsUsed)
	}
}

func TestCredentialResetWindow(t *testing.T) {
	database := setupTestDB(t)
	repo := NewCredentialRepository(database.DB)
	ctx := context.Background()
	now := time.Now()

	cred := newTestCredential("main", "default", 150, 200, now.Add(-time.Minute))
	if err := repo.Create(ctx, cred); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	reset, err := repo.ResetWindow(ctx, cred.ID, now, time.Hour)
	if err != nil {
		t.Fatalf("ResetWindow() error = %v", err)
	}
	if !reset {
		t.Fatalf("ResetWindow() = false, want true for an expired window")
	}

	got, _ := repo.GetByID(ctx, cred.ID)
	if got.CallsUsed != 0 {
		t.Errorf("CallsUsed after reset = %d, want 0", got.CallsUsed)
	}
	if !got.WindowResetAt.After(now.Add(59 * time.Minute)) {
		t.Errorf("WindowResetAt not advanced: %v", got.WindowResetAt)
	}

	// The guard makes a second reset within the fresh window a no-op.
	reset, err = repo.ResetWindow(ctx, cred.ID, now, time.Hour)
	if err != nil {
		t.Fatalf("ResetWindow() error = %v", err)
	}
	if reset {
		t.Errorf("ResetWindow() rolled over a window that has not expired")
	}
}

func TestCredentialMarkExhausted(t *testing.T) {
	database := setupTestDB(t)
	repo := NewCredentialRepository(database.DB)
	ctx := context.Background()

	cred := newTestCredential("main", "default", 10, 200, time.Now().Add(time.Hour))
	if err := repo.Create(ctx, cred); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := repo.MarkExhausted(ctx, cred.ID); err != nil {
		t.Fatalf("MarkExhausted() error = %v", err)
	}

	got, _ := repo.GetByID(ctx, cred.ID)
	if got.CallsUsed != got.CallsLimit {
		t.Errorf("CallsUsed = %d, want pinned to limit %d", got.CallsUsed, got.CallsLimit)
	}
	if got.Usable(time.Now()) {
		t.Errorf("exhausted credential reports usable")
	}
}

func TestCredentialListActive(t *testing.T) {
	database := setupTestDB(t)
	repo := NewCredentialRepository(database.DB)
	ctx := context.Background()
	resetAt := time.Now().Add(time.Hour)

	active := newTestCredential("active", "default", 0, 200, resetAt)
	inactive := newTestCredential("inactive", "default", 0, 200, resetAt)
	otherGroup := newTestCredential("other", "backupers", 0, 200, resetAt)
	for _, c := range []*models.Credential{active, inactive, otherGroup} {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	if err := repo.SetActive(ctx, inactive.ID, false); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}

	got, err := repo.ListActive(ctx, "default")
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != active.ID {
		t.Errorf("ListActive() returned %d credentials, want only the active default-group one", len(got))
	}
}

func TestCredentialSoonestReset(t *testing.T) {
	database := setupTestDB(t)
	repo := NewCredentialRepository(database.DB)
	ctx := context.Background()
	now := time.Now()

	early := newTestCredential("early", "default", 0, 200, now.Add(10*time.Minute))
	late := newTestCredential("late", "default", 0, 200, now.Add(50*time.Minute))
	for _, c := range []*models.Credential{early, late} {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	soonest, err := repo.SoonestReset(ctx, "default")
	if err != nil {
		t.Fatalf("SoonestReset() error = %v", err)
	}
	if diff := soonest.Sub(early.WindowResetAt); diff > time.Second || diff < -time.Second {
		t.Errorf("SoonestReset() = %v, want %v", soonest, early.WindowResetAt)
	}

	empty, err := repo.SoonestReset(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("SoonestReset() error = %v", err)
	}
	if !empty.IsZero() {
		t.Errorf("SoonestReset() for empty group = %v, want zero time", empty)
	}
}

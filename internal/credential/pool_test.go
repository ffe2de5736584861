package credential

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/db"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/repository"
)

var testKey = strings.Repeat("ab", 32)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupPool(t *testing.T) (*Pool, *repository.CredentialRepository, *Cipher) {
	t.Helper()

	database, err := db.NewMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cipher, err := NewCipher(testKey)
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	repo := repository.NewCredentialRepository(database.DB)
	return NewPool(repo, cipher, discardLogger()), repo, cipher
}

func addCredential(t *testing.T, repo *repository.CredentialRepository, cipher *Cipher,
	name string, used, limit int, resetAt time.Time) *models.Credential {
	t.Helper()

	sealed, err := cipher.Seal("token-" + name)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	cred := &models.Credential{
		Name:          name,
		AccountGroup:  "default",
		TokenSealed:   sealed,
		Kind:          models.KindDefault,
		CallsUsed:     used,
		CallsLimit:    limit,
		WindowResetAt: resetAt,
		Active:        true,
	}
	if err := repo.Create(context.Background(), cred); err != nil {
		t.Fatalf("failed to create credential: %v", err)
	}
	return cred
}

func TestCipherRoundtrip(t *testing.T) {
	cipher, err := NewCipher(testKey)
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}

	sealed, err := cipher.Seal("EAAB-secret-token")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if sealed == "EAAB-secret-token" {
		t.Fatalf("Seal() returned plaintext")
	}

	opened, err := cipher.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opened != "EAAB-secret-token" {
		t.Errorf("Open() = %q, want original token", opened)
	}

	// A different key must not open the box.
	other, err := NewCipher(strings.Repeat("cd", 32))
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	if _, err := other.Open(sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open() with wrong key error = %v, want ErrDecrypt", err)
	}
}

func TestCipherRejectsBadKey(t *testing.T) {
	if _, err := NewCipher("abcd"); err == nil {
		t.Errorf("NewCipher() accepted a short key")
	}
	if _, err := NewCipher(strings.Repeat("zz", 32)); err == nil {
		t.Errorf("NewCipher() accepted a non-hex key")
	}
}

func TestPoolAcquireLeastLoaded(t *testing.T) {
	pool, repo, cipher := setupPool(t)
	ctx := context.Background()
	resetAt := time.Now().Add(time.Hour)

	addCredential(t, repo, cipher, "busy", 150, 200, resetAt)
	light := addCredential(t, repo, cipher, "light", 10, 200, resetAt)

	cred, token, err := pool.Acquire(ctx, "default")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if cred.ID != light.ID {
		t.Errorf("Acquire() picked %s, want the least-loaded credential", cred.Name)
	}
	if token != "token-light" {
		t.Errorf("Acquire() token = %q, want decrypted plaintext", token)
	}
}

func TestPoolAcquireSkipsFullWindows(t *testing.T) {
	pool, repo, cipher := setupPool(t)
	ctx := context.Background()
	resetAt := time.Now().Add(time.Hour)

	addCredential(t, repo, cipher, "spent", 200, 200, resetAt)
	spare := addCredential(t, repo, cipher, "spare", 199, 200, resetAt)

	cred, _, err := pool.Acquire(ctx, "default")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if cred.ID != spare.ID {
		t.Errorf("Acquire() picked %s, want the one with room left", cred.Name)
	}
}

func TestPoolAcquireNoneAvailable(t *testing.T) {
	pool, repo, cipher := setupPool(t)
	ctx := context.Background()
	resetAt := time.Now().Add(time.Hour)

	addCredential(t, repo, cipher, "spent", 200, 200, resetAt)

	if _, _, err := pool.Acquire(ctx, "default"); !errors.Is(err, ErrNoneAvailable) {
		t.Errorf("Acquire() error = %v, want ErrNoneAvailable", err)
	}
}

func TestPoolAcquireResetsExpiredWindow(t *testing.T) {
	pool, repo, cipher := setupPool(t)
	ctx := context.Background()

	// Fully spent, but the window expired a minute ago.
	expired := addCredential(t, repo, cipher, "expired", 200, 200, time.Now().Add(-time.Minute))

	cred, _, err := pool.Acquire(ctx, "default")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if cred.ID != expired.ID {
		t.Fatalf("Acquire() did not pick the rolled-over credential")
	}
	if cred.CallsUsed != 0 {
		t.Errorf("CallsUsed after rollover = %d, want 0", cred.CallsUsed)
	}
	if !cred.WindowResetAt.After(time.Now()) {
		t.Errorf("WindowResetAt not advanced: %v", cred.WindowResetAt)
	}
}

func TestPoolAcquireExcept(t *testing.T) {
	pool, repo, cipher := setupPool(t)
	ctx := context.Background()
	resetAt := time.Now().Add(time.Hour)

	bad := addCredential(t, repo, cipher, "bad", 0, 200, resetAt)
	good := addCredential(t, repo, cipher, "good", 50, 200, resetAt)

	cred, _, err := pool.AcquireExcept(ctx, "default", map[string]bool{bad.ID: true})
	if err != nil {
		t.Fatalf("AcquireExcept() error = %v", err)
	}
	if cred.ID != good.ID {
		t.Errorf("AcquireExcept() picked the excluded credential")
	}

	exclude := map[string]bool{bad.ID: true, good.ID: true}
	if _, _, err := pool.AcquireExcept(ctx, "default", exclude); !errors.Is(err, ErrNoneAvailable) {
		t.Errorf("AcquireExcept() error = %v, want ErrNoneAvailable", err)
	}
}

func TestPoolReleaseAndExhaust(t *testing.T) {
	pool, repo, cipher := setupPool(t)
	ctx := context.Background()
	resetAt := time.Now().Add(time.Hour)

	cred := addCredential(t, repo, cipher, "main", 0, 200, resetAt)

	if err := pool.Release(ctx, cred, 3); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	got, _ := repo.GetByID(ctx, cred.ID)
	if got.CallsUsed != 3 {
		t.Errorf("CallsUsed = %d, want 3", got.CallsUsed)
	}

	if err := pool.MarkExhausted(ctx, cred.ID); err != nil {
		t.Fatalf("MarkExhausted() error = %v", err)
	}
	if _, _, err := pool.Acquire(ctx, "default"); !errors.Is(err, ErrNoneAvailable) {
		t.Errorf("Acquire() after exhaustion error = %v, want ErrNoneAvailable", err)
	}
}

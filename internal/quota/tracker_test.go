package quota

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func openTestBolt(t *testing.T, path string) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open bolt db: %v", err)
	}
	return db
}

func newTestTracker(t *testing.T, cfg Config) (*Tracker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quota.db")
	db := openTestBolt(t, path)

	tracker, err := NewTracker(db, cfg)
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}
	t.Cleanup(func() {
		tracker.Stop()
		db.Close()
	})
	return tracker, path
}

func TestTrackerShouldQueue(t *testing.T) {
	tracker, _ := newTestTracker(t, Config{CallsLimit: 3})

	if tracker.ShouldQueue("u1", "act_1") {
		t.Errorf("ShouldQueue() = true for a fresh window")
	}

	tracker.Record("u1", "act_1", 2)
	if tracker.ShouldQueue("u1", "act_1") {
		t.Errorf("ShouldQueue() = true at 2/3")
	}

	tracker.Record("u1", "act_1", 1)
	if !tracker.ShouldQueue("u1", "act_1") {
		t.Errorf("ShouldQueue() = false at the limit")
	}

	// Windows are keyed by (user, account); other pairs are unaffected.
	if tracker.ShouldQueue("u1", "act_2") {
		t.Errorf("ShouldQueue() = true for an untouched account")
	}
	if tracker.ShouldQueue("u2", "act_1") {
		t.Errorf("ShouldQueue() = true for an untouched user")
	}
}

func TestTrackerMarkExhausted(t *testing.T) {
	tracker, _ := newTestTracker(t, Config{CallsLimit: 100})

	tracker.Record("u1", "act_1", 5)
	tracker.MarkExhausted("u1", "act_1")

	if !tracker.ShouldQueue("u1", "act_1") {
		t.Errorf("ShouldQueue() = false after MarkExhausted")
	}
	stats := tracker.Usage("u1", "act_1")
	if stats.CallsUsed != 100 {
		t.Errorf("CallsUsed = %d, want pinned to limit", stats.CallsUsed)
	}
}

func TestTrackerWindowRollover(t *testing.T) {
	tracker, _ := newTestTracker(t, Config{CallsLimit: 10, WindowLength: 50 * time.Millisecond})

	tracker.MarkExhausted("u1", "act_1")
	if !tracker.ShouldQueue("u1", "act_1") {
		t.Fatalf("ShouldQueue() = false for an exhausted window")
	}
	firstReset := tracker.ResetAt("u1", "act_1")

	time.Sleep(60 * time.Millisecond)

	if tracker.ShouldQueue("u1", "act_1") {
		t.Errorf("ShouldQueue() = true after the window expired")
	}
	stats := tracker.Usage("u1", "act_1")
	if stats.CallsUsed != 0 {
		t.Errorf("CallsUsed after rollover = %d, want 0", stats.CallsUsed)
	}
	if !stats.ResetAt.After(firstReset) {
		t.Errorf("ResetAt did not advance past the old boundary")
	}
}

func TestTrackerConcurrentRecord(t *testing.T) {
	tracker, _ := newTestTracker(t, Config{CallsLimit: 10000})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tracker.Record("u1", "act_1", 1)
			}
		}()
	}
	wg.Wait()

	stats := tracker.Usage("u1", "act_1")
	if stats.CallsUsed != 1000 {
		t.Errorf("CallsUsed = %d, want 1000", stats.CallsUsed)
	}
}

func TestTrackerPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.db")
	cfg := Config{CallsLimit: 100}

	db := openTestBolt(t, path)
	tracker, err := NewTracker(db, cfg)
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}
	tracker.Record("u1", "act_1", 42)
	if err := tracker.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	db.Close()

	db = openTestBolt(t, path)
	defer db.Close()
	reloaded, err := NewTracker(db, cfg)
	if err != nil {
		t.Fatalf("NewTracker() reload error = %v", err)
	}
	defer reloaded.Stop()

	stats := reloaded.Usage("u1", "act_1")
	if stats.CallsUsed != 42 {
		t.Errorf("CallsUsed after reload = %d, want 42", stats.CallsUsed)
	}
}

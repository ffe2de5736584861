package quota

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketQuotaWindows = []byte("quota_windows")

// DefaultCallsLimit is the per-(user, account) hourly call allowance.
const DefaultCallsLimit = 200

// DefaultWindowLength is the fixed quota window.
const DefaultWindowLength = time.Hour

// Config contains quota tracker settings.
type Config struct {
	CallsLimit    int           `yaml:"calls_limit"`
	WindowLength  time.Duration `yaml:"window_length"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Window is one (user, account) call counter. CallsUsed increases
// monotonically within a window and resets to zero exactly at ResetAt.
type Window struct {
	CallsUsed int       `json:"calls_used"`
	ResetAt   time.Time `json:"reset_at"`
}

// Stats is the externally visible view of one window.
type Stats struct {
	CallsUsed    int       `json:"calls_used"`
	CallsLimit   int       `json:"calls_limit"`
	UsagePercent float64   `json:"usage_percent"`
	ResetAt      time.Time `json:"reset_at"`
}

// Tracker counts calls per (user, target account) against the hourly
// limit. Counters live in memory under one mutex and are flushed to a bolt
// bucket on an interval so bookkeeping survives restarts without a sqlite
// write per call.
type Tracker struct {
	db      *bolt.DB
	cfg     Config
	mu      sync.Mutex
	windows map[string]*Window
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewTracker creates a tracker and loads persisted windows.
func NewTracker(db *bolt.DB, cfg Config) (*Tracker, error) {
	if cfg.CallsLimit <= 0 {
		cfg.CallsLimit = DefaultCallsLimit
	}
	if cfg.WindowLength <= 0 {
		cfg.WindowLength = DefaultWindowLength
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQuotaWindows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quota bucket: %w", err)
	}

	t := &Tracker{
		db:      db,
		cfg:     cfg,
		windows: make(map[string]*Window),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if err := t.loadWindows(); err != nil {
		return nil, fmt.Errorf("failed to load quota windows: %w", err)
	}

	go t.persistLoop()

	return t, nil
}

// ShouldQueue reports whether one more call for (user, account) would
// exceed the window limit.
func (t *Tracker) ShouldQueue(userID, accountID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.window(userID, accountID, time.Now())
	return w.CallsUsed+1 > t.cfg.CallsLimit
}

// Record adds callsConsumed to the window counter.
func (t *Tracker) Record(userID, accountID string, callsConsumed int) {
	if callsConsumed <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.window(userID, accountID, time.Now())
	w.CallsUsed += callsConsumed
}

// MarkExhausted pins the window at its limit. Used when the remote side
// signals a rate limit before local bookkeeping predicted one.
func (t *Tracker) MarkExhausted(userID, accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.window(userID, accountID, time.Now())
	w.CallsUsed = t.cfg.CallsLimit
}

// ResetAt returns the current window's reset time for (user, account).
func (t *Tracker) ResetAt(userID, accountID string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.window(userID, accountID, time.Now()).ResetAt
}

// Usage returns the window stats for (user, account).
func (t *Tracker) Usage(userID, accountID string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.window(userID, accountID, time.Now())
	return Stats{
		CallsUsed:    w.CallsUsed,
		CallsLimit:   t.cfg.CallsLimit,
		UsagePercent: float64(w.CallsUsed) / float64(t.cfg.CallsLimit),
		ResetAt:      w.ResetAt,
	}
}

// Stop halts the flush loop and persists one final time.
func (t *Tracker) Stop() error {
	close(t.stopCh)
	<-t.doneCh
	return t.persistWindows()
}

// window returns the live window for the key, rolling it over lazily when
// its reset time has passed. Callers hold t.mu, so the rollover happens
// exactly once; ResetAt advances by whole window lengths so long idle gaps
// do not drift the boundary.
func (t *Tracker) window(userID, accountID string, now time.Time) *Window {
	key := userID + ":" + accountID
	w, ok := t.windows[key]
	if !ok {
		w = &Window{ResetAt: now.Add(t.cfg.WindowLength)}
		t.windows[key] = w
		return w
	}
	if !now.Before(w.ResetAt) {
		w.CallsUsed = 0
		for !now.Before(w.ResetAt) {
			w.ResetAt = w.ResetAt.Add(t.cfg.WindowLength)
		}
	}
	return w
}

func (t *Tracker) loadWindows() error {
	return t.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketQuotaWindows)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var w Window
			if err := json.Unmarshal(v, &w); err != nil {
				return nil // skip invalid entries
			}
			t.windows[string(k)] = &w
			return nil
		})
	})
}

func (t *Tracker) persistWindows() error {
	t.mu.Lock()
	snapshot := make(map[string]Window, len(t.windows))
	for k, w := range t.windows {
		snapshot[k] = *w
	}
	t.mu.Unlock()

	return t.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketQuotaWindows)
		if bucket == nil {
			return nil
		}
		for key, w := range snapshot {
			data, err := json.Marshal(w)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *Tracker) persistLoop() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.persistWindows()
		}
	}
}

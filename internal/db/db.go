package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

// New opens the sqlite database at path, creating the parent directory if
// needed. WAL mode and a busy timeout keep the background processor and the
// API from tripping over each other.
func New(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

// NewMemory opens an in-memory database. Used by tests. The pool is pinned
// to one connection because every sqlite :memory: connection is its own
// empty database.
func NewMemory() (*DB, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return &DB{db}, nil
}

// Migrate applies all schema migrations. Safe to run repeatedly.
func (db *DB) Migrate() error {
	migrations := []string{
		migrationCredentials,
		migrationQueuedRequests,
		migrationJobs,
		migrationSlots,
		migrationVerifications,
		migrationFailureRecords,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const migrationCredentials = `
CREATE TABLE IF NOT EXISTS credentials (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    account_group TEXT NOT NULL,
    token_sealed TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT 'backup',
    calls_used INTEGER NOT NULL DEFAULT 0,
    calls_limit INTEGER NOT NULL DEFAULT 200,
    window_reset_at TIMESTAMP NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_credentials_group ON credentials(account_group);
CREATE INDEX IF NOT EXISTS idx_credentials_active ON credentials(active);
`

const migrationQueuedRequests = `
CREATE TABLE IF NOT EXISTS queued_requests (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    account_group TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    payload JSON NOT NULL,
    priority INTEGER NOT NULL DEFAULT 5,
    status TEXT NOT NULL DEFAULT 'queued',
    process_after TIMESTAMP NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    job_id TEXT,
    slot_id TEXT,
    result TEXT,
    last_error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_queued_requests_eligible ON queued_requests(status, process_after, priority, id);
CREATE INDEX IF NOT EXISTS idx_queued_requests_job ON queued_requests(job_id);
`

const migrationJobs = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    account_id TEXT NOT NULL,
    account_group TEXT NOT NULL DEFAULT '',
    parent_name TEXT NOT NULL,
    requested_adsets INTEGER NOT NULL DEFAULT 0,
    requested_ads INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    children_created INTEGER NOT NULL DEFAULT 0,
    retry_count INTEGER NOT NULL DEFAULT 0,
    retry_budget INTEGER NOT NULL DEFAULT 5,
    last_error TEXT,
    error_history JSON,
    rollback_triggered INTEGER NOT NULL DEFAULT 0,
    rollback_reason TEXT,
    parent_remote_id TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_account ON jobs(account_id);
`

const migrationSlots = `
CREATE TABLE IF NOT EXISTS slots (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    slot_number INTEGER NOT NULL,
    entity_type TEXT NOT NULL,
    name TEXT NOT NULL,
    remote_id TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    payload JSON,
    error TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(job_id, slot_number, entity_type)
);
CREATE INDEX IF NOT EXISTS idx_slots_job ON slots(job_id);
CREATE INDEX IF NOT EXISTS idx_slots_status ON slots(status);
`

const migrationVerifications = `
CREATE TABLE IF NOT EXISTS verifications (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    proposed_name TEXT NOT NULL,
    account_reachable INTEGER,
    account_active INTEGER,
    name_available INTEGER,
    under_limit INTEGER,
    token_valid INTEGER,
    can_proceed INTEGER NOT NULL DEFAULT 0,
    warnings JSON,
    errors JSON,
    current_count INTEGER NOT NULL DEFAULT 0,
    limit_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_verifications_account ON verifications(account_id);
`

const migrationFailureRecords = `
CREATE TABLE IF NOT EXISTS failure_records (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    campaign_id TEXT,
    adset_id TEXT,
    ad_id TEXT,
    entity_type TEXT NOT NULL,
    raw_reason TEXT NOT NULL,
    user_reason TEXT NOT NULL,
    platform_code INTEGER,
    raw_payload TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'failed',
    recovered_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_failure_records_job ON failure_records(job_id);
CREATE INDEX IF NOT EXISTS idx_failure_records_status ON failure_records(status);
`

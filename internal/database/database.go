package database

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Helper provides database initialization utilities. The worker keeps
// three databases: lifecycle (jobs, attempts, anomalies), output (metrics
// and published results), metadata (secrets, telemetry events).
type Helper struct{}

// New creates a new database helper
func New() *Helper {
	return &Helper{}
}

const lifecycleSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	description TEXT,
	file_type TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS job_attempts (
	job_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	detail TEXT,
	recorded_at INTEGER NOT NULL,
	PRIMARY KEY (job_id, attempt, recorded_at)
);

CREATE TABLE IF NOT EXISTS anomalies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	component TEXT NOT NULL,
	detail TEXT NOT NULL,
	recorded_at INTEGER NOT NULL
);`

const outputSchema = `
CREATE TABLE IF NOT EXISTS metrics (
	metric TEXT NOT NULL,
	value REAL NOT NULL,
	recorded_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS results (
	hash TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	artifact BLOB,
	log TEXT,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS latency_histogram (
	operation TEXT NOT NULL,
	bucket_ms INTEGER NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	timestamp INTEGER NOT NULL,
	PRIMARY KEY (operation, bucket_ms, timestamp)
);`

const metadataSchema = `
CREATE TABLE IF NOT EXISTS secrets (
	secret_name TEXT PRIMARY KEY,
	secret_value TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_rotated INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS telemetry_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	description TEXT
);`

// InitLifecycleDB initializes the lifecycle database with its schema
func (h *Helper) InitLifecycleDB(path string) (*sql.DB, error) {
	return h.initDB(path, lifecycleSchema, "lifecycle")
}

// InitOutputDB initializes the output database with its schema
func (h *Helper) InitOutputDB(path string) (*sql.DB, error) {
	return h.initDB(path, outputSchema, "output")
}

// InitMetadataDB initializes the metadata database with its schema
func (h *Helper) InitMetadataDB(path string) (*sql.DB, error) {
	return h.initDB(path, metadataSchema, "metadata")
}

func (h *Helper) initDB(path, schema, name string) (*sql.DB, error) {
	db, err := h.openDB(path)
	if err != nil {
		return nil, fmt.Errorf("%s DB: %w", name, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute %s schema: %w", name, err)
	}
	return db, nil
}

func (h *Helper) openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas on %s: %w", path, err)
	}
	return db, nil
}

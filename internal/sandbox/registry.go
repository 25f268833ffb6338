package sandbox

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Registry keeps per-script compile statistics keyed by script hash. It
// backs the refusal policy for scripts that have already faulted the
// compiler: instance creation is too expensive to spend on a known
// crasher.
type Registry struct {
	db *sql.DB
}

// Thresholds for the refusal policy. A hash is only blocked when it has
// faulted repeatedly and never once compiled.
const (
	crasherFaultThreshold = 3
)

// NewRegistry opens (or creates) the registry database at dbPath
func NewRegistry(dbPath string) (*Registry, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping registry database: %w", err)
	}

	registry := &Registry{db: db}
	if err := registry.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize registry tables: %w", err)
	}
	return registry, nil
}

// NewRegistryWithDB wraps an already-open database connection
func NewRegistryWithDB(db *sql.DB) (*Registry, error) {
	registry := &Registry{db: db}
	if err := registry.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize registry tables: %w", err)
	}
	return registry, nil
}

func (r *Registry) initTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS scripts_registry (
		script_hash TEXT PRIMARY KEY,
		compile_count INTEGER DEFAULT 0,
		success_count INTEGER DEFAULT 0,
		failure_count INTEGER DEFAULT 0,
		runtime_fault_count INTEGER DEFAULT 0,
		timeout_count INTEGER DEFAULT 0,
		avg_duration_ms INTEGER DEFAULT 0,
		last_failure_kind TEXT,
		first_seen INTEGER NOT NULL,
		last_compiled INTEGER,
		updated_at INTEGER NOT NULL
	);`

	_, err := r.db.Exec(query)
	return err
}

// ScriptStats is one registry row.
type ScriptStats struct {
	Hash              string
	CompileCount      int
	SuccessCount      int
	FailureCount      int
	RuntimeFaultCount int
	TimeoutCount      int
	AvgDurationMs     int
	LastFailureKind   string
}

// RecordSuccess records a successful compile for the hash
func (r *Registry) RecordSuccess(hash string, elapsed time.Duration) error {
	return r.record(hash, elapsed, "", false, false)
}

// RecordFailure records a classified compile failure for the hash
func (r *Registry) RecordFailure(hash string, kind FailureKind, elapsed time.Duration) error {
	return r.record(hash, elapsed, kind, kind == FailureRuntimeFault, kind == FailureTimeout)
}

func (r *Registry) record(hash string, elapsed time.Duration, kind FailureKind, fault, timeout bool) error {
	now := time.Now().Unix()
	ms := elapsed.Milliseconds()

	if err := r.ensureRow(hash, now); err != nil {
		return err
	}

	success := 0
	failure := 0
	if kind == "" {
		success = 1
	} else {
		failure = 1
	}
	faultInc := 0
	if fault {
		faultInc = 1
	}
	timeoutInc := 0
	if timeout {
		timeoutInc = 1
	}

	_, err := r.db.Exec(`
		UPDATE scripts_registry SET
			compile_count = compile_count + 1,
			success_count = success_count + ?,
			failure_count = failure_count + ?,
			runtime_fault_count = runtime_fault_count + ?,
			timeout_count = timeout_count + ?,
			avg_duration_ms = (avg_duration_ms * compile_count + ?) / (compile_count + 1),
			last_failure_kind = CASE WHEN ? != '' THEN ? ELSE last_failure_kind END,
			last_compiled = ?,
			updated_at = ?
		WHERE script_hash = ?`,
		success, failure, faultInc, timeoutInc, ms, string(kind), string(kind), now, now, hash)
	if err != nil {
		return fmt.Errorf("failed to record compile outcome: %w", err)
	}
	return nil
}

func (r *Registry) ensureRow(hash string, now int64) error {
	var existing string
	err := r.db.QueryRow("SELECT script_hash FROM scripts_registry WHERE script_hash = ?", hash).Scan(&existing)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to query registry: %w", err)
	}
	_, err = r.db.Exec(`
		INSERT INTO scripts_registry (script_hash, first_seen, updated_at)
		VALUES (?, ?, ?)`,
		hash, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert registry row: %w", err)
	}
	return nil
}

// GetStats returns the recorded statistics for a hash
func (r *Registry) GetStats(hash string) (*ScriptStats, error) {
	stats := &ScriptStats{Hash: hash}
	var lastKind sql.NullString
	err := r.db.QueryRow(`
		SELECT compile_count, success_count, failure_count,
		       runtime_fault_count, timeout_count, avg_duration_ms, last_failure_kind
		FROM scripts_registry WHERE script_hash = ?`, hash).
		Scan(&stats.CompileCount, &stats.SuccessCount, &stats.FailureCount,
			&stats.RuntimeFaultCount, &stats.TimeoutCount, &stats.AvgDurationMs, &lastKind)
	if err != nil {
		return nil, fmt.Errorf("failed to get script stats: %w", err)
	}
	if lastKind.Valid {
		stats.LastFailureKind = lastKind.String
	}
	return stats, nil
}

// KnownCrasher reports whether the hash is blocked from the sandbox: it
// has faulted the compiler repeatedly and never compiled successfully.
// A hash that has ever succeeded is never blocked.
func (r *Registry) KnownCrasher(hash string) bool {
	var faults, successes int
	err := r.db.QueryRow(`
		SELECT runtime_fault_count, success_count
		FROM scripts_registry WHERE script_hash = ?`, hash).
		Scan(&faults, &successes)
	if err != nil {
		return false
	}
	return successes == 0 && faults >= crasherFaultThreshold
}

// Close releases the underlying database
func (r *Registry) Close() error {
	return r.db.Close()
}

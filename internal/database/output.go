package database

import (
	"database/sql"
	"fmt"
	"time"
)

// OutputDB provides helper methods for output database operations
type OutputDB struct {
	db *sql.DB
}

// NewOutputDB creates a new output database helper
func NewOutputDB(db *sql.DB) *OutputDB {
	return &OutputDB{db: db}
}

// RecordMetric records a single metric observation
func (o *OutputDB) RecordMetric(metric string, value float64) error {
	_, err := o.db.Exec(`
		INSERT INTO metrics (metric, value, recorded_at)
		VALUES (?, ?, ?)
	`, metric, value, time.Now().Unix())
	return err
}

// PublishResult publishes a terminal job result keyed by script hash
func (o *OutputDB) PublishResult(hash, jobID, kind string, artifact []byte, log string) error {
	_, err := o.db.Exec(`
		INSERT OR REPLACE INTO results (hash, job_id, kind, artifact, log, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, hash, jobID, kind, artifact, log, time.Now().Unix())
	return err
}

// GetResult retrieves a published result by hash
func (o *OutputDB) GetResult(hash string) (map[string]interface{}, error) {
	var jobID, kind string
	var artifact []byte
	var log sql.NullString
	var createdAt int64

	err := o.db.QueryRow(`
		SELECT job_id, kind, artifact, log, created_at
		FROM results WHERE hash = ?
	`, hash).Scan(&jobID, &kind, &artifact, &log, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get result %s: %w", hash, err)
	}

	result := map[string]interface{}{
		"hash":       hash,
		"job_id":     jobID,
		"kind":       kind,
		"artifact":   artifact,
		"created_at": createdAt,
	}
	if log.Valid {
		result["log"] = log.String
	}
	return result, nil
}

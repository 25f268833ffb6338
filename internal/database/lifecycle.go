package database

import (
	"database/sql"
	"fmt"
	"time"
)

// LifecycleDB provides helper methods for lifecycle database operations
type LifecycleDB struct {
	db *sql.DB
}

// NewLifecycleDB creates a new lifecycle database helper
func NewLifecycleDB(db *sql.DB) *LifecycleDB {
	return &LifecycleDB{db: db}
}

// CreateJob records a new compilation job
func (l *LifecycleDB) CreateJob(jobID, description, fileType string) error {
	_, err := l.db.Exec(`
		INSERT INTO jobs (job_id, description, file_type, created_at)
		VALUES (?, ?, ?, ?)
	`, jobID, description, fileType, time.Now().Unix())
	return err
}

// RecordAttempt records the outcome of one job attempt
func (l *LifecycleDB) RecordAttempt(jobID string, attempt int, outcome, detail string) error {
	_, err := l.db.Exec(`
		INSERT INTO job_attempts (job_id, attempt, outcome, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, jobID, attempt, outcome, detail, time.Now().Unix())
	return err
}

// RecordAnomaly records an internal routing or state anomaly
func (l *LifecycleDB) RecordAnomaly(component, detail string) error {
	_, err := l.db.Exec(`
		INSERT INTO anomalies (component, detail, recorded_at)
		VALUES (?, ?, ?)
	`, component, detail, time.Now().Unix())
	return err
}

// GetJob retrieves a job by ID
func (l *LifecycleDB) GetJob(jobID string) (map[string]interface{}, error) {
	var description, fileType string
	var createdAt int64

	err := l.db.QueryRow(`
		SELECT description, file_type, created_at
		FROM jobs WHERE job_id = ?
	`, jobID).Scan(&description, &fileType, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}

	return map[string]interface{}{
		"job_id":      jobID,
		"description": description,
		"file_type":   fileType,
		"created_at":  createdAt,
	}, nil
}

// ListAttempts returns the recorded attempts of a job in order
func (l *LifecycleDB) ListAttempts(jobID string) ([]map[string]interface{}, error) {
	rows, err := l.db.Query(`
		SELECT attempt, outcome, detail, recorded_at
		FROM job_attempts
		WHERE job_id = ?
		ORDER BY recorded_at ASC, attempt ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts for %s: %w", jobID, err)
	}
	defer rows.Close()

	var attempts []map[string]interface{}
	for rows.Next() {
		var attempt int
		var outcome string
		var detail sql.NullString
		var recordedAt int64
		if err := rows.Scan(&attempt, &outcome, &detail, &recordedAt); err != nil {
			return nil, err
		}
		entry := map[string]interface{}{
			"attempt":     attempt,
			"outcome":     outcome,
			"recorded_at": recordedAt,
		}
		if detail.Valid {
			entry["detail"] = detail.String
		}
		attempts = append(attempts, entry)
	}
	return attempts, rows.Err()
}

// CountAnomalies returns the number of recorded anomalies for a component
func (l *LifecycleDB) CountAnomalies(component string) (int, error) {
	var count int
	err := l.db.QueryRow(`
		SELECT COUNT(*) FROM anomalies WHERE component = ?
	`, component).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count anomalies: %w", err)
	}
	return count, nil
}

package metrics

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

// Operation names recorded by the pipeline.
const (
	OpValidate   = "validate"
	OpCompile    = "compile"
	OpRegenerate = "regenerate"
)

// LatencyBuckets defines histogram buckets in milliseconds. The spread
// covers sub-millisecond validation up to the sandbox's 30s watchdog.
var LatencyBuckets = []int{5, 25, 100, 500, 2000, 10000, 30000}

// Histogram manages latency histogram data in the output database
type Histogram struct {
	db *sql.DB
}

// NewHistogram creates a new histogram manager
func NewHistogram(db *sql.DB) *Histogram {
	return &Histogram{db: db}
}

// RecordLatency records a latency measurement in the histogram
func (h *Histogram) RecordLatency(operation string, latencyMs int) error {
	bucket := findBucket(latencyMs)
	timestamp := time.Now().Unix() / 60 * 60 // 1-minute windows

	_, err := h.db.Exec(`
		INSERT INTO latency_histogram (operation, bucket_ms, count, timestamp)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(operation, bucket_ms, timestamp)
		DO UPDATE SET count = count + 1
	`, operation, bucket, timestamp)

	return err
}

// findBucket finds the appropriate bucket for a latency value
func findBucket(latencyMs int) int {
	for _, bucket := range LatencyBuckets {
		if latencyMs <= bucket {
			return bucket
		}
	}
	return LatencyBuckets[len(LatencyBuckets)-1]
}

// Percentiles holds calculated percentile values
type Percentiles struct {
	Operation string
	P50       float64
	P95       float64
	P99       float64
	Count     int
	WindowEnd int64
}

// CalculatePercentiles calculates p50, p95, p99 for an operation over the
// trailing window
func (h *Histogram) CalculatePercentiles(operation string, windowMinutes int) (*Percentiles, error) {
	windowStart := time.Now().Unix()/60*60 - int64(windowMinutes*60)

	rows, err := h.db.Query(`
		SELECT bucket_ms, SUM(count) as total_count
		FROM latency_histogram
		WHERE operation = ? AND timestamp >= ?
		GROUP BY bucket_ms
		ORDER BY bucket_ms ASC
	`, operation, windowStart)
	if err != nil {
		return nil, fmt.Errorf("failed to query histogram: %w", err)
	}
	defer rows.Close()

	var buckets []bucketData
	totalCount := 0
	for rows.Next() {
		var bd bucketData
		if err := rows.Scan(&bd.bucket, &bd.count); err != nil {
			return nil, err
		}
		buckets = append(buckets, bd)
		totalCount += bd.count
	}
	if totalCount == 0 {
		return nil, fmt.Errorf("no data available for operation %s", operation)
	}

	return &Percentiles{
		Operation: operation,
		P50:       calculatePercentile(buckets, totalCount, 0.50),
		P95:       calculatePercentile(buckets, totalCount, 0.95),
		P99:       calculatePercentile(buckets, totalCount, 0.99),
		Count:     totalCount,
		WindowEnd: time.Now().Unix(),
	}, nil
}

type bucketData struct {
	bucket int
	count  int
}

// calculatePercentile calculates a specific percentile from bucket data
// with linear interpolation inside the winning bucket
func calculatePercentile(buckets []bucketData, totalCount int, percentile float64) float64 {
	if len(buckets) == 0 || totalCount == 0 {
		return 0
	}

	targetCount := int(math.Ceil(float64(totalCount) * percentile))
	cumulativeCount := 0

	for _, bd := range buckets {
		cumulativeCount += bd.count
		if cumulativeCount >= targetCount {
			prevCumulative := cumulativeCount - bd.count
			ratio := float64(targetCount-prevCumulative) / float64(bd.count)

			prevBucket := 0
			for i, b := range LatencyBuckets {
				if b == bd.bucket && i > 0 {
					prevBucket = LatencyBuckets[i-1]
					break
				}
			}
			return float64(prevBucket) + ratio*float64(bd.bucket-prevBucket)
		}
	}

	return float64(buckets[len(buckets)-1].bucket)
}

// GetAllPercentiles returns percentiles for every operation with data in
// the trailing window
func (h *Histogram) GetAllPercentiles(windowMinutes int) (map[string]*Percentiles, error) {
	rows, err := h.db.Query(`
		SELECT DISTINCT operation
		FROM latency_histogram
		WHERE timestamp >= ?
	`, time.Now().Unix()/60*60-int64(windowMinutes*60))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make(map[string]*Percentiles)
	for rows.Next() {
		var operation string
		if err := rows.Scan(&operation); err != nil {
			continue
		}
		percentiles, err := h.CalculatePercentiles(operation, windowMinutes)
		if err != nil {
			continue
		}
		results[operation] = percentiles
	}
	return results, nil
}

// CleanupOldData removes histogram data older than retentionDays
func (h *Histogram) CleanupOldData(retentionDays int) (int64, error) {
	cutoff := time.Now().Unix() - int64(retentionDays*24*3600)

	result, err := h.db.Exec(`
		DELETE FROM latency_histogram
		WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

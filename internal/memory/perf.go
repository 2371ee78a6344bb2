package memory

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/jarvis-ops/jarvis/internal/errs"
)

// RecordModelPerf appends a ModelPerformance row. Rows are never updated in
// place.
func (s *Store) RecordModelPerf(ctx context.Context, row ModelPerformance) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if row.ID == "" {
		row.ID = newID()
	}
	if row.RequestTimestamp.IsZero() {
		row.RequestTimestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_performance (id, model_name, request_timestamp, response_time_ms, token_count, compute_cost, task_type, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.ModelName, row.RequestTimestamp.UnixNano(), row.ResponseTimeMs, row.TokenCount, row.ComputeCost, row.TaskType, row.Outcome)
	if err != nil {
		return errs.New(errs.Backend, component, "record_model_perf", err)
	}
	return nil
}

// ModelPerfStats aggregates performance rows for modelName ("*" for all
// models) within the trailing window.
func (s *Store) ModelPerfStats(ctx context.Context, modelName string, window time.Duration) (*PerfStats, error) {
	since := time.Now().Add(-window).UnixNano()

	query := `SELECT response_time_ms, token_count, compute_cost FROM model_performance WHERE request_timestamp >= ?`
	args := []any{since}
	if modelName != "" && modelName != "*" {
		query += ` AND model_name = ?`
		args = append(args, modelName)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New(errs.Backend, component, "model_perf_stats", err)
	}
	defer rows.Close()

	var latencies []float64
	var totalTokens, count int64
	var totalCost float64
	for rows.Next() {
		var ms, tokens int64
		var cost float64
		if err := rows.Scan(&ms, &tokens, &cost); err != nil {
			return nil, errs.New(errs.Backend, component, "model_perf_stats", err)
		}
		latencies = append(latencies, float64(ms))
		totalTokens += tokens
		totalCost += cost
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.Backend, component, "model_perf_stats", err)
	}

	stats := &PerfStats{Count: count}
	if count == 0 {
		return stats, nil
	}

	sort.Float64s(latencies)
	var sum float64
	min, max := math.Inf(1), math.Inf(-1)
	for _, v := range latencies {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	stats.AvgMs = sum / float64(count)
	stats.MinMs = min
	stats.MaxMs = max
	stats.P50Ms = percentile(latencies, 0.50)
	stats.P95Ms = percentile(latencies, 0.95)
	stats.AvgTokens = float64(totalTokens) / float64(count)
	stats.TotalCost = totalCost
	return stats, nil
}

// percentile assumes sorted is already ascending.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

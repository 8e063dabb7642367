package repository

import "context"

// MetricsSummary represents aggregated processing insights.
type MetricsSummary struct {
	TotalRuns        int64   `json:"total_runs"`
	SuccessfulRuns   int64   `json:"successful_runs"`
	StaleRuns        int64   `json:"stale_runs"`
	SuccessRate      float64 `json:"success_rate"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// Summary aggregates processing metrics from persisted runs.
func (r *RunRepository) Summary(ctx context.Context) (*MetricsSummary, error) {
	agg, err := r.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}
	return SummaryFrom(agg), nil
}

// SummaryFrom derives rates from a raw aggregation. Stale runs are excluded
// from the success rate since nobody saw their outcome.
func SummaryFrom(agg *MetricsAggregation) *MetricsSummary {
	summary := &MetricsSummary{
		TotalRuns:        agg.TotalCount,
		SuccessfulRuns:   agg.SuccessCount,
		StaleRuns:        agg.StaleCount,
		AverageLatencyMs: agg.AverageLatencyMs,
	}
	if counted := agg.TotalCount - agg.StaleCount; counted > 0 {
		summary.SuccessRate = float64(agg.SuccessCount) / float64(counted)
	}
	return summary
}

package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/cutout/internal/logging"
)

// Run outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeStale     = "stale"
)

// ProcessingRun is the audit row of one segmentation run. It is write-only
// from the workflow's point of view.
type ProcessingRun struct {
	ID         uint      `gorm:"primaryKey"`
	RunID      string    `gorm:"column:run_id;uniqueIndex;size:64"`
	SessionID  string    `gorm:"column:session_id;index;size:64"`
	Generation uint64    `gorm:"column:generation"`
	SourceSHA1 string    `gorm:"column:source_sha1;index;size:40"`
	Outcome    string    `gorm:"column:outcome;size:16"`
	LatencyMs  int64     `gorm:"column:latency_ms"`
	Detail     string    `gorm:"column:detail;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName pins the gorm table name.
func (ProcessingRun) TableName() string {
	return "processing_runs"
}

// RunRepository persists processing runs with gorm.
type RunRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRunRepository wraps an open gorm connection.
func NewRunRepository(db *gorm.DB, logger *zap.Logger) *RunRepository {
	return &RunRepository{
		db:             db,
		logger:         logger.Named("run_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *RunRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ProcessingRun{})
}

// SaveRun inserts one finished run, retrying transient database errors.
func (r *RunRepository) SaveRun(ctx context.Context, run *ProcessingRun) error {
	return r.executeWithRetry(ctx, "repository.save_run", run.RunID, func() error {
		return r.db.WithContext(ctx).Create(run).Error
	})
}

// FindRun loads a run by id. A missing run wraps gorm.ErrRecordNotFound.
func (r *RunRepository) FindRun(ctx context.Context, runID string) (*ProcessingRun, error) {
	var run ProcessingRun
	err := r.executeWithRetry(ctx, "repository.find_run", runID, func() error {
		return r.db.WithContext(ctx).First(&run, "run_id = ?", runID).Error
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// MetricsAggregation is the raw aggregate computed by the database.
type MetricsAggregation struct {
	TotalCount       int64
	SuccessCount     int64
	StaleCount       int64
	AverageLatencyMs float64
}

// AggregateMetrics summarises every recorded run.
func (r *RunRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&ProcessingRun{}).
			Select(
				"COUNT(*) AS total_count, "+
					"COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS success_count, "+
					"COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS stale_count, "+
					"COALESCE(AVG(latency_ms), 0) AS average_latency_ms",
				OutcomeSucceeded, OutcomeStale,
			).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *RunRepository) executeWithRetry(ctx context.Context, operation, id string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, id)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, id, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return logging.NewOperationError(operation, id, err)
		}
		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, id, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, id, err)
}

func isTransientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}

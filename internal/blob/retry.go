package blob

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/cutout/internal/logging"
)

type retryPolicy struct {
	attempts       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{attempts: 3, initialBackoff: 50 * time.Millisecond, maxBackoff: time.Second}
}

// do runs fn until it succeeds, fails permanently or attempts run out.
// Only transient errors are retried.
func (p retryPolicy) do(ctx context.Context, logger *zap.Logger, operation, id string, fn func() error) error {
	if p.attempts <= 1 {
		return logging.NewOperationError(operation, id, fn())
	}

	backoff := p.initialBackoff
	opLogger := logging.WithOperation(logger, operation, id)
	var err error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, id, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= p.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("blob operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == p.attempts-1 {
			if !errors.Is(err, ErrNotFound) {
				opLogger.Error("blob operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, id, err)
		}

		opLogger.Warn("transient blob store error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, id, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}

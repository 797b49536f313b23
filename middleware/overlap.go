package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/job"
	"github.com/drover-io/drover/lock"
)

// WithoutOverlapping returns middleware that prevents two instances of
// the same logical task from executing concurrently. It acquires a
// TTL-guarded lock before the handler runs and releases it afterwards,
// whether the handler succeeded or failed.
//
// If the lock is already held, execution is skipped entirely by
// short-circuiting with drover.ErrOverlapSkipped; the executor resolves
// the job as succeeded without a retry. The TTL bounds how long a crashed
// holder can keep the lock.
func WithoutOverlapping(l lock.Locker, keyFn KeyFunc, ttl time.Duration, logger *slog.Logger) Middleware {
	if keyFn == nil {
		keyFn = ByJobName
	}
	return func(ctx context.Context, j *job.Job, next Handler) error {
		key := "overlap:" + keyFn(j)

		acquired, err := l.Acquire(ctx, key, ttl)
		if err != nil {
			return fmt.Errorf("overlap lock %q: %w", key, err)
		}
		if !acquired {
			logger.Debug("overlapping execution skipped",
				slog.String("job_id", j.ID.String()),
				slog.String("job_name", j.Name),
				slog.String("lock_key", key),
			)
			return fmt.Errorf("lock key %q: %w", key, drover.ErrOverlapSkipped)
		}

		defer func() {
			if releaseErr := l.Release(ctx, key); releaseErr != nil {
				logger.Warn("overlap lock release failed",
					slog.String("lock_key", key),
					slog.String("error", releaseErr.Error()),
				)
			}
		}()

		return next(ctx)
	}
}

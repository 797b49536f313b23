package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/job"
	"github.com/drover-io/drover/limiter"
)

// KeyFunc derives a limiter or lock key from a job.
type KeyFunc func(j *job.Job) string

// ByJobName keys on the job's registered name, so all instances of a job
// type share one window.
func ByJobName(j *job.Job) string { return j.Name }

// ByQueue keys on the job's queue.
func ByQueue(j *job.Job) string { return j.Queue }

// RateLimit returns middleware that enforces a windowed hit limit before
// the handler runs. When the window is exhausted it short-circuits with
// drover.ErrRateLimited; the executor releases the job with a cooldown
// delay and does not count a failed attempt.
//
// A limiter backend error is logged and the job is allowed through: an
// unreachable limiter store must not fabricate job failures.
func RateLimit(l limiter.Limiter, keyFn KeyFunc, maxHits int, window time.Duration, logger *slog.Logger) Middleware {
	if keyFn == nil {
		keyFn = ByJobName
	}
	return func(ctx context.Context, j *job.Job, next Handler) error {
		key := keyFn(j)

		allowed, err := l.Allow(ctx, key, maxHits, window)
		if err != nil {
			logger.Error("rate limiter unavailable, allowing job through",
				slog.String("job_id", j.ID.String()),
				slog.String("limiter_key", key),
				slog.String("error", err.Error()),
			)
			return next(ctx)
		}

		if !allowed {
			logger.Debug("job rate limited",
				slog.String("job_id", j.ID.String()),
				slog.String("job_name", j.Name),
				slog.String("limiter_key", key),
			)
			return fmt.Errorf("limiter key %q: %w", key, drover.ErrRateLimited)
		}

		return next(ctx)
	}
}

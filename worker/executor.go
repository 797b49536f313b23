// Package worker provides the job execution engine — an Executor that
// invokes registered handlers through middleware and resolves the
// outcome (success, retry, dead-letter), and a Pool that manages
// concurrent worker goroutines polling for jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/backoff"
	"github.com/drover-io/drover/dlq"
	"github.com/drover-io/drover/hook"
	"github.com/drover-io/drover/id"
	"github.com/drover-io/drover/job"
	"github.com/drover-io/drover/middleware"
)

// Executor runs a single job through middleware and the registered handler,
// then resolves the outcome: delete on success, release with backoff on a
// retryable failure, dead-letter once attempts are exhausted, and soft
// release or skip for the rate-limit and overlap signals.
type Executor struct {
	registry   *job.Registry
	hooks      *hook.Registry
	store      job.Store
	dlqService *dlq.Service
	backoff    backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger

	// cooldown is the release delay for rate-limited jobs.
	cooldown time.Duration

	// perJob holds middleware chains composed at registration time,
	// keyed by job name. Applied inside the executor-wide chain.
	perJobMu sync.RWMutex
	perJob   map[string]middleware.Middleware
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	hooks *hook.Registry,
	store job.Store,
	dlqService *dlq.Service,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if bo == nil {
		bo = backoff.DefaultStrategy()
	}
	return &Executor{
		registry:   registry,
		hooks:      hooks,
		store:      store,
		dlqService: dlqService,
		backoff:    bo,
		mw:         middleware.Chain(mws...),
		logger:     logger,
		cooldown:   drover.DefaultConfig().RateLimitCooldown,
		perJob:     make(map[string]middleware.Middleware),
	}
}

// SetCooldown sets the release delay applied to rate-limited jobs.
func (e *Executor) SetCooldown(d time.Duration) { e.cooldown = d }

// Use attaches middleware to a specific job name. The chain is composed
// once here and runs inside the executor-wide chain, wrapping only that
// job's handler.
func (e *Executor) Use(jobName string, mws ...middleware.Middleware) {
	e.perJobMu.Lock()
	defer e.perJobMu.Unlock()
	if existing, ok := e.perJob[jobName]; ok {
		mws = append([]middleware.Middleware{existing}, mws...)
	}
	e.perJob[jobName] = middleware.Chain(mws...)
}

// Execute runs a reserved job through the middleware chain and handler.
// On success: emits JobCompleted and deletes the job.
// On a retryable failure: increments Attempts, releases with backoff,
// emits JobRetrying.
// On an exhausted failure: pushes to the DLQ, deletes from the primary
// queue, emits JobFailed + JobDeadLettered.
// On ErrRateLimited: releases with the cooldown delay, Attempts untouched.
// On ErrOverlapSkipped: deletes the job as if it succeeded.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Name)
	if !ok {
		return fmt.Errorf("no handler registered for job %q", j.Name)
	}

	now := time.Now().UTC()
	j.State = job.StateExecuting
	j.StartedAt = &now
	j.Touch(now)
	if err := e.store.UpdateJob(ctx, j); err != nil {
		// The job stays reserved; the reaper will return it to pending
		// after the stale threshold.
		return fmt.Errorf("mark job executing: %w", err)
	}

	e.hooks.EmitJobStarted(ctx, j)

	start := time.Now()

	// The terminal handler that calls the registered job handler.
	terminal := func(ctx context.Context) error {
		return handler(ctx, j.Payload)
	}

	// Run through the executor-wide chain, then the job's own chain.
	err := e.mw(ctx, j, func(ctx context.Context) error {
		e.perJobMu.RLock()
		jmw, ok := e.perJob[j.Name]
		e.perJobMu.RUnlock()
		if ok {
			return jmw(ctx, j, terminal)
		}
		return terminal(ctx)
	})
	elapsed := time.Since(start)

	j.Touch(time.Now().UTC())

	switch {
	case err == nil:
		return e.handleSuccess(ctx, j, elapsed)
	case errors.Is(err, drover.ErrRateLimited):
		return e.handleRateLimited(ctx, j)
	case errors.Is(err, drover.ErrOverlapSkipped):
		return e.handleOverlapSkipped(ctx, j)
	default:
		return e.handleFailure(ctx, j, err)
	}
}

// handleSuccess marks the job succeeded, emits the lifecycle event, and
// removes it from the primary store.
func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	now := time.Now().UTC()
	j.State = job.StateSucceeded
	j.CompletedAt = &now

	e.hooks.EmitJobCompleted(ctx, j, elapsed)

	if err := e.store.DeleteJob(ctx, j.ID); err != nil {
		e.logger.Error("failed to delete job after success",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// handleRateLimited releases the job with the cooldown delay. The attempt
// counter is not incremented: a rate limit is not a failure.
func (e *Executor) handleRateLimited(ctx context.Context, j *job.Job) error {
	if err := e.store.ReleaseJob(ctx, j, e.cooldown); err != nil {
		e.logger.Error("failed to release rate-limited job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.logger.Debug("job released after rate limit",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Duration("cooldown", e.cooldown),
	)
	return nil
}

// handleOverlapSkipped resolves an overlap skip as a success: the job is
// removed without a retry and without touching the attempt counter.
func (e *Executor) handleOverlapSkipped(ctx context.Context, j *job.Job) error {
	if err := e.store.DeleteJob(ctx, j.ID); err != nil {
		e.logger.Error("failed to delete overlap-skipped job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.logger.Info("job skipped, overlapping execution in progress",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
	)
	return nil
}

// handleFailure increments the attempt counter and either retries or
// dead-letters.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, handlerErr error) error {
	j.Attempts++
	j.LastError = handlerErr.Error()

	if j.AttemptsRemaining() {
		return e.scheduleRetry(ctx, j, handlerErr)
	}

	return e.sendToDLQ(ctx, j, handlerErr)
}

// scheduleRetry sets the job to StateRetrying, visible again after the
// backoff delay for this attempt.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job, handlerErr error) error {
	delay := e.strategyFor(j).Delay(j.Attempts)
	nextRunAt := time.Now().UTC().Add(delay)
	j.RunAt = nextRunAt
	j.State = job.StateRetrying
	j.WorkerID = id.Nil
	j.StartedAt = nil
	j.ReservedAt = nil
	j.HeartbeatAt = nil

	if err := e.store.UpdateJob(ctx, j); err != nil {
		e.logger.Error("failed to update job for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.hooks.EmitJobRetrying(ctx, j, j.Attempts, nextRunAt)

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Int("attempt", j.Attempts),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Duration("delay", delay),
	)

	return fmt.Errorf("job %s attempt %d/%d: %w", j.Name, j.Attempts, j.MaxAttempts, handlerErr)
}

// sendToDLQ publishes the failed job to the DLQ and removes it from the
// primary queue.
func (e *Executor) sendToDLQ(ctx context.Context, j *job.Job, handlerErr error) error {
	j.State = job.StateDeadLettered

	if e.dlqService != nil {
		if dlqErr := e.dlqService.Push(ctx, j, handlerErr); dlqErr != nil {
			// Keep the job in the primary store so it is not lost: the
			// reaper will make it reservable again.
			e.logger.Error("failed to push job to DLQ",
				slog.String("job_id", j.ID.String()),
				slog.String("error", dlqErr.Error()),
			)
			return dlqErr
		}
	}

	if err := e.store.DeleteJob(ctx, j.ID); err != nil {
		e.logger.Error("failed to remove dead-lettered job from queue",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.hooks.EmitJobFailed(ctx, j, handlerErr)
	e.hooks.EmitJobDeadLettered(ctx, j, handlerErr)

	e.logger.Warn("job moved to DLQ after exhausting attempts",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Int("attempts", j.Attempts),
		slog.String("error", handlerErr.Error()),
	)

	return handlerErr
}

// strategyFor resolves the job's backoff descriptor, falling back to the
// executor default.
func (e *Executor) strategyFor(j *job.Job) backoff.Strategy {
	if j.Backoff != nil {
		return j.Backoff.Strategy()
	}
	return e.backoff
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/backoff"
	"github.com/drover-io/drover/id"
	"github.com/drover-io/drover/job"
)

const jobColumns = `
	id, name, queue, payload, state, priority, max_attempts, attempts,
	backoff, last_error, worker_id,
	run_at, reserved_at, started_at, completed_at, heartbeat_at,
	timeout, created_at, updated_at`

// PushJob persists a new job in pending state.
func (s *Store) PushJob(ctx context.Context, j *job.Job) error {
	spec, err := backoffValue(j.Backoff)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO drover_jobs (
			id, name, queue, payload, state, priority, max_attempts, attempts,
			backoff, last_error, worker_id,
			run_at, reserved_at, started_at, completed_at, heartbeat_at,
			timeout, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19
		)`,
		j.ID.String(), j.Name, j.Queue, j.Payload, string(j.State),
		j.Priority, j.MaxAttempts, j.Attempts,
		spec, j.LastError, workerValue(j.WorkerID),
		j.RunAt, j.ReservedAt, j.StartedAt, j.CompletedAt, j.HeartbeatAt,
		j.Timeout.Nanoseconds(), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return drover.ErrJobAlreadyExists
		}
		return fmt.Errorf("drover/postgres: push job: %w", err)
	}
	return nil
}

// ReserveJobs atomically claims up to limit runnable jobs from the given
// queues, sets them to reserved for the worker, and returns them. Uses
// SELECT FOR UPDATE SKIP LOCKED so no two workers claim the same job.
func (s *Store) ReserveJobs(ctx context.Context, queues []string, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		WITH reserved AS (
			UPDATE drover_jobs
			SET state = 'reserved', worker_id = $2,
			    reserved_at = NOW(), heartbeat_at = NOW(), updated_at = NOW()
			WHERE id IN (
				SELECT id FROM drover_jobs
				WHERE state IN ('pending', 'retrying')
				  AND queue = ANY($1)
				  AND run_at <= NOW()
				ORDER BY priority DESC, run_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $3
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM reserved ORDER BY priority DESC, run_at ASC`,
		queues, workerID.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("drover/postgres: reserve jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ReleaseJob returns a reserved or executing job to pending, visible
// again after the given delay. The worker claim is cleared.
func (s *Store) ReleaseJob(ctx context.Context, j *job.Job, delay time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE drover_jobs
		SET state = 'pending', worker_id = NULL,
		    reserved_at = NULL, started_at = NULL, heartbeat_at = NULL,
		    run_at = NOW() + $2::interval, updated_at = NOW()
		WHERE id = $1 AND state IN ('reserved', 'executing')`,
		j.ID.String(), delay.String(),
	)
	if err != nil {
		return fmt.Errorf("drover/postgres: release job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetJob(ctx, j.ID); getErr != nil {
			return getErr
		}
		return drover.ErrJobNotReserved
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM drover_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, drover.ErrJobNotFound
		}
		return nil, fmt.Errorf("drover/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	spec, err := backoffValue(j.Backoff)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE drover_jobs SET
			name = $2, queue = $3, payload = $4, state = $5,
			priority = $6, max_attempts = $7, attempts = $8,
			backoff = $9, last_error = $10, worker_id = $11,
			run_at = $12, reserved_at = $13, started_at = $14,
			completed_at = $15, heartbeat_at = $16, timeout = $17,
			updated_at = NOW()
		WHERE id = $1`,
		j.ID.String(), j.Name, j.Queue, j.Payload, string(j.State),
		j.Priority, j.MaxAttempts, j.Attempts,
		spec, j.LastError, workerValue(j.WorkerID),
		j.RunAt, j.ReservedAt, j.StartedAt,
		j.CompletedAt, j.HeartbeatAt, j.Timeout.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("drover/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return drover.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM drover_jobs WHERE id = $1`, jobID.String())
	if err != nil {
		return fmt.Errorf("drover/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return drover.ErrJobNotFound
	}
	return nil
}

// ListJobsByState returns jobs matching the given state.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM drover_jobs WHERE state = $1`
	args := []interface{}{string(state)}
	argIdx := 2

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("drover/postgres: list jobs by state: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// HeartbeatJob updates the heartbeat timestamp for a claimed job. Only
// the worker holding the claim may heartbeat it.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE drover_jobs SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND state IN ('reserved', 'executing')`,
		jobID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("drover/postgres: heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return getErr
		}
		return drover.ErrJobNotReserved
	}
	return nil
}

// ReapStaleJobs returns claimed jobs whose last heartbeat is older than
// the threshold to pending, making them reservable again, and reports
// the reaped jobs.
func (s *Store) ReapStaleJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE drover_jobs
		SET state = 'pending', worker_id = NULL,
		    reserved_at = NULL, started_at = NULL, heartbeat_at = NULL,
		    updated_at = NOW()
		WHERE state IN ('reserved', 'executing')
		  AND heartbeat_at IS NOT NULL
		  AND heartbeat_at < NOW() - $1::interval
		RETURNING `+jobColumns,
		threshold.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("drover/postgres: reap stale jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM drover_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
	}

	var count int64
	err := s.pool.QueryRow(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("drover/postgres: count jobs: %w", err)
	}
	return count, nil
}

// workerValue returns the SQL value for a worker claim column: NULL for
// the nil ID so unclaimed jobs read back as unclaimed.
func workerValue(w id.WorkerID) interface{} {
	if w.IsNil() {
		return nil
	}
	return w.String()
}

// backoffValue serializes a backoff spec for the JSONB column.
func backoffValue(spec *backoff.Spec) (interface{}, error) {
	if spec == nil {
		return nil, nil
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("drover/postgres: marshal backoff spec: %w", err)
	}
	return data, nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j           job.Job
		idStr       string
		stateStr    string
		workerStr   *string
		backoffJSON []byte
		timeoutNs   int64
	)
	err := row.Scan(
		&idStr, &j.Name, &j.Queue, &j.Payload, &stateStr,
		&j.Priority, &j.MaxAttempts, &j.Attempts,
		&backoffJSON, &j.LastError, &workerStr,
		&j.RunAt, &j.ReservedAt, &j.StartedAt, &j.CompletedAt, &j.HeartbeatAt,
		&timeoutNs, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = job.State(stateStr)
	j.Timeout = time.Duration(timeoutNs)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("drover/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if workerStr != nil && *workerStr != "" {
		parsedWorker, workerErr := id.ParseWorkerID(*workerStr)
		if workerErr == nil {
			j.WorkerID = parsedWorker
		}
	}

	if len(backoffJSON) > 0 {
		var spec backoff.Spec
		if unmarshalErr := json.Unmarshal(backoffJSON, &spec); unmarshalErr != nil {
			return nil, fmt.Errorf("drover/postgres: parse backoff spec: %w", unmarshalErr)
		}
		j.Backoff = &spec
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("drover/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("drover/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}

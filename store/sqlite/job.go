package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO drover_jobs (
			id, name, queue, payload, state, priority, max_attempts, attempts,
			backoff, last_error, worker_id,
			run_at, reserved_at, started_at, completed_at, heartbeat_at,
			timeout, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.Name, j.Queue, j.Payload, string(j.State),
		j.Priority, j.MaxAttempts, j.Attempts,
		spec, j.LastError, workerValue(j.WorkerID),
		tsValue(j.RunAt), tsPtr(j.ReservedAt), tsPtr(j.StartedAt),
		tsPtr(j.CompletedAt), tsPtr(j.HeartbeatAt),
		j.Timeout.Nanoseconds(), tsValue(j.CreatedAt), tsValue(j.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return drover.ErrJobAlreadyExists
		}
		return fmt.Errorf("drover/sqlite: push job: %w", err)
	}
	return nil
}

// ReserveJobs atomically claims up to limit runnable jobs from the given
// queues. SQLite serializes writers, so the select-then-update runs in a
// single transaction and no two workers claim the same job.
func (s *Store) ReserveJobs(ctx context.Context, queues []string, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	if len(queues) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("drover/sqlite: reserve begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := time.Now().UTC()
	placeholders := strings.Repeat("?,", len(queues))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, 0, len(queues)+2)
	for _, q := range queues {
		args = append(args, q)
	}
	args = append(args, tsValue(now), limit)

	rows, err := tx.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM drover_jobs
		WHERE state IN ('pending', 'retrying')
		  AND queue IN (`+placeholders+`)
		  AND run_at <= ?
		ORDER BY priority DESC, run_at ASC
		LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("drover/sqlite: reserve select: %w", err)
	}

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, tx.Commit()
	}

	for _, j := range jobs {
		_, err = tx.ExecContext(ctx, `
			UPDATE drover_jobs
			SET state = ?, worker_id = ?, reserved_at = ?, heartbeat_at = ?, updated_at = ?
			WHERE id = ?`,
			string(job.StateReserved), workerID.String(),
			tsValue(now), tsValue(now), tsValue(now), j.ID.String(),
		)
		if err != nil {
			return nil, fmt.Errorf("drover/sqlite: reserve update: %w", err)
		}

		j.State = job.StateReserved
		j.WorkerID = workerID
		reservedAt := now
		heartbeatAt := now
		j.ReservedAt = &reservedAt
		j.HeartbeatAt = &heartbeatAt
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("drover/sqlite: reserve commit: %w", err)
	}
	return jobs, nil
}

// ReleaseJob returns a reserved or executing job to pending, visible
// again after the given delay.
func (s *Store) ReleaseJob(ctx context.Context, j *job.Job, delay time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE drover_jobs
		SET state = 'pending', worker_id = NULL,
		    reserved_at = NULL, started_at = NULL, heartbeat_at = NULL,
		    run_at = ?, updated_at = ?
		WHERE id = ? AND state IN ('reserved', 'executing')`,
		tsValue(now.Add(delay)), tsValue(now), j.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("drover/sqlite: release job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite3 supports RowsAffected
		if _, getErr := s.GetJob(ctx, j.ID); getErr != nil {
			return getErr
		}
		return drover.ErrJobNotReserved
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM drover_jobs WHERE id = ?`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, drover.ErrJobNotFound
		}
		return nil, fmt.Errorf("drover/sqlite: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	spec, err := backoffValue(j.Backoff)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE drover_jobs SET
			name = ?, queue = ?, payload = ?, state = ?,
			priority = ?, max_attempts = ?, attempts = ?,
			backoff = ?, last_error = ?, worker_id = ?,
			run_at = ?, reserved_at = ?, started_at = ?,
			completed_at = ?, heartbeat_at = ?, timeout = ?,
			updated_at = ?
		WHERE id = ?`,
		j.Name, j.Queue, j.Payload, string(j.State),
		j.Priority, j.MaxAttempts, j.Attempts,
		spec, j.LastError, workerValue(j.WorkerID),
		tsValue(j.RunAt), tsPtr(j.ReservedAt), tsPtr(j.StartedAt),
		tsPtr(j.CompletedAt), tsPtr(j.HeartbeatAt), j.Timeout.Nanoseconds(),
		tsValue(time.Now().UTC()), j.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("drover/sqlite: update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite3 supports RowsAffected
		return drover.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM drover_jobs WHERE id = ?`, jobID.String())
	if err != nil {
		return fmt.Errorf("drover/sqlite: delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite3 supports RowsAffected
		return drover.ErrJobNotFound
	}
	return nil
}

// ListJobsByState returns jobs matching the given state.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM drover_jobs WHERE state = ?`
	args := []interface{}{string(state)}

	if opts.Queue != "" {
		query += " AND queue = ?"
		args = append(args, opts.Queue)
	}

	query += " ORDER BY created_at ASC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("drover/sqlite: list jobs by state: %w", err)
	}

	return collectJobs(rows)
}

// HeartbeatJob updates the heartbeat timestamp for a claimed job. Only
// the worker holding the claim may heartbeat it.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE drover_jobs SET heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND worker_id = ? AND state IN ('reserved', 'executing')`,
		tsValue(now), tsValue(now), jobID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("drover/sqlite: heartbeat job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite3 supports RowsAffected
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
	now := time.Now().UTC()
	cutoff := now.Add(-threshold)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("drover/sqlite: reap begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM drover_jobs
		WHERE state IN ('reserved', 'executing')
		  AND heartbeat_at IS NOT NULL
		  AND heartbeat_at < ?`,
		tsValue(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("drover/sqlite: reap select: %w", err)
	}

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, tx.Commit()
	}

	for _, j := range jobs {
		_, err = tx.ExecContext(ctx, `
			UPDATE drover_jobs
			SET state = 'pending', worker_id = NULL,
			    reserved_at = NULL, started_at = NULL, heartbeat_at = NULL,
			    updated_at = ?
			WHERE id = ?`,
			tsValue(now), j.ID.String(),
		)
		if err != nil {
			return nil, fmt.Errorf("drover/sqlite: reap reset: %w", err)
		}

		j.State = job.StatePending
		j.WorkerID = id.Nil
		j.ReservedAt = nil
		j.StartedAt = nil
		j.HeartbeatAt = nil
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("drover/sqlite: reap commit: %w", err)
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM drover_jobs WHERE 1=1`
	args := []interface{}{}

	if opts.Queue != "" {
		query += " AND queue = ?"
		args = append(args, opts.Queue)
	}
	if opts.State != "" {
		query += " AND state = ?"
		args = append(args, string(opts.State))
	}

	var count int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("drover/sqlite: count jobs: %w", err)
	}
	return count, nil
}

// ── helpers ──

// tsValue stores a timestamp as unix nanoseconds. Integer timestamps
// compare correctly in SQL, which RFC3339 strings with variable
// fractional digits do not.
func tsValue(t time.Time) int64 { return t.UnixNano() }

func tsPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromTS(ns int64) time.Time { return time.Unix(0, ns).UTC() }

func workerValue(w id.WorkerID) interface{} {
	if w.IsNil() {
		return nil
	}
	return w.String()
}

func backoffValue(spec *backoff.Spec) (interface{}, error) {
	if spec == nil {
		return nil, nil
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("drover/sqlite: marshal backoff spec: %w", err)
	}
	return string(data), nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j           job.Job
		idStr       string
		stateStr    string
		workerStr   sql.NullString
		backoffStr  sql.NullString
		runAt       int64
		reservedAt  sql.NullInt64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		heartbeatAt sql.NullInt64
		timeoutNs   int64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(
		&idStr, &j.Name, &j.Queue, &j.Payload, &stateStr,
		&j.Priority, &j.MaxAttempts, &j.Attempts,
		&backoffStr, &j.LastError, &workerStr,
		&runAt, &reservedAt, &startedAt, &completedAt, &heartbeatAt,
		&timeoutNs, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = job.State(stateStr)
	j.Timeout = time.Duration(timeoutNs)
	j.RunAt = fromTS(runAt)
	j.CreatedAt = fromTS(createdAt)
	j.UpdatedAt = fromTS(updatedAt)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("drover/sqlite: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if workerStr.Valid && workerStr.String != "" {
		parsedWorker, workerErr := id.ParseWorkerID(workerStr.String)
		if workerErr == nil {
			j.WorkerID = parsedWorker
		}
	}
	if backoffStr.Valid && backoffStr.String != "" {
		var spec backoff.Spec
		if unmarshalErr := json.Unmarshal([]byte(backoffStr.String), &spec); unmarshalErr == nil {
			j.Backoff = &spec
		}
	}
	if reservedAt.Valid {
		t := fromTS(reservedAt.Int64)
		j.ReservedAt = &t
	}
	if startedAt.Valid {
		t := fromTS(startedAt.Int64)
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := fromTS(completedAt.Int64)
		j.CompletedAt = &t
	}
	if heartbeatAt.Valid {
		t := fromTS(heartbeatAt.Int64)
		j.HeartbeatAt = &t
	}

	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*job.Job, error) {
	defer rows.Close() //nolint:errcheck // read-only cursor

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("drover/sqlite: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("drover/sqlite: iterate job rows: %w", err)
	}
	return jobs, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/dlq"
	"github.com/drover-io/drover/id"
)

const dlqColumns = `
	id, job_id, job_name, queue, payload, error,
	attempts, max_attempts, failed_at, replayed_at, created_at`

// PushDLQ adds a failed job entry to the dead letter queue.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drover_dlq (
			id, job_id, job_name, queue, payload, error,
			attempts, max_attempts, failed_at, replayed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.JobID.String(), entry.JobName,
		entry.Queue, entry.Payload, entry.Error,
		entry.Attempts, entry.MaxAttempts,
		tsValue(entry.FailedAt), tsPtr(entry.ReplayedAt), tsValue(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("drover/sqlite: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries matching the given options.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT ` + dlqColumns + ` FROM drover_dlq WHERE 1=1`
	args := []interface{}{}

	if opts.Queue != "" {
		query += " AND queue = ?"
		args = append(args, opts.Queue)
	}

	query += " ORDER BY failed_at ASC"

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
		return nil, fmt.Errorf("drover/sqlite: list dlq: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var entries []*dlq.Entry
	for rows.Next() {
		e, scanErr := scanDLQ(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("drover/sqlite: scan dlq row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("drover/sqlite: iterate dlq rows: %w", err)
	}
	return entries, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+dlqColumns+` FROM drover_dlq WHERE id = ?`,
		entryID.String(),
	)

	e, err := scanDLQ(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, drover.ErrDLQNotFound
		}
		return nil, fmt.Errorf("drover/sqlite: get dlq: %w", err)
	}
	return e, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE drover_dlq SET replayed_at = ? WHERE id = ?`,
		tsValue(time.Now().UTC()), entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("drover/sqlite: replay dlq: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite3 supports RowsAffected
		return drover.ErrDLQNotFound
	}
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
// Returns the number of entries removed.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM drover_dlq WHERE failed_at < ?`,
		tsValue(before),
	)
	if err != nil {
		return 0, fmt.Errorf("drover/sqlite: purge dlq: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("drover/sqlite: purge dlq rows affected: %w", err)
	}
	return n, nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM drover_dlq`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("drover/sqlite: count dlq: %w", err)
	}
	return count, nil
}

// scanDLQ scans a single DLQ entry row.
func scanDLQ(row scanner) (*dlq.Entry, error) {
	var (
		e          dlq.Entry
		idStr      string
		jobIDStr   string
		failedAt   int64
		replayedAt sql.NullInt64
		createdAt  int64
	)
	err := row.Scan(
		&idStr, &jobIDStr, &e.JobName, &e.Queue, &e.Payload, &e.Error,
		&e.Attempts, &e.MaxAttempts, &failedAt, &replayedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	e.FailedAt = fromTS(failedAt)
	e.CreatedAt = fromTS(createdAt)
	if replayedAt.Valid {
		t := fromTS(replayedAt.Int64)
		e.ReplayedAt = &t
	}

	parsedID, parseErr := id.ParseDLQID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("drover/sqlite: parse dlq id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	parsedJobID, jobParseErr := id.ParseJobID(jobIDStr)
	if jobParseErr != nil {
		return nil, fmt.Errorf("drover/sqlite: parse job id %q: %w", jobIDStr, jobParseErr)
	}
	e.JobID = parsedJobID

	return &e, nil
}

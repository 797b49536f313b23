package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/drover-io/drover/dlq"
	"github.com/drover-io/drover/job"
)

// Compile-time interface checks.
var (
	_ job.Store = (*Store)(nil)
	_ dlq.Store = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS drover_jobs (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	queue         TEXT NOT NULL DEFAULT 'default',
	payload       BLOB NOT NULL,
	state         TEXT NOT NULL DEFAULT 'pending',
	priority      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 3,
	attempts      INTEGER NOT NULL DEFAULT 0,
	backoff       TEXT,
	last_error    TEXT NOT NULL DEFAULT '',
	worker_id     TEXT,
	run_at        INTEGER NOT NULL,
	reserved_at   INTEGER,
	started_at    INTEGER,
	completed_at  INTEGER,
	heartbeat_at  INTEGER,
	timeout       INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_drover_jobs_reserve
	ON drover_jobs (queue, priority DESC, run_at ASC);

CREATE INDEX IF NOT EXISTS idx_drover_jobs_state
	ON drover_jobs (state);

CREATE TABLE IF NOT EXISTS drover_dlq (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL,
	job_name      TEXT NOT NULL,
	queue         TEXT NOT NULL,
	payload       BLOB NOT NULL,
	error         TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 0,
	failed_at     INTEGER NOT NULL,
	replayed_at   INTEGER,
	created_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_drover_dlq_failed_at
	ON drover_dlq (failed_at ASC);
`

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is a SQLite implementation of store.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (or creates) a SQLite database at the given path. WAL mode
// is enabled so reads do not block the single writer, and transactions
// start immediate so concurrent reservers queue on the write lock
// instead of failing with a busy snapshot.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("drover/sqlite: open: %w", err)
	}

	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// NewFromDB wraps an existing *sql.DB with a sqlite3 driver.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("drover/sqlite: migrate: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB { return s.db }

// Package store defines the aggregate persistence interface. The job and
// dlq subsystems each define their own store interface; the composite
// Store composes them. Backends: Postgres, SQLite, Redis, and Memory.
package store

import (
	"context"

	"github.com/drover-io/drover/dlq"
	"github.com/drover-io/drover/job"
)

// Store is the aggregate persistence interface. A single backend
// (postgres, sqlite, redis, memory) implements all subsystem stores.
type Store interface {
	job.Store
	dlq.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}

// Package lock provides the mutex used by the overlap guard to prevent
// concurrent execution of the same logical task.
//
// The memory implementation is process-local. When multiple worker
// processes coordinate on the same lock key, use the Redis implementation
// so the lock is shared.
package lock

import (
	"context"
	"time"
)

// Locker is a TTL-guarded mutual exclusion primitive. The TTL bounds how
// long a crashed holder can leak a lock.
type Locker interface {
	// Acquire attempts to take the lock for key. Returns false without
	// error if another holder owns it. The lock expires after ttl if
	// not released.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release frees the lock for key. Releasing a lock this process does
	// not hold is a no-op.
	Release(ctx context.Context, key string) error
}

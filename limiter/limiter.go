// Package limiter provides windowed rate limiting for job execution.
//
// The memory implementation is process-local. When multiple worker
// processes coordinate on the same limiter key, use the Redis
// implementation so the window is shared.
package limiter

import (
	"context"
	"time"
)

// Limiter caps the number of operations permitted for a key within a
// time window. The window opens on the first hit and expires after the
// configured duration; the count resets on expiry.
type Limiter interface {
	// Allow records a hit for key and reports whether it falls within
	// the permitted max for the window. The first call for a key opens
	// its window.
	Allow(ctx context.Context, key string, maxHits int, window time.Duration) (bool, error)
}

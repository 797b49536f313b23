package limiter

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// allowScript counts a hit and opens the window atomically. Returns the
// hit count for the current window.
var allowScript = goredis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return hits
`)

const redisKeyPrefix = "drover:limiter:"

// Redis is a fixed-window limiter backed by a shared Redis instance.
// Use it when multiple worker processes enforce the same limiter key.
type Redis struct {
	client goredis.UniversalClient
}

// NewRedis creates a Redis-backed limiter.
func NewRedis(client goredis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Allow implements Limiter using INCR + PEXPIRE under a single script so
// the window open and the hit count are atomic across processes.
func (r *Redis) Allow(ctx context.Context, key string, maxHits int, window time.Duration) (bool, error) {
	hits, err := allowScript.Run(ctx, r.client,
		[]string{redisKeyPrefix + key},
		window.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("drover/limiter: allow %q: %w", key, err)
	}
	return hits <= int64(maxHits), nil
}

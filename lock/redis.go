package lock

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/drover-io/drover/id"
)

const redisKeyPrefix = "drover:lock:"

// releaseScript deletes the lock only if this process still holds it,
// so a holder whose lock expired cannot delete a successor's lock.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by a shared Redis instance, for coordinating
// overlap guards across worker processes. Each Redis locker instance uses
// a unique token so Release only frees locks it acquired.
type Redis struct {
	client goredis.UniversalClient
	token  string
}

// NewRedis creates a Redis-backed locker.
func NewRedis(client goredis.UniversalClient) *Redis {
	return &Redis{
		client: client,
		token:  id.NewWorkerID().String(),
	}
}

// Acquire implements Locker using SET NX with a TTL.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+key, r.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("drover/lock: acquire %q: %w", key, err)
	}
	return ok, nil
}

// Release implements Locker. Only a lock holding this instance's token is
// deleted.
func (r *Redis) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, r.client, []string{redisKeyPrefix + key}, r.token).Err(); err != nil && err != goredis.Nil {
		return fmt.Errorf("drover/lock: release %q: %w", key, err)
	}
	return nil
}

// internal/alert/lease/redis.go
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs leases with a single key per job name. Redis's own TTL is
// the store clock: an expired lease is simply gone, so SET NX is the whole
// insert-or-overwrite-if-expired condition. Renew and Release compare the
// holder identity server-side via Lua so the check and the write are atomic.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func leaseKey(jobName string) string {
	return "lease:" + jobName
}

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (s *RedisStore) TryAcquire(ctx context.Context, jobName, identity string, ttl time.Duration) (bool, error) {
	key := leaseKey(jobName)

	ok, err := s.client.SetNX(ctx, key, identity, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease setnx: %w", err)
	}
	if ok {
		return true, nil
	}

	// Re-read to resolve the race where the holder's key expired between our
	// SETNX and now; identities are fresh per attempt, so a match means our
	// write landed.
	holder, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lease re-read: %w", err)
	}
	return holder == identity, nil
}

func (s *RedisStore) Renew(ctx context.Context, jobName, identity string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, s.client, []string{leaseKey(jobName)}, identity, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("lease renew: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, jobName, identity string) error {
	if err := releaseScript.Run(ctx, s.client, []string{leaseKey(jobName)}, identity).Err(); err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}

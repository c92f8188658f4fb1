package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lease:session:"

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis keeps leases as expiring keys holding the owner's instance id.
// Only the owner can extend or delete its key.
type Redis struct {
	rdb   *redis.Client
	owner string
	ttl   time.Duration
}

func NewRedis(rdb *redis.Client, owner string, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, owner: owner, ttl: ttl}
}

func (r *Redis) Owner() string {
	return r.owner
}

// Acquire takes a free lease or extends one this instance already holds.
func (r *Redis) Acquire(ctx context.Context, id string) error {
	ok, err := r.rdb.SetNX(ctx, key(id), r.owner, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("error acquiring lease for %s: %w", id, err)
	}
	if ok {
		return nil
	}

	if err := r.Refresh(ctx, id); err != nil {
		if errors.Is(err, ErrNotHeld) {
			return ErrHeld
		}
		return err
	}
	return nil
}

func (r *Redis) Refresh(ctx context.Context, id string) error {
	n, err := refreshScript.Run(ctx, r.rdb, []string{key(id)}, r.owner, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("error refreshing lease for %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, id string) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{key(id)}, r.owner).Err(); err != nil {
		return fmt.Errorf("error releasing lease for %s: %w", id, err)
	}
	return nil
}

func (r *Redis) Holder(ctx context.Context, id string) (string, error) {
	owner, err := r.rdb.Get(ctx, key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("error reading lease for %s: %w", id, err)
	}
	return owner, nil
}

func key(id string) string {
	return keyPrefix + id
}

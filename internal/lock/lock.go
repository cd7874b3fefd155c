// Package lock serializes copy initiation for a snapshot across concurrent
// invocations.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

var ErrLocked = errors.New("lock is held by another invocation")

// UnlockFunc releases a lock obtained from a Locker.
type UnlockFunc func(ctx context.Context) error

type Locker interface {
	// Lock acquires key or fails with ErrLocked without waiting.
	Lock(ctx context.Context, key string) (UnlockFunc, error)
}

// Noop grants every lock. It is used when no lock server is configured and
// the single-invocation operating model is assumed.
type Noop struct{}

func (Noop) Lock(context.Context, string) (UnlockFunc, error) {
	return func(context.Context) error { return nil }, nil
}

var unlockScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis holds locks as expiring keys so a crashed invocation cannot block
// a snapshot forever.
type Redis struct {
	rdb    *goredis.Client
	ttl    time.Duration
	prefix string
}

func NewRedis(addr string, ttl time.Duration) (*Redis, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Redis{rdb: rdb, ttl: ttl, prefix: "snapcopy:lock:"}, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (UnlockFunc, error) {
	k := r.prefix + key
	token := uuid.NewString()

	ok, err := r.rdb.SetNX(ctx, k, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrLocked)
	}

	return func(ctx context.Context) error {
		if err := unlockScript.Run(ctx, r.rdb, []string{k}, token).Err(); err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		return nil
	}, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

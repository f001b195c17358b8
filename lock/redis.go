package lock

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Redis is a Locker backed by redislock. Names are prefixed with "lock:".
type Redis struct {
	client *redislock.Client
}

func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{client: redislock.New(rdb)}
}

func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	l, err := r.client.Obtain(ctx, "lock:"+name, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotAcquired
	}
	if err != nil {
		return nil, err
	}
	return redisLock{l}, nil
}

type redisLock struct {
	l *redislock.Lock
}

// Release ignores ErrLockNotHeld: the TTL already freed it.
func (rl redisLock) Release(ctx context.Context) error {
	err := rl.l.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

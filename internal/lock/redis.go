package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

// unlockLua deletes the lock key only if it still holds the caller's token,
// so an expired holder cannot release someone else's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

var errHeld = errors.New("lock held")

// RedisLocker implements Locker with SET NX plus a TTL. Contended locks are
// polled until the context ends.
type RedisLocker struct {
	rdb      *redis.Client
	ttl      time.Duration
	poll     time.Duration
	unlockSc *redis.Script
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed
// holder can block others; poll is the base retry interval.
func NewRedisLocker(rdb *redis.Client, ttl, poll time.Duration) *RedisLocker {
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	return &RedisLocker{
		rdb:      rdb,
		ttl:      ttl,
		poll:     poll,
		unlockSc: redis.NewScript(unlockLua),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	lk := lockKey(key)

	backoff := retry.WithJitterPercent(20, retry.WithCappedDuration(20*l.poll, retry.NewExponential(l.poll)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := l.rdb.SetNX(ctx, lk, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if !ok {
			return retry.RetryableError(errHeld)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrTimeout, key, ctx.Err())
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Background context: the caller's may already be done.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err(); err != nil {
				slog.Warn("redis unlock failed", "key", key, "err", err)
			}
		})
	}, nil
}

var (
	_ Locker = (*KeyedMutex)(nil)
	_ Locker = (*RedisLocker)(nil)
)

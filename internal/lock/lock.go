// Package lock serializes work per key. KeyedMutex is process-local;
// RedisLocker extends the guarantee across instances sharing a Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrTimeout is returned when the context ends before the lock is acquired.
var ErrTimeout = errors.New("lock: timed out waiting for lock")

// Locker acquires an exclusive lock on key. The returned unlock func is
// safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker with one mutex per key. Entries are
// dropped once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyed
}

type keyed struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyed)}
}

func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	k, ok := m.locks[key]
	if !ok {
		k = &keyed{sem: make(chan struct{}, 1)}
		m.locks[key] = k
	}
	k.refs++
	m.mu.Unlock()

	select {
	case k.sem <- struct{}{}:
	case <-ctx.Done():
		m.release(key, k)
		return nil, fmt.Errorf("%w %q: %w", ErrTimeout, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.sem
			m.release(key, k)
		})
	}, nil
}

func (m *KeyedMutex) release(key string, k *keyed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(m.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/character-exchange/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for character reads. Writes go to the primary store and invalidate
// the cache. Ledger and account calls pass straight through.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

func (s *CachedStore) CreateCharacter(ctx context.Context, c *model.Character) error {
	if err := s.Store.CreateCharacter(ctx, c); err != nil {
		return err
	}
	s.cacheCharacter(ctx, c)
	return nil
}

func (s *CachedStore) UpdateCharacter(ctx context.Context, id string, fn func(c *model.Character) error) (*model.Character, error) {
	c, err := s.Store.UpdateCharacter(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	// Invalidate; next read re-populates.
	if err := s.rdb.Del(ctx, characterKey(id)).Err(); err != nil {
		slog.Warn("cache invalidate failed", "key", characterKey(id), "err", err)
	}
	return c, nil
}

func (s *CachedStore) GetCharacter(ctx context.Context, id string) (*model.Character, error) {
	data, err := s.rdb.Get(ctx, characterKey(id)).Bytes()
	if err == nil {
		var c model.Character
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.Store.GetCharacter(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheCharacter(ctx, c)
	return c, nil
}

// Uncached returns the primary store, for reads that must not see stale data.
func (s *CachedStore) Uncached() Store {
	return s.Store
}

func (s *CachedStore) cacheCharacter(ctx context.Context, c *model.Character) {
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, characterKey(c.ID), data, s.ttl)
	}
}

func characterKey(id string) string { return fmt.Sprintf("character:%s", id) }

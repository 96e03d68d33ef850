package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sharedcode/uow"
)

const (
	DefaultL2Capacity       = 100000
	defaultUniqueKeysFactor = 4
)

// L2InMemoryCache is an in-process shared snapshot cache. Snapshots are copied on the way in
// and out so callers never share mutable state with the cache.
type L2InMemoryCache struct {
	snapshots *expirable.LRU[uow.Identity, *uow.Snapshot]
	uniques   Cache[uow.UniqueKey, uow.Identity]
}

// NewL2InMemoryCache creates an in-memory L2 cache. A zero ttl keeps entries until evicted by capacity.
func NewL2InMemoryCache(capacity int, ttl time.Duration) *L2InMemoryCache {
	if capacity <= 0 {
		capacity = DefaultL2Capacity
	}
	uk := capacity / defaultUniqueKeysFactor
	if uk < 1 {
		uk = 1
	}
	return &L2InMemoryCache{
		snapshots: expirable.NewLRU[uow.Identity, *uow.Snapshot](capacity, nil, ttl),
		uniques:   NewSynchronizedCache[uow.UniqueKey, uow.Identity](uk, uk, nil),
	}
}

func init() {
	uow.RegisterL2Cache(uow.InMemory, func(config uow.L2CacheConfig) (uow.L2Cache, error) {
		return NewL2InMemoryCache(config.Capacity, config.TTL), nil
	})
}

func (c *L2InMemoryCache) Get(ctx context.Context, id uow.Identity) (*uow.Snapshot, error) {
	if s, ok := c.snapshots.Get(id); ok {
		return s.Copy(), nil
	}
	return nil, nil
}

func (c *L2InMemoryCache) GetAll(ctx context.Context, ids []uow.Identity) ([]*uow.Snapshot, error) {
	r := make([]*uow.Snapshot, len(ids))
	for i := range ids {
		r[i], _ = c.Get(ctx, ids[i])
	}
	return r, nil
}

func (c *L2InMemoryCache) Put(ctx context.Context, s *uow.Snapshot) error {
	if s == nil {
		return nil
	}
	c.snapshots.Add(s.ID, s.Copy())
	return nil
}

func (c *L2InMemoryCache) PutAll(ctx context.Context, ss []*uow.Snapshot) error {
	for _, s := range ss {
		if err := c.Put(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (c *L2InMemoryCache) Evict(ctx context.Context, id uow.Identity) error {
	c.snapshots.Remove(id)
	return nil
}

func (c *L2InMemoryCache) EvictAll(ctx context.Context, ids []uow.Identity) error {
	for _, id := range ids {
		c.snapshots.Remove(id)
	}
	return nil
}

func (c *L2InMemoryCache) GetUnique(ctx context.Context, key uow.UniqueKey) (uow.Identity, bool, error) {
	id, ok := c.uniques.Peek(key)
	if !ok {
		return uow.Identity{}, false, nil
	}
	c.uniques.Get([]uow.UniqueKey{key})
	return id, true, nil
}

func (c *L2InMemoryCache) PutUnique(ctx context.Context, key uow.UniqueKey, id uow.Identity) error {
	c.uniques.Set([]uow.KeyValuePair[uow.UniqueKey, uow.Identity]{{Key: key, Value: id}})
	return nil
}

func (c *L2InMemoryCache) PutUniqueAll(ctx context.Context, keys map[uow.UniqueKey]uow.Identity) error {
	items := make([]uow.KeyValuePair[uow.UniqueKey, uow.Identity], 0, len(keys))
	for k, id := range keys {
		items = append(items, uow.KeyValuePair[uow.UniqueKey, uow.Identity]{Key: k, Value: id})
	}
	c.uniques.Set(items)
	return nil
}

func (c *L2InMemoryCache) EvictUnique(ctx context.Context, key uow.UniqueKey) error {
	c.uniques.Delete([]uow.UniqueKey{key})
	return nil
}

func (c *L2InMemoryCache) Clear(ctx context.Context) error {
	c.snapshots.Purge()
	c.uniques.Clear()
	return nil
}

// Len returns the number of cached snapshots.
func (c *L2InMemoryCache) Len() int {
	return c.snapshots.Len()
}

// Package redis implements the shared (L2) snapshot cache on Redis.
package redis

import (
	"context"
	"fmt"
	log "log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/uow"
)

const (
	objectKeyPrefix = "uow:o:"
	uniqueKeyPrefix = "uow:u:"
)

// commander is the subset of the go-redis client used by the cache.
type commander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	FlushDB(ctx context.Context) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// L2Cache stores msgpack encoded snapshots under "uow:o:<class>:<key>" and unique keys under
// "uow:u:<class>.<name>=<value>".
type L2Cache struct {
	cmd commander
	ttl time.Duration
}

// NewL2Cache returns a cache over an open connection. Zero ttl keeps entries without expiry.
func NewL2Cache(conn *Connection, ttl time.Duration) (*L2Cache, error) {
	if conn == nil || conn.Client == nil {
		return nil, fmt.Errorf("redis connection is not open, can't create L2 cache")
	}
	return &L2Cache{cmd: conn.Client, ttl: ttl}, nil
}

func init() {
	uow.RegisterL2Cache(uow.Redis, func(config uow.L2CacheConfig) (uow.L2Cache, error) {
		o, err := OptionsFromConfig(config.RedisConfig)
		if err != nil {
			return nil, err
		}
		conn, err := OpenConnection(context.Background(), o)
		if err != nil {
			return nil, err
		}
		return NewL2Cache(conn, config.TTL)
	})
}

func objectKey(id uow.Identity) string {
	return objectKeyPrefix + id.Class + ":" + id.Key
}

func uniqueKey(k uow.UniqueKey) string {
	return uniqueKeyPrefix + k.String()
}

// keyNotFound will detect whether error signifies key not found by Redis.
func keyNotFound(err error) bool {
	return err == redis.Nil
}

// Ping tests connectivity with the server.
func (c *L2Cache) Ping(ctx context.Context) error {
	return c.cmd.Ping(ctx).Err()
}

func (c *L2Cache) Get(ctx context.Context, id uow.Identity) (*uow.Snapshot, error) {
	ba, err := c.cmd.Get(ctx, objectKey(id)).Bytes()
	if err != nil {
		if keyNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return uow.UnmarshalSnapshot(ba)
}

func (c *L2Cache) GetAll(ctx context.Context, ids []uow.Identity) ([]*uow.Snapshot, error) {
	r := make([]*uow.Snapshot, len(ids))
	if len(ids) == 0 {
		return r, nil
	}
	keys := make([]string, len(ids))
	for i := range ids {
		keys[i] = objectKey(ids[i])
	}
	vals, err := c.cmd.MGet(ctx, keys...).Result()
	if err != nil {
		return r, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		snap, err := uow.UnmarshalSnapshot([]byte(s))
		if err != nil {
			log.Warn(fmt.Sprintf("dropping undecodable snapshot %s, details: %v", keys[i], err))
			continue
		}
		r[i] = snap
	}
	return r, nil
}

func (c *L2Cache) Put(ctx context.Context, s *uow.Snapshot) error {
	ba, err := uow.MarshalSnapshot(s)
	if err != nil {
		return err
	}
	return c.cmd.Set(ctx, objectKey(s.ID), ba, c.ttl).Err()
}

// PutAll writes the snapshots in a single pipeline when talking to a real client.
func (c *L2Cache) PutAll(ctx context.Context, ss []*uow.Snapshot) error {
	payloads := make(map[string][]byte, len(ss))
	for _, s := range ss {
		ba, err := uow.MarshalSnapshot(s)
		if err != nil {
			return err
		}
		payloads[objectKey(s.ID)] = ba
	}
	if p, ok := c.cmd.(redis.Cmdable); ok {
		_, err := p.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for k, ba := range payloads {
				pipe.Set(ctx, k, ba, c.ttl)
			}
			return nil
		})
		return err
	}
	for k, ba := range payloads {
		if err := c.cmd.Set(ctx, k, ba, c.ttl).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (c *L2Cache) Evict(ctx context.Context, id uow.Identity) error {
	return c.EvictAll(ctx, []uow.Identity{id})
}

func (c *L2Cache) EvictAll(ctx context.Context, ids []uow.Identity) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i := range ids {
		keys[i] = objectKey(ids[i])
	}
	if err := c.cmd.Del(ctx, keys...).Err(); err != nil && !keyNotFound(err) {
		return err
	}
	return nil
}

func (c *L2Cache) GetUnique(ctx context.Context, key uow.UniqueKey) (uow.Identity, bool, error) {
	s, err := c.cmd.Get(ctx, uniqueKey(key)).Result()
	if err != nil {
		if keyNotFound(err) {
			return uow.Identity{}, false, nil
		}
		return uow.Identity{}, false, err
	}
	class, k, found := strings.Cut(s, "\n")
	if !found {
		return uow.Identity{}, false, nil
	}
	return uow.Identity{Class: class, Key: k}, true, nil
}

func (c *L2Cache) PutUnique(ctx context.Context, key uow.UniqueKey, id uow.Identity) error {
	return c.cmd.Set(ctx, uniqueKey(key), id.Class+"\n"+id.Key, c.ttl).Err()
}

func (c *L2Cache) PutUniqueAll(ctx context.Context, keys map[uow.UniqueKey]uow.Identity) error {
	for k, id := range keys {
		if err := c.PutUnique(ctx, k, id); err != nil {
			return err
		}
	}
	return nil
}

func (c *L2Cache) EvictUnique(ctx context.Context, key uow.UniqueKey) error {
	if err := c.cmd.Del(ctx, uniqueKey(key)).Err(); err != nil && !keyNotFound(err) {
		return err
	}
	return nil
}

// Clear flushes the Redis DB. Be cautious calling this as it clears every key of the DB.
func (c *L2Cache) Clear(ctx context.Context) error {
	return c.cmd.FlushDB(ctx).Err()
}

package redis

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// mockRedis is an in-memory commander. Expiration is ignored.
type mockRedis struct {
	lock   sync.Mutex
	lookup map[string][]byte
}

// NewMockL2Cache returns an L2Cache over an in-memory fake of the Redis commands it uses.
func NewMockL2Cache() *L2Cache {
	return &L2Cache{cmd: &mockRedis{lookup: make(map[string][]byte)}}
}

func (m *mockRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	m.lock.Lock()
	defer m.lock.Unlock()
	ba, ok := m.lookup[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(ba), nil)
}

func (m *mockRedis) MGet(ctx context.Context, keys ...string) *redis.SliceCmd {
	m.lock.Lock()
	defer m.lock.Unlock()
	r := make([]any, len(keys))
	for i, k := range keys {
		if ba, ok := m.lookup[k]; ok {
			r[i] = string(ba)
		}
	}
	return redis.NewSliceResult(r, nil)
}

func (m *mockRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	m.lock.Lock()
	defer m.lock.Unlock()
	switch v := value.(type) {
	case []byte:
		m.lookup[key] = append([]byte(nil), v...)
	case string:
		m.lookup[key] = []byte(v)
	}
	return redis.NewStatusResult("OK", nil)
}

func (m *mockRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	m.lock.Lock()
	defer m.lock.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.lookup[k]; ok {
			delete(m.lookup, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (m *mockRedis) FlushDB(ctx context.Context) *redis.StatusCmd {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.lookup = make(map[string][]byte)
	return redis.NewStatusResult("OK", nil)
}

func (m *mockRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

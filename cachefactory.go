package uow

import (
	"fmt"
	"sync"
)

// L2CacheFactory creates an L2 cache from config.
type L2CacheFactory func(config L2CacheConfig) (L2Cache, error)

var (
	factoryLock   sync.RWMutex
	cacheRegistry = make(map[L2CacheType]L2CacheFactory)
)

// RegisterL2Cache registers a factory for a cache type. Cache packages call it from init.
func RegisterL2Cache(t L2CacheType, f L2CacheFactory) {
	factoryLock.Lock()
	defer factoryLock.Unlock()
	cacheRegistry[t] = f
}

// NewL2Cache creates an L2 cache using the factory registered for config.Type.
func NewL2Cache(config L2CacheConfig) (L2Cache, error) {
	factoryLock.RLock()
	f, ok := cacheRegistry[config.Type]
	factoryLock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no L2 cache registered for type %d", config.Type)
	}
	return f(config)
}

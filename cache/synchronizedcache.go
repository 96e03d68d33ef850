package cache

import (
	"sync"

	"github.com/sharedcode/uow"
)

// syncCache wraps a Cache with a mutex. Eviction listeners run while the lock is held.
type syncCache[TK comparable, TV any] struct {
	inner  Cache[TK, TV]
	locker sync.Mutex
}

// NewSynchronizedCache returns a Cache safe for concurrent use.
func NewSynchronizedCache[TK comparable, TV any](minCapacity, maxCapacity int, onEvict EvictionListener[TK, TV]) Cache[TK, TV] {
	return &syncCache[TK, TV]{
		inner: NewCache(minCapacity, maxCapacity, onEvict),
	}
}

func (sc *syncCache[TK, TV]) Set(items []uow.KeyValuePair[TK, TV]) {
	sc.locker.Lock()
	defer sc.locker.Unlock()
	sc.inner.Set(items)
}

func (sc *syncCache[TK, TV]) Get(keys []TK) []TV {
	sc.locker.Lock()
	defer sc.locker.Unlock()
	return sc.inner.Get(keys)
}

func (sc *syncCache[TK, TV]) Peek(key TK) (TV, bool) {
	sc.locker.Lock()
	defer sc.locker.Unlock()
	return sc.inner.Peek(key)
}

func (sc *syncCache[TK, TV]) Delete(keys []TK) {
	sc.locker.Lock()
	defer sc.locker.Unlock()
	sc.inner.Delete(keys)
}

func (sc *syncCache[TK, TV]) Keys() []TK {
	sc.locker.Lock()
	defer sc.locker.Unlock()
	return sc.inner.Keys()
}

func (sc *syncCache[TK, TV]) Clear() {
	sc.locker.Lock()
	defer sc.locker.Unlock()
	sc.inner.Clear()
}

func (sc *syncCache[TK, TV]) Count() int {
	sc.locker.Lock()
	defer sc.locker.Unlock()
	return sc.inner.Count()
}

func (sc *syncCache[TK, TV]) IsFull() bool {
	sc.locker.Lock()
	defer sc.locker.Unlock()
	return sc.inner.IsFull()
}

func (sc *syncCache[TK, TV]) Evict() {
	sc.locker.Lock()
	defer sc.locker.Unlock()
	sc.inner.Evict()
}

package cache

import "github.com/sharedcode/uow"

// L1Cache is the handle cache of one execution context, keyed by identity and secondarily by
// declared unique keys. It is not safe for concurrent use.
type L1Cache struct {
	objects Cache[uow.Identity, uow.ObjectProvider]
	uniques map[uow.UniqueKey]uow.Identity
	keysOf  map[uow.Identity][]uow.UniqueKey
	onEvict func(op uow.ObjectProvider)
}

// NewL1Cache creates an L1 cache holding at most maxCapacity handles. When the capacity is
// exceeded, least recently used handles are dropped down to minCapacity and reported to onEvict.
func NewL1Cache(minCapacity, maxCapacity int, onEvict func(op uow.ObjectProvider)) *L1Cache {
	l1 := &L1Cache{
		uniques: make(map[uow.UniqueKey]uow.Identity),
		keysOf:  make(map[uow.Identity][]uow.UniqueKey),
		onEvict: onEvict,
	}
	l1.objects = NewCache(minCapacity, maxCapacity, func(id uow.Identity, op uow.ObjectProvider) {
		l1.dropUniques(id)
		if l1.onEvict != nil {
			l1.onEvict(op)
		}
	})
	return l1
}

func (l1 *L1Cache) Put(op uow.ObjectProvider) {
	l1.objects.Set([]uow.KeyValuePair[uow.Identity, uow.ObjectProvider]{{Key: op.ID(), Value: op}})
}

func (l1 *L1Cache) Get(id uow.Identity) (uow.ObjectProvider, bool) {
	if _, ok := l1.objects.Peek(id); !ok {
		return nil, false
	}
	return l1.objects.Get([]uow.Identity{id})[0], true
}

func (l1 *L1Cache) Contains(id uow.Identity) bool {
	_, ok := l1.objects.Peek(id)
	return ok
}

// Remove drops the handle cached under id along with its unique keys.
func (l1 *L1Cache) Remove(id uow.Identity) {
	l1.objects.Delete([]uow.Identity{id})
	l1.dropUniques(id)
}

// PutUnique indexes the handle cached under id by key.
func (l1 *L1Cache) PutUnique(key uow.UniqueKey, id uow.Identity) {
	if old, ok := l1.uniques[key]; ok && old == id {
		return
	}
	l1.uniques[key] = id
	l1.keysOf[id] = append(l1.keysOf[id], key)
}

func (l1 *L1Cache) GetUnique(key uow.UniqueKey) (uow.ObjectProvider, bool) {
	id, ok := l1.uniques[key]
	if !ok {
		return nil, false
	}
	op, found := l1.Get(id)
	if !found {
		delete(l1.uniques, key)
	}
	return op, found
}

func (l1 *L1Cache) dropUniques(id uow.Identity) {
	for _, k := range l1.keysOf[id] {
		if l1.uniques[k] == id {
			delete(l1.uniques, k)
		}
	}
	delete(l1.keysOf, id)
}

// Objects lists the cached handles, most recently used first.
func (l1 *L1Cache) Objects() []uow.ObjectProvider {
	keys := l1.objects.Keys()
	r := make([]uow.ObjectProvider, 0, len(keys))
	for _, k := range keys {
		if op, ok := l1.objects.Peek(k); ok {
			r = append(r, op)
		}
	}
	return r
}

func (l1 *L1Cache) Len() int {
	return l1.objects.Count()
}

func (l1 *L1Cache) Clear() {
	l1.objects.Clear()
	l1.uniques = make(map[uow.UniqueKey]uow.Identity)
	l1.keysOf = make(map[uow.Identity][]uow.UniqueKey)
}

package cache

// mru keeps the recency order of a cache and applies its capacity policy.
type mru[TK comparable, TV any] struct {
	minCapacity int
	maxCapacity int
	dll         *doublyLinkedList[TK]
	cache       *cache[TK, TV]
}

func newMru[TK comparable, TV any](c *cache[TK, TV], minCapacity, maxCapacity int) *mru[TK, TV] {
	return &mru[TK, TV]{
		cache:       c,
		minCapacity: minCapacity,
		maxCapacity: maxCapacity,
		dll:         newDoublyLinkedList[TK](),
	}
}

func (m *mru[TK, TV]) add(id TK) *node[TK] {
	return m.dll.addToHead(id)
}

func (m *mru[TK, TV]) remove(n *node[TK]) {
	m.dll.delete(n)
}

// touch moves n to the head of the list.
func (m *mru[TK, TV]) touch(n *node[TK]) {
	if n == nil || n == m.dll.head {
		return
	}
	m.dll.delete(n)
	m.dll.pushHead(n)
}

func (m *mru[TK, TV]) keys() []TK {
	r := make([]TK, 0, m.dll.count())
	for n := m.dll.head; n != nil; n = n.next {
		r = append(r, n.data)
	}
	return r
}

// evict removes tail entries down to minCapacity once the cache went over maxCapacity,
// notifying the eviction listener of each.
func (m *mru[TK, TV]) evict() {
	if !m.isFull() {
		return
	}
	for m.dll.count() > m.minCapacity {
		id, ok := m.dll.deleteFromTail()
		if !ok {
			break
		}
		v, found := m.cache.lookup[id]
		if !found {
			continue
		}
		v.dllNode = nil
		delete(m.cache.lookup, id)
		if m.cache.onEvict != nil {
			m.cache.onEvict(id, v.data)
		}
	}
}

func (m *mru[TK, TV]) isFull() bool {
	return m.dll.count() > m.maxCapacity
}

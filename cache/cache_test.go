package cache

import (
	"testing"

	"github.com/sharedcode/uow"
)

func set[TK comparable, TV any](c Cache[TK, TV], k TK, v TV) {
	c.Set([]uow.KeyValuePair[TK, TV]{{Key: k, Value: v}})
}

func TestCacheEvictsLeastRecentlyUsedDownToMinCapacity(t *testing.T) {
	var evicted []int
	c := NewCache[int, string](2, 4, func(k int, v string) {
		evicted = append(evicted, k)
	})
	for i := 1; i <= 4; i++ {
		set(c, i, "v")
	}
	if len(evicted) != 0 {
		t.Fatalf("expected no eviction at max capacity, got %v", evicted)
	}
	// Touch 1 so that 2 and 3 are the least recently used.
	c.Get([]int{1})
	set(c, 5, "v")

	if c.Count() != 2 {
		t.Fatalf("expected 2 items after eviction, got %d", c.Count())
	}
	if len(evicted) != 3 || evicted[0] != 2 || evicted[1] != 3 || evicted[2] != 4 {
		t.Errorf("expected eviction of 2,3,4 got %v", evicted)
	}
	if _, ok := c.Peek(1); !ok {
		t.Error("expected recently used key 1 to survive")
	}
	if keys := c.Keys(); keys[0] != 5 {
		t.Errorf("expected 5 at the head, got %v", keys)
	}
}

func TestCacheDeleteDoesNotNotify(t *testing.T) {
	notified := false
	c := NewCache[string, int](1, 2, func(string, int) { notified = true })
	set(c, "a", 1)
	c.Delete([]string{"a"})
	if notified {
		t.Error("Delete should not notify the eviction listener")
	}
	if c.Count() != 0 {
		t.Errorf("expected empty cache, got %d", c.Count())
	}
	if v := c.Get([]string{"a"}); v[0] != 0 {
		t.Errorf("expected zero value for missing key, got %d", v[0])
	}
}

func TestSynchronizedCacheClear(t *testing.T) {
	c := NewSynchronizedCache[string, int](10, 10, nil)
	set(c, "a", 1)
	set(c, "b", 2)
	c.Clear()
	if c.Count() != 0 || c.IsFull() {
		t.Errorf("expected empty cache after Clear, got %d", c.Count())
	}
}

package common

import "github.com/sharedcode/uow"

// handleSet is an insertion ordered set of handles keyed by identity.
type handleSet struct {
	index map[uow.Identity]int
	items []*stateManager
}

func newHandleSet() *handleSet {
	return &handleSet{index: make(map[uow.Identity]int)}
}

func (s *handleSet) add(sm *stateManager) bool {
	if _, ok := s.index[sm.id]; ok {
		return false
	}
	s.index[sm.id] = len(s.items)
	s.items = append(s.items, sm)
	return true
}

func (s *handleSet) get(id uow.Identity) (*stateManager, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.items[i], true
}

func (s *handleSet) contains(sm *stateManager) bool {
	i, ok := s.index[sm.id]
	return ok && s.items[i] == sm
}

func (s *handleSet) remove(sm *stateManager) bool {
	i, ok := s.index[sm.id]
	if !ok || s.items[i] != sm {
		return false
	}
	delete(s.index, sm.id)
	last := len(s.items) - 1
	copy(s.items[i:], s.items[i+1:])
	s.items[last] = nil
	s.items = s.items[:last]
	for j := i; j < len(s.items); j++ {
		s.index[s.items[j].id] = j
	}
	return true
}

// snapshot returns a copy of the members, safe to iterate while the set changes.
func (s *handleSet) snapshot() []*stateManager {
	return append([]*stateManager(nil), s.items...)
}

func (s *handleSet) len() int {
	return len(s.items)
}

func (s *handleSet) clear() {
	s.index = make(map[uow.Identity]int)
	s.items = nil
}

// dirtySet tracks handles with pending writes, split into those changed directly by the caller
// and those made dirty as a side effect (cascades, managed relations, queued operations).
// A handle is in at most one of the two sets and only ever moves from indirect to direct.
type dirtySet struct {
	direct   *handleSet
	indirect *handleSet
}

func newDirtySet() *dirtySet {
	return &dirtySet{
		direct:   newHandleSet(),
		indirect: newHandleSet(),
	}
}

// mark adds sm to the direct or the indirect set. It reports whether sm was not tracked before.
func (d *dirtySet) mark(sm *stateManager, direct bool) bool {
	if d.direct.contains(sm) {
		return false
	}
	if direct {
		moved := d.indirect.remove(sm)
		d.direct.add(sm)
		return !moved
	}
	return d.indirect.add(sm)
}

func (d *dirtySet) isDirect(sm *stateManager) bool {
	return d.direct.contains(sm)
}

func (d *dirtySet) isIndirect(sm *stateManager) bool {
	return d.indirect.contains(sm)
}

func (d *dirtySet) contains(sm *stateManager) bool {
	return d.direct.contains(sm) || d.indirect.contains(sm)
}

func (d *dirtySet) remove(sm *stateManager) {
	if !d.direct.remove(sm) {
		d.indirect.remove(sm)
	}
}

func (d *dirtySet) len() int {
	return d.direct.len() + d.indirect.len()
}

func (d *dirtySet) clear() {
	d.direct.clear()
	d.indirect.clear()
}

package common

import (
	"fmt"
	log "log/slog"

	"github.com/sharedcode/uow"
	"github.com/sharedcode/uow/cache"
)

// registry is the identity map of an execution context. Handles live in the bounded L1 cache
// and, while they take part in a transaction, in the enlistment cache which is not bounded.
// Together they guarantee at most one handle per identity.
type registry struct {
	l1       *cache.L1Cache
	enlisted *handleSet
}

func newRegistry(minCapacity, maxCapacity int) *registry {
	r := &registry{enlisted: newHandleSet()}
	r.l1 = cache.NewL1Cache(minCapacity, maxCapacity, func(op uow.ObjectProvider) {
		sm := op.(*stateManager)
		// Enlisted handles stay reachable through the enlistment cache and return to L1 when the transaction ends.
		if r.enlisted.contains(sm) {
			return
		}
		log.Debug(fmt.Sprintf("L1 cache dropped %s, disconnecting its object", sm.id))
		sm.disconnect()
	})
	return r
}

// lookup returns the live handle of id: the enlistment cache first, then L1.
func (r *registry) lookup(id uow.Identity) *stateManager {
	if sm, ok := r.enlisted.get(id); ok {
		return sm
	}
	if op, ok := r.l1.Get(id); ok {
		return op.(*stateManager)
	}
	return nil
}

// add makes sm the handle of its identity. It fails if another handle already manages the identity.
func (r *registry) add(sm *stateManager) error {
	if existing := r.lookup(sm.id); existing != nil && existing != sm {
		return uow.UserError("identity %s is already managed by another object in this execution context", sm.id)
	}
	r.l1.Put(sm)
	r.indexUniques(sm)
	return nil
}

// indexUniques indexes the loaded unique keys of sm in L1.
func (r *registry) indexUniques(sm *stateManager) {
	if !r.l1.Contains(sm.id) {
		return
	}
	for _, uk := range sm.uniqueKeys() {
		r.l1.PutUnique(uk, sm.id)
	}
}

// remove forgets sm in every index.
func (r *registry) remove(sm *stateManager) {
	if r.lookup(sm.id) == sm {
		r.l1.Remove(sm.id)
	}
	r.enlisted.remove(sm)
}

func (r *registry) enlist(sm *stateManager) bool {
	return r.enlisted.add(sm)
}

func (r *registry) isEnlisted(sm *stateManager) bool {
	return r.enlisted.contains(sm)
}

// endTransaction clears the enlistment cache, returning handles dropped by L1 meanwhile back to it.
func (r *registry) endTransaction() {
	handles := r.enlisted.snapshot()
	r.enlisted.clear()
	for _, sm := range handles {
		if sm.obj == nil || sm.state == uow.Transient {
			continue
		}
		if !r.l1.Contains(sm.id) {
			r.l1.Put(sm)
		}
	}
}

// handles lists every live handle once, enlisted ones first.
func (r *registry) handles() []*stateManager {
	all := r.enlisted.snapshot()
	for _, op := range r.l1.Objects() {
		sm := op.(*stateManager)
		if !r.enlisted.contains(sm) {
			all = append(all, sm)
		}
	}
	return all
}

func (r *registry) clear() {
	r.enlisted.clear()
	r.l1.Clear()
}

package common

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/uow"
)

// Find returns the object of id. Resolution order is the enlistment cache, L1 (probing concrete
// subclasses when checkInheritance is set), L2, and finally the store. Without validate a miss
// yields a hollow object whose fields load on first access; with validate the store confirms the
// object exists, returning a NotFound error and purging the stale handle otherwise.
func (ec *ExecutionContext) Find(ctx context.Context, id uow.Identity, validate, checkInheritance bool) (uow.Persistable, error) {
	if err := ec.assertReadable(); err != nil {
		return nil, err
	}
	sm, err := ec.findHandle(ctx, id, validate, checkInheritance)
	if err != nil {
		return nil, err
	}
	return sm.obj, nil
}

// FindAll resolves ids in one go, returning objects aligned by position. With validate, identities
// without a stored record yield nil entries.
func (ec *ExecutionContext) FindAll(ctx context.Context, ids []uow.Identity, validate bool) ([]uow.Persistable, error) {
	if err := ec.assertReadable(); err != nil {
		return nil, err
	}
	r := make([]uow.Persistable, len(ids))
	classes := make([]*uow.ClassMeta, len(ids))
	var missIdx []int
	var items []*uow.ItemError
	for i, id := range ids {
		class, err := ec.md.Class(id.Class)
		if err != nil {
			items = append(items, &uow.ItemError{Index: i, ID: id, Err: err})
			continue
		}
		classes[i] = class
		if sm := ec.lookupCached(id, class, false); sm != nil && (!validate || sm.fresh || sm.state.IsNew()) {
			r[i] = sm.obj
			continue
		}
		missIdx = append(missIdx, i)
	}

	// Shared cache for the rest, unless every object has to come from the store.
	if !validate {
		cacheable := make([]uow.Identity, 0, len(missIdx))
		for _, i := range missIdx {
			cacheable = append(cacheable, ids[i])
		}
		snaps := ec.l2GetAll(ctx, cacheable)
		for j, i := range missIdx {
			if snaps[j] != nil {
				sm, err := ec.handleFromSnapshot(ctx, snaps[j])
				if err == nil {
					r[i] = sm.obj
					continue
				}
				items = append(items, &uow.ItemError{Index: i, ID: ids[i], Err: err})
				continue
			}
			sm, err := ec.hollowHandle(ctx, ids[i], classes[i], false)
			if err != nil {
				items = append(items, &uow.ItemError{Index: i, ID: ids[i], Err: err})
				continue
			}
			r[i] = sm.obj
		}
		return r, uow.NewBatchError(items)
	}

	storeIdx := missIdx
	storeIDs := make([]uow.Identity, len(storeIdx))
	for j, i := range storeIdx {
		storeIDs[j] = ids[i]
	}
	recs, err := ec.conn.FindMany(ctx, storeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to find %d objects, details: %w", len(storeIDs), err)
	}
	for j, i := range storeIdx {
		if recs[j] == nil {
			if sm := ec.registry.lookup(ids[i]); sm != nil {
				ec.purge(ctx, sm)
			}
			continue
		}
		sm, err := ec.handleFromRecord(ctx, recs[j])
		if err != nil {
			items = append(items, &uow.ItemError{Index: i, ID: ids[i], Err: err})
			continue
		}
		r[i] = sm.obj
	}
	return r, uow.NewBatchError(items)
}

// FindByUniqueKey resolves a declared unique key through the L1 index, the L2 index and the store.
func (ec *ExecutionContext) FindByUniqueKey(ctx context.Context, key uow.UniqueKey) (uow.Persistable, error) {
	if err := ec.assertReadable(); err != nil {
		return nil, err
	}
	class, err := ec.md.Class(key.Class)
	if err != nil {
		return nil, err
	}
	if op, ok := ec.registry.l1.GetUnique(key); ok {
		if sm := op.(*stateManager); ec.hasUniqueKey(ctx, sm, key) {
			ec.metrics.L1Lookup(true)
			return sm.obj, nil
		}
	}
	ec.metrics.L1Lookup(false)

	if id, ok := ec.l2GetUnique(ctx, class, key); ok {
		sm, err := ec.findHandle(ctx, id, false, false)
		if err == nil && ec.hasUniqueKey(ctx, sm, key) {
			return sm.obj, nil
		}
		// Stale index entry.
		ec.l2EvictUnique(ctx, key)
	}

	rec, err := ec.conn.FindByUnique(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to find by unique key %s, details: %w", key, err)
	}
	if rec == nil {
		return nil, uow.Error{
			Code:     uow.ObjectNotFound,
			Err:      fmt.Errorf("no object with unique key %s", key),
			UserData: key,
		}
	}
	sm, err := ec.handleFromRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	return sm.obj, nil
}

func (ec *ExecutionContext) hasUniqueKey(ctx context.Context, sm *stateManager, key uow.UniqueKey) bool {
	var fields uow.FieldSet
	for _, uk := range sm.class.UniqueKeys {
		if uk.Name == key.Name {
			for _, f := range uk.Fields {
				fields = fields.With(f)
			}
		}
	}
	if err := sm.load(ctx, fields); err != nil {
		return false
	}
	for _, k := range sm.uniqueKeys() {
		if k.Name == key.Name && k.Value == key.Value {
			return true
		}
	}
	return false
}

func (ec *ExecutionContext) assertReadable() error {
	if err := ec.assertOpen(); err != nil {
		return err
	}
	if !ec.inTransaction() && !ec.opts.NontransactionalRead {
		return uow.UserError("reading outside of a transaction requires NontransactionalRead")
	}
	return nil
}

// lookupCached probes the enlistment cache and L1, then the concrete subclasses of class.
func (ec *ExecutionContext) lookupCached(id uow.Identity, class *uow.ClassMeta, checkInheritance bool) *stateManager {
	if sm := ec.registry.lookup(id); sm != nil {
		ec.metrics.L1Lookup(true)
		return sm
	}
	if checkInheritance || class.Abstract {
		for _, sub := range ec.md.ConcreteSubclasses(class.Name) {
			if sm := ec.registry.lookup(id.WithClass(sub)); sm != nil {
				ec.metrics.L1Lookup(true)
				return sm
			}
		}
	}
	ec.metrics.L1Lookup(false)
	return nil
}

func (ec *ExecutionContext) findHandle(ctx context.Context, id uow.Identity, validate, checkInheritance bool) (*stateManager, error) {
	class, err := ec.md.Class(id.Class)
	if err != nil {
		return nil, err
	}
	if sm := ec.lookupCached(id, class, checkInheritance); sm != nil {
		if validate && !sm.fresh && !sm.state.IsNew() {
			if err := ec.validate(ctx, sm); err != nil {
				return nil, err
			}
		}
		return sm, nil
	}

	candidates := make([]uow.Identity, 0, 1)
	if !class.Abstract {
		candidates = append(candidates, id)
	}
	if checkInheritance || class.Abstract {
		for _, sub := range ec.md.ConcreteSubclasses(class.Name) {
			candidates = append(candidates, id.WithClass(sub))
		}
	}
	if !validate {
		for _, s := range ec.l2GetAll(ctx, candidates) {
			if s != nil {
				return ec.handleFromSnapshot(ctx, s)
			}
		}
	}

	if validate {
		rec, err := ec.conn.FindOne(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to find %s, details: %w", id, err)
		}
		if rec == nil {
			return nil, uow.NotFoundError(id)
		}
		return ec.handleFromRecord(ctx, rec)
	}
	return ec.hollowHandle(ctx, id, class, checkInheritance)
}

// hollowHandle registers a hollow handle for id without reading it, resolving the concrete class
// through the store when class has subclasses that id may belong to.
func (ec *ExecutionContext) hollowHandle(ctx context.Context, id uow.Identity, class *uow.ClassMeta, checkInheritance bool) (*stateManager, error) {
	concrete := class
	if class.Abstract || (checkInheritance && ec.md.HasSubclasses(class.Name)) {
		name, err := ec.conn.ResolveConcreteClassForIdentity(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve class of %s, details: %w", id, err)
		}
		if name == "" {
			return nil, uow.NotFoundError(id)
		}
		if concrete, err = ec.md.Class(name); err != nil {
			return nil, err
		}
	}
	cid := id.WithClass(concrete.Name)
	if concrete.Name != class.Name {
		if sm := ec.registry.lookup(cid); sm != nil {
			return sm, nil
		}
	}
	sm := newStateManager(ec, concrete, cid, concrete.New(), uow.Hollow)
	if err := ec.registry.add(sm); err != nil {
		sm.makeTransient()
		return nil, err
	}
	return sm, nil
}

// validate confirms sm with the store, purging it when the record is gone.
func (ec *ExecutionContext) validate(ctx context.Context, sm *stateManager) error {
	rec, err := ec.conn.FindOne(ctx, sm.id)
	if err != nil {
		return fmt.Errorf("failed to validate %s, details: %w", sm.id, err)
	}
	if rec == nil {
		ec.purge(ctx, sm)
		return uow.NotFoundError(sm.id)
	}
	if sm.state.IsDirty() {
		return nil
	}
	if rec.Version != sm.version {
		sm.unload()
	}
	sm.applyFields(ctx, rec.Fields, sm.class.AllFields()&^sm.loaded)
	sm.version = rec.Version
	sm.fresh = ec.inTransaction()
	if err := sm.markLoaded(sm.fresh); err != nil {
		return err
	}
	if sm.fresh {
		ec.markForL2(sm)
	}
	return nil
}

// purge drops a handle whose object no longer exists in the store.
func (ec *ExecutionContext) purge(ctx context.Context, sm *stateManager) {
	log.Debug(fmt.Sprintf("purging stale handle %s", sm.id))
	ec.forget(sm)
	ec.l2Evict(ctx, []uow.Identity{sm.id})
	sm.makeTransient()
}

// handleFromSnapshot returns the handle of s.ID, building it from the snapshot when not cached.
func (ec *ExecutionContext) handleFromSnapshot(ctx context.Context, s *uow.Snapshot) (*stateManager, error) {
	if sm := ec.registry.lookup(s.ID); sm != nil {
		return sm, nil
	}
	class, err := ec.md.Class(s.ID.Class)
	if err != nil {
		return nil, err
	}
	sm := newStateManager(ec, class, s.ID, class.New(), uow.Hollow)
	if err := ec.registry.add(sm); err != nil {
		sm.makeTransient()
		return nil, err
	}
	sm.version = s.Version
	sm.applyFields(ctx, s.Fields, s.Loaded)
	// Without a store round-trip only a datastore transaction hands out a transactional object.
	if err := sm.markLoaded(!ec.optimisticRead()); err != nil {
		return nil, err
	}
	return sm, nil
}

// handleFromRecord returns the handle of rec.ID with the stored fields applied.
func (ec *ExecutionContext) handleFromRecord(ctx context.Context, rec *uow.Record) (*stateManager, error) {
	sm := ec.registry.lookup(rec.ID)
	if sm == nil {
		class, err := ec.md.Class(rec.ID.Class)
		if err != nil {
			return nil, err
		}
		sm = newStateManager(ec, class, rec.ID, class.New(), uow.Hollow)
		if err := ec.registry.add(sm); err != nil {
			sm.makeTransient()
			return nil, err
		}
	} else if sm.state.IsDirty() {
		return sm, nil
	}
	if sm.version != rec.Version {
		sm.unload()
	}
	sm.version = rec.Version
	sm.applyFields(ctx, rec.Fields, sm.class.AllFields()&^sm.loaded)
	sm.fresh = ec.inTransaction()
	if err := sm.markLoaded(sm.fresh); err != nil {
		return nil, err
	}
	if sm.fresh {
		ec.markForL2(sm)
	}
	return sm, nil
}

// resolveReference returns the object of a stored reference, a hollow one when it is not managed yet.
func (ec *ExecutionContext) resolveReference(ctx context.Context, id uow.Identity) uow.Persistable {
	if sm := ec.registry.lookup(id); sm != nil {
		return sm.obj
	}
	class, err := ec.md.Class(id.Class)
	if err == nil && class.Abstract {
		var sm *stateManager
		if sm, err = ec.findHandle(ctx, id, false, true); err == nil {
			return sm.obj
		}
	}
	if err != nil {
		log.Warn(fmt.Sprintf("dropping reference to %s, details: %v", id, err))
		return nil
	}
	sm := newStateManager(ec, class, id, class.New(), uow.Hollow)
	if err := ec.registry.add(sm); err != nil {
		sm.makeTransient()
		log.Warn(fmt.Sprintf("dropping reference to %s, details: %v", id, err))
		return nil
	}
	return sm.obj
}

// referenceIdentity returns the identity a reference to obj is stored as.
func (ec *ExecutionContext) referenceIdentity(obj uow.Persistable) (uow.Identity, error) {
	if sm := ec.handleOf(obj); sm != nil {
		return sm.id, nil
	}
	if m := uow.ManagerOf(obj); m != nil {
		return uow.Identity{}, uow.ManagedElsewhereError(m.ID())
	}
	if ds := uow.DetachedStateOf(obj); ds != nil {
		return ds.ID, nil
	}
	return uow.Identity{}, uow.UserError("reference to a transient object of class %s", obj.ClassName())
}

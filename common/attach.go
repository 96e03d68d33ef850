package common

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/uow"
)

// Attach makes the detached obj managed again, in place. It fails when another object with the
// same identity is already managed. Changes made while detached are written at the next flush.
func (ec *ExecutionContext) Attach(ctx context.Context, obj uow.Persistable) error {
	if err := ec.assertOpen(); err != nil {
		return err
	}
	return ec.autoCommit(ctx, "attach", func(ctx context.Context) error {
		ec.acquireScope()
		defer ec.releaseScope()
		_, err := ec.attach(ctx, obj)
		return err
	})
}

// AttachCopy merges the changes of the detached obj into the managed object of its identity and
// returns that object. obj itself is left detached and untouched.
func (ec *ExecutionContext) AttachCopy(ctx context.Context, obj uow.Persistable) (uow.Persistable, error) {
	if err := ec.assertOpen(); err != nil {
		return nil, err
	}
	var r uow.Persistable
	if err := ec.autoCommit(ctx, "attach", func(ctx context.Context) error {
		ec.acquireScope()
		defer ec.releaseScope()
		var err error
		r, err = ec.attachCopy(ctx, obj)
		return err
	}); err != nil {
		return nil, err
	}
	return r, nil
}

func (ec *ExecutionContext) attach(ctx context.Context, obj uow.Persistable) (*stateManager, error) {
	if _, ok := uow.AsPersistable(obj); !ok {
		return nil, uow.UserError("can't attach a nil object")
	}
	if err := ec.ownedElsewhere(obj); err != nil {
		return nil, err
	}
	if sm := ec.handleOf(obj); sm != nil {
		return sm, nil
	}
	ds := uow.DetachedStateOf(obj)
	if ds == nil {
		return nil, uow.UserError("object of class %s is not detached", obj.ClassName())
	}
	if sm := ec.scope.attached[ds.ID]; sm != nil {
		return sm, nil
	}
	if ec.registry.lookup(ds.ID) != nil {
		return nil, uow.UserError("can't attach %s in place, another object with its identity is managed", ds.ID)
	}
	class, err := ec.md.Class(ds.ID.Class)
	if err != nil {
		return nil, err
	}
	next, err := uow.Detached.Attach(ds.Dirty != 0)
	if err != nil {
		return nil, err
	}
	sm := newStateManager(ec, class, ds.ID, obj, next)
	sm.version = ds.Version
	sm.loaded = ds.Loaded
	if err := ec.registry.add(sm); err != nil {
		sm.obj = nil
		uow.SetDetachedState(obj, ds)
		return nil, err
	}
	ec.scope.attached[ds.ID] = sm
	for f, meta := range class.Fields {
		if meta.IsRelation() && sm.loaded.Has(f) {
			sm.relations[f] = relatedIdentities(refsOf(sm, f))
		}
	}
	ec.enlist(sm)
	log.Debug(fmt.Sprintf("attached %s as %s", sm.id, sm.state))

	if err := ec.cascadeAttach(ctx, sm); err != nil {
		return nil, err
	}
	if ds.Dirty != 0 {
		sm.dirty = ds.Dirty
		sm.txDirty = ds.Dirty
		if err := ec.markDirty(ctx, sm, true); err != nil {
			return nil, err
		}
	}
	return sm, nil
}

// cascadeAttach attaches in place, or persists, the objects referenced by the cascading fields of sm.
func (ec *ExecutionContext) cascadeAttach(ctx context.Context, sm *stateManager) error {
	for f, meta := range sm.class.Fields {
		if !meta.IsRelation() || !(meta.CascadeAttach || meta.CascadePersist) || !sm.loaded.Has(f) {
			continue
		}
		for _, ref := range refsOf(sm, f) {
			if ec.handleOf(ref) != nil {
				continue
			}
			var err error
			if uow.DetachedStateOf(ref) != nil {
				_, err = ec.attach(ctx, ref)
			} else if meta.CascadePersist {
				_, err = ec.persist(ctx, ref, false)
			}
			if err != nil {
				return fmt.Errorf("cascade attach of field %s of %s: %w", meta.Name, sm.id, err)
			}
		}
	}
	return nil
}

func (ec *ExecutionContext) attachCopy(ctx context.Context, obj uow.Persistable) (uow.Persistable, error) {
	if _, ok := uow.AsPersistable(obj); !ok {
		return nil, uow.UserError("can't attach a nil object")
	}
	if err := ec.ownedElsewhere(obj); err != nil {
		return nil, err
	}
	if sm := ec.handleOf(obj); sm != nil {
		return obj, nil
	}
	ds := uow.DetachedStateOf(obj)
	if ds == nil {
		return nil, uow.UserError("object of class %s is not detached", obj.ClassName())
	}
	if sm := ec.scope.attached[ds.ID]; sm != nil {
		return sm.obj, nil
	}
	sm, err := ec.findHandle(ctx, ds.ID, false, false)
	if err != nil {
		return nil, err
	}
	if sm.state.IsDeleted() {
		return nil, uow.UserError("can't attach %s, it was deleted in this transaction", ds.ID)
	}
	ec.scope.attached[ds.ID] = sm
	if !sm.state.IsNew() && sm.version == 0 {
		if err := sm.load(ctx, sm.class.DefaultFetchFields()); err != nil {
			return nil, err
		}
	}
	if ds.Dirty != 0 && ds.Version != 0 && sm.version != 0 && ds.Version != sm.version {
		return nil, &uow.ConflictError{ID: ds.ID, Expected: ds.Version, Actual: sm.version}
	}

	for _, f := range ds.Loaded.Fields() {
		if f >= len(sm.class.Fields) {
			continue
		}
		meta := sm.class.Fields[f]
		dirty := ds.Dirty.Has(f)
		if !dirty && !(meta.IsRelation() && meta.CascadeAttach) {
			continue
		}
		v := obj.FieldValue(f)
		switch meta.Kind {
		case uow.Reference:
			ref, ok := uow.AsPersistable(v)
			if ok {
				if ref, err = ec.managedRef(ctx, ref); err != nil {
					return nil, fmt.Errorf("attach of field %s of %s: %w", meta.Name, ds.ID, err)
				}
			}
			v = ref
		case uow.ReferenceSlice:
			refs := uow.AsPersistableSlice(v)
			managed := make([]uow.Persistable, 0, len(refs))
			for _, ref := range refs {
				m, err := ec.managedRef(ctx, ref)
				if err != nil {
					return nil, fmt.Errorf("attach of field %s of %s: %w", meta.Name, ds.ID, err)
				}
				managed = append(managed, m)
			}
			v = managed
		}
		if !dirty {
			continue
		}
		sm.obj.SetFieldValue(f, v)
		if err := sm.makeDirty(ctx, f, true); err != nil {
			return nil, err
		}
	}
	log.Debug(fmt.Sprintf("merged detached copy of %s", ds.ID))
	return sm.obj, nil
}

// managedRef returns the object of this execution context standing for ref.
func (ec *ExecutionContext) managedRef(ctx context.Context, ref uow.Persistable) (uow.Persistable, error) {
	if err := ec.ownedElsewhere(ref); err != nil {
		return nil, err
	}
	if ec.handleOf(ref) != nil {
		return ref, nil
	}
	if uow.DetachedStateOf(ref) != nil {
		return ec.attachCopy(ctx, ref)
	}
	return ec.persist(ctx, ref, false)
}

func relatedIdentities(refs []uow.Persistable) []uow.Identity {
	var ids []uow.Identity
	for _, ref := range refs {
		if m := uow.ManagerOf(ref); m != nil {
			ids = append(ids, m.ID())
		} else if ds := uow.DetachedStateOf(ref); ds != nil {
			ids = append(ids, ds.ID)
		}
	}
	return ids
}

package common

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/uow"
)

// Persist makes obj persistent and returns the managed object. A transient obj becomes New, a
// detached one is attached (as a copy with CopyOnAttach) and a managed one is returned as is.
// Related objects of fields declaring CascadePersist are persisted along.
func (ec *ExecutionContext) Persist(ctx context.Context, obj uow.Persistable) (uow.Persistable, error) {
	if err := ec.assertOpen(); err != nil {
		return nil, err
	}
	var r uow.Persistable
	if err := ec.autoCommit(ctx, "persist", func(ctx context.Context) error {
		ec.acquireScope()
		defer ec.releaseScope()
		var err error
		r, err = ec.persist(ctx, obj, true)
		return err
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// PersistAll persists every object of objs, bracketed as one store batch. Every element is attempted;
// failures are returned aggregated, naming the index and identity of each failing element. The
// returned slice is aligned with objs, nil where persist failed.
func (ec *ExecutionContext) PersistAll(ctx context.Context, objs []uow.Persistable) ([]uow.Persistable, error) {
	if err := ec.assertOpen(); err != nil {
		return nil, err
	}
	r := make([]uow.Persistable, len(objs))
	err := ec.autoCommit(ctx, "persist", func(ctx context.Context) error {
		ec.acquireScope()
		defer ec.releaseScope()
		if err := ec.conn.BatchStart(ctx, uow.PersistBatch); err != nil {
			return err
		}
		var items []*uow.ItemError
		for i, obj := range objs {
			p, err := ec.persist(ctx, obj, true)
			if err != nil {
				items = append(items, &uow.ItemError{Index: i, ID: identityOf(obj), Err: err})
				continue
			}
			r[i] = p
		}
		if err := ec.conn.BatchEnd(ctx, uow.PersistBatch); err != nil {
			log.Warn(fmt.Sprintf("persist batch end failed, details: %v", err))
		}
		return uow.NewBatchError(items)
	})
	return r, err
}

func (ec *ExecutionContext) persist(ctx context.Context, obj uow.Persistable, explicit bool) (uow.Persistable, error) {
	if _, ok := uow.AsPersistable(obj); !ok {
		return nil, uow.UserError("can't persist a nil object")
	}
	if err := ec.ownedElsewhere(obj); err != nil {
		return nil, err
	}
	if sm := ec.handleOf(obj); sm != nil {
		next, err := sm.state.Persist()
		if err != nil {
			return nil, err
		}
		sm.state = next
		if explicit {
			ec.reach.recordRoot(sm.id)
			if ec.dirty.isIndirect(sm) {
				ec.dirty.mark(sm, true)
			}
		}
		return sm.obj, nil
	}
	if uow.DetachedStateOf(obj) != nil {
		if ec.opts.CopyOnAttach {
			return ec.attachCopy(ctx, obj)
		}
		sm, err := ec.attach(ctx, obj)
		if err != nil {
			return nil, err
		}
		return sm.obj, nil
	}
	if !visit(ec.scope.persisted, obj) {
		return obj, nil
	}

	class, err := ec.classOf(obj)
	if err != nil {
		return nil, err
	}
	if class.Abstract {
		return nil, uow.UserError("can't persist an instance of abstract class %s", class.Name)
	}
	id, ok := class.IdentityOf(obj)
	if !ok {
		id = uow.NewSurrogateIdentity(class.Name)
	}
	if existing := ec.registry.lookup(id); existing != nil {
		return nil, uow.UserError("another object with identity %s is already managed", id)
	}
	if _, err := ec.conn.ManageClassForIdentity(ctx, id); err != nil {
		return nil, err
	}
	sm := newStateManager(ec, class, id, obj, uow.Transient)
	if sm.state, err = sm.state.Persist(); err != nil {
		sm.makeTransient()
		return nil, err
	}
	sm.loaded = class.AllFields()
	sm.txDirty = class.AllFields()
	if err := ec.registry.add(sm); err != nil {
		sm.makeTransient()
		return nil, err
	}
	ec.reach.recordPersist(id, explicit)
	if err := ec.markDirty(ctx, sm, explicit); err != nil {
		return nil, err
	}
	if err := ec.cascadePersist(ctx, sm); err != nil {
		return nil, err
	}
	log.Debug(fmt.Sprintf("persisted %s", id))
	return obj, nil
}

// cascadePersist persists the objects referenced by the CascadePersist fields of sm, replacing
// references to detached objects by their attached copies.
func (ec *ExecutionContext) cascadePersist(ctx context.Context, sm *stateManager) error {
	for f, meta := range sm.class.Fields {
		if !meta.IsRelation() || !meta.CascadePersist || !sm.loaded.Has(f) {
			continue
		}
		switch meta.Kind {
		case uow.Reference:
			ref, ok := uow.AsPersistable(sm.obj.FieldValue(f))
			if !ok || ec.handleOf(ref) != nil {
				continue
			}
			p, err := ec.persist(ctx, ref, false)
			if err != nil {
				return fmt.Errorf("cascade persist of field %s of %s: %w", meta.Name, sm.id, err)
			}
			if p != ref {
				sm.replaceField(f, p)
			}
		case uow.ReferenceSlice:
			refs := uow.AsPersistableSlice(sm.obj.FieldValue(f))
			changed := false
			for i, ref := range refs {
				if ec.handleOf(ref) != nil {
					continue
				}
				p, err := ec.persist(ctx, ref, false)
				if err != nil {
					return fmt.Errorf("cascade persist of field %s of %s: %w", meta.Name, sm.id, err)
				}
				if p != ref {
					refs[i] = p
					changed = true
				}
			}
			if changed {
				sm.replaceField(f, refs)
			}
		}
	}
	return nil
}

// replaceField sets a field on behalf of the execution context, recording it as changed.
func (sm *stateManager) replaceField(field int, v any) {
	sm.obj.SetFieldValue(field, v)
	sm.loaded = sm.loaded.With(field)
	if !sm.state.IsNew() {
		sm.dirty = sm.dirty.With(field)
		sm.txDirty = sm.txDirty.With(field)
	}
}

// identityOf returns the identity obj is known by, zero for transient objects.
func identityOf(obj uow.Persistable) uow.Identity {
	if _, ok := uow.AsPersistable(obj); !ok {
		return uow.Identity{}
	}
	if m := uow.ManagerOf(obj); m != nil {
		return m.ID()
	}
	if ds := uow.DetachedStateOf(obj); ds != nil {
		return ds.ID
	}
	return uow.Identity{}
}

package common

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/uow"
)

// FetchPlan selects the fields loaded before an object is detached and how far detach follows
// its relations.
type FetchPlan struct {
	// Fields names, per class, the fields to load on top of the default fetch group.
	Fields map[string][]string
	// MaxDepth is the number of relation hops followed from the detached object, -1 for no limit.
	MaxDepth int
}

// DefaultFetchPlan loads the default fetch group and follows relations one hop.
func DefaultFetchPlan() FetchPlan {
	return FetchPlan{MaxDepth: 1}
}

func (p FetchPlan) fieldsOf(class *uow.ClassMeta) uow.FieldSet {
	fields := class.DefaultFetchFields()
	for _, name := range p.Fields[class.Name] {
		if f := class.FieldNumber(name); f >= 0 {
			fields = fields.With(f)
		}
	}
	return fields
}

// follows reports whether relations are followed from an object depth hops away from the root.
func (p FetchPlan) follows(depth int) bool {
	return p.MaxDepth < 0 || depth < p.MaxDepth
}

// Detach loads the plan fields of obj and detaches it in place, along with the related objects
// the plan reaches. Pending changes are flushed first.
func (ec *ExecutionContext) Detach(ctx context.Context, obj uow.Persistable, plan FetchPlan) error {
	if err := ec.assertOpen(); err != nil {
		return err
	}
	if err := ec.ownedElsewhere(obj); err != nil {
		return err
	}
	sm := ec.handleOf(obj)
	if sm == nil {
		if uow.DetachedStateOf(obj) != nil {
			return nil
		}
		return uow.UserError("can't detach transient object of class %s", obj.ClassName())
	}
	if err := ec.flushBeforeDetach(ctx, sm); err != nil {
		return err
	}
	ec.acquireScope()
	defer ec.releaseScope()
	return ec.detachInPlace(ctx, sm, plan, 0)
}

// DetachCopy returns a detached copy of obj holding the plan fields. obj stays managed.
// Related objects the plan reaches are copied too; a cycle resolves to the same copy.
// A detached obj is copied from the managed object of its identity, never returned as is.
func (ec *ExecutionContext) DetachCopy(ctx context.Context, obj uow.Persistable, plan FetchPlan) (uow.Persistable, error) {
	if err := ec.assertOpen(); err != nil {
		return nil, err
	}
	if _, ok := uow.AsPersistable(obj); !ok {
		return nil, uow.UserError("can't detach a nil object")
	}
	if err := ec.ownedElsewhere(obj); err != nil {
		return nil, err
	}
	sm := ec.handleOf(obj)
	if sm == nil {
		var err error
		if sm, err = ec.detachSource(ctx, obj); err != nil {
			return nil, err
		}
	}
	if err := ec.flushBeforeDetach(ctx, sm); err != nil {
		return nil, err
	}
	ec.acquireScope()
	defer ec.releaseScope()
	return ec.detachCopy(ctx, sm, plan, 0)
}

// detachSource returns the handle DetachCopy copies when obj is not managed here. A detached obj
// resolves to the managed object of its identity. A transient one is persisted first, which takes
// an active transaction.
func (ec *ExecutionContext) detachSource(ctx context.Context, obj uow.Persistable) (*stateManager, error) {
	if ds := uow.DetachedStateOf(obj); ds != nil {
		if err := ec.assertReadable(); err != nil {
			return nil, err
		}
		return ec.findHandle(ctx, ds.ID, false, false)
	}
	if !ec.inTransaction() {
		return nil, uow.UserError("can't detach transient object of class %s outside of a transaction", obj.ClassName())
	}
	ec.acquireScope()
	defer ec.releaseScope()
	p, err := ec.persist(ctx, obj, true)
	if err != nil {
		return nil, err
	}
	return ec.handleOf(p), nil
}

// DetachAll detaches every managed object in place.
func (ec *ExecutionContext) DetachAll(ctx context.Context, plan FetchPlan) error {
	if err := ec.assertOpen(); err != nil {
		return err
	}
	if ec.inTransaction() {
		if err := ec.flush(ctx); err != nil {
			return err
		}
	}
	ec.acquireScope()
	defer ec.releaseScope()
	var errs []error
	for _, sm := range ec.registry.handles() {
		if sm.obj == nil || sm.state.IsDeleted() {
			continue
		}
		if err := ec.detachInPlace(ctx, sm, plan, 0); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sm.id, err))
		}
	}
	return uow.NewLifecycleTransitionError(errs)
}

// flushBeforeDetach writes the pending change of sm so the detached version is the stored one.
func (ec *ExecutionContext) flushBeforeDetach(ctx context.Context, sm *stateManager) error {
	if sm.state.IsDeleted() {
		return uow.UserError("can't detach deleted object %s", sm.id)
	}
	if !ec.inTransaction() || !ec.dirty.contains(sm) {
		return nil
	}
	return ec.flush(ctx)
}

func (ec *ExecutionContext) detachInPlace(ctx context.Context, sm *stateManager, plan FetchPlan, depth int) error {
	if _, ok := ec.scope.detached[sm.id]; ok {
		return nil
	}
	ec.scope.detached[sm.id] = sm.obj
	fields := plan.fieldsOf(sm.class)
	if !sm.state.IsNew() {
		if err := sm.load(ctx, fields); err != nil {
			return err
		}
	}
	if _, err := sm.state.Detach(); err != nil {
		return err
	}
	var related []*stateManager
	if plan.follows(depth) {
		for _, f := range (fields & sm.loaded).Fields() {
			if !sm.class.Fields[f].IsRelation() {
				continue
			}
			for _, ref := range refsOf(sm, f) {
				if rsm := ec.handleOf(ref); rsm != nil {
					related = append(related, rsm)
				}
			}
		}
	}

	if sm.txDirty != 0 {
		// The commit won't refresh L2 for an object no longer managed.
		ec.l2Evict(ctx, []uow.Identity{sm.id})
	}
	obj := sm.obj
	ec.forget(sm)
	uow.SetDetachedState(obj, &uow.DetachedState{ID: sm.id, Version: sm.version, Loaded: sm.loaded, Dirty: sm.dirty})
	sm.obj = nil
	sm.state = uow.Transient
	log.Debug(fmt.Sprintf("detached %s", sm.id))

	for _, rsm := range related {
		if rsm.obj == nil || rsm.state.IsDeleted() {
			continue
		}
		if err := ec.detachInPlace(ctx, rsm, plan, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (ec *ExecutionContext) detachCopy(ctx context.Context, sm *stateManager, plan FetchPlan, depth int) (uow.Persistable, error) {
	if c, ok := ec.scope.detached[sm.id]; ok {
		return c, nil
	}
	if sm.state.IsDeleted() {
		return nil, uow.UserError("can't detach deleted object %s", sm.id)
	}
	fields := plan.fieldsOf(sm.class)
	if !sm.state.IsNew() {
		if err := sm.load(ctx, fields); err != nil {
			return nil, err
		}
	}
	cp := sm.class.New()
	ec.scope.detached[sm.id] = cp
	var loaded uow.FieldSet
	for _, f := range (fields & sm.loaded).Fields() {
		meta := sm.class.Fields[f]
		v := sm.obj.FieldValue(f)
		if meta.IsRelation() {
			if !plan.follows(depth) {
				continue
			}
			refs := refsOf(sm, f)
			copies := make([]uow.Persistable, 0, len(refs))
			for _, ref := range refs {
				rsm := ec.handleOf(ref)
				if rsm == nil {
					copies = append(copies, ref)
					continue
				}
				c, err := ec.detachCopy(ctx, rsm, plan, depth+1)
				if err != nil {
					return nil, err
				}
				copies = append(copies, c)
			}
			if meta.Kind == uow.Reference {
				v = nil
				if len(copies) > 0 {
					v = copies[0]
				}
			} else {
				v = copies
			}
		}
		cp.SetFieldValue(f, v)
		loaded = loaded.With(f)
	}
	uow.SetDetachedState(cp, &uow.DetachedState{ID: sm.id, Version: sm.version, Loaded: loaded})
	return cp, nil
}

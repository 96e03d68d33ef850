package common

import (
	"context"
	"fmt"
	log "log/slog"
	"slices"

	"github.com/sharedcode/uow"
)

// relationsManager keeps both sides of bidirectional relations consistent. Changes made by the
// caller to one side are detected by comparing the loaded references with the identities recorded
// when the field was last synchronized; the other side is then updated, or the change is queued
// when the other side is an unloaded collection.
type relationsManager struct {
	ec *ExecutionContext
}

// inverse returns the number of the field of target holding the other side of field f of class, -1 if none.
func (r *relationsManager) inverse(class *uow.ClassMeta, f int, target *uow.ClassMeta) int {
	meta := class.Fields[f]
	if meta.MappedBy == "" || target == nil {
		return -1
	}
	return target.FieldNumber(meta.MappedBy)
}

// process synchronizes the other side of the bidirectional fields changed on handles.
func (r *relationsManager) process(ctx context.Context, handles []*stateManager) error {
	for _, sm := range handles {
		if sm.obj == nil || sm.state.IsDeleted() {
			continue
		}
		for f, meta := range sm.class.Fields {
			if !meta.IsRelation() || meta.MappedBy == "" || !sm.loaded.Has(f) {
				continue
			}
			var current []uow.Identity
			targets := make(map[uow.Identity]*stateManager)
			for _, ref := range refsOf(sm, f) {
				if tsm := r.ec.handleOf(ref); tsm != nil {
					current = append(current, tsm.id)
					targets[tsm.id] = tsm
				}
			}
			previous := sm.relations[f]
			sm.relations[f] = current
			for _, id := range current {
				if slices.Contains(previous, id) {
					continue
				}
				tsm := targets[id]
				if err := r.link(ctx, tsm, r.inverse(sm.class, f, tsm.class), sm); err != nil {
					return err
				}
			}
			for _, id := range previous {
				if slices.Contains(current, id) {
					continue
				}
				tsm := r.handle(ctx, id)
				if tsm == nil {
					continue
				}
				if err := r.unlink(ctx, tsm, r.inverse(sm.class, f, tsm.class), sm); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// onDelete removes a deleted object from the other side of its bidirectional relations.
func (r *relationsManager) onDelete(ctx context.Context, sm *stateManager) error {
	for f, meta := range sm.class.Fields {
		if !meta.IsRelation() || meta.MappedBy == "" || !sm.loaded.Has(f) {
			continue
		}
		for _, ref := range refsOf(sm, f) {
			tsm := r.ec.handleOf(ref)
			if tsm == nil {
				continue
			}
			if err := r.unlink(ctx, tsm, r.inverse(sm.class, f, tsm.class), sm); err != nil {
				return err
			}
		}
	}
	return nil
}

// handle returns the handle of a formerly related object, making one when it is not managed.
func (r *relationsManager) handle(ctx context.Context, id uow.Identity) *stateManager {
	if sm := r.ec.registry.lookup(id); sm != nil {
		return sm
	}
	obj := r.ec.resolveReference(ctx, id)
	if obj == nil {
		return nil
	}
	return r.ec.handleOf(obj)
}

// link makes field inv of tsm refer to owner.
func (r *relationsManager) link(ctx context.Context, tsm *stateManager, inv int, owner *stateManager) error {
	if inv < 0 || tsm.obj == nil || tsm.state.IsDeleted() {
		return nil
	}
	switch tsm.class.Fields[inv].Kind {
	case uow.Reference:
		if err := tsm.load(ctx, uow.FieldSet(0).With(inv)); err != nil {
			return err
		}
		cur, _ := uow.AsPersistable(tsm.obj.FieldValue(inv))
		if cur == owner.obj {
			tsm.relations[inv] = []uow.Identity{owner.id}
			return nil
		}
		if old := r.ec.handleOf(cur); old != nil && old != owner {
			// tsm moves from its previous owner to owner.
			if err := r.unlink(ctx, old, r.inverse(tsm.class, inv, old.class), tsm); err != nil {
				return err
			}
		}
		tsm.obj.SetFieldValue(inv, owner.obj)
		tsm.relations[inv] = []uow.Identity{owner.id}
	case uow.ReferenceSlice:
		if !tsm.loaded.Has(inv) {
			r.enqueue(tsm, inv, uow.CollectionAdd, owner)
			return nil
		}
		refs := uow.AsPersistableSlice(tsm.obj.FieldValue(inv))
		if !slices.Contains(tsm.relations[inv], owner.id) {
			tsm.relations[inv] = append(slices.Clone(tsm.relations[inv]), owner.id)
		}
		if slices.Contains(refs, owner.obj) {
			return nil
		}
		tsm.obj.SetFieldValue(inv, append(refs, owner.obj))
	default:
		return nil
	}
	return tsm.makeDirty(ctx, inv, false)
}

// unlink removes owner from field inv of tsm.
func (r *relationsManager) unlink(ctx context.Context, tsm *stateManager, inv int, owner *stateManager) error {
	if inv < 0 || tsm.obj == nil || tsm.state.IsDeleted() {
		return nil
	}
	switch tsm.class.Fields[inv].Kind {
	case uow.Reference:
		if err := tsm.load(ctx, uow.FieldSet(0).With(inv)); err != nil {
			return err
		}
		if cur, _ := uow.AsPersistable(tsm.obj.FieldValue(inv)); cur != owner.obj {
			return nil
		}
		tsm.obj.SetFieldValue(inv, nil)
		tsm.relations[inv] = nil
	case uow.ReferenceSlice:
		if !tsm.loaded.Has(inv) {
			r.enqueue(tsm, inv, uow.CollectionRemove, owner)
			return nil
		}
		tsm.relations[inv] = slices.DeleteFunc(slices.Clone(tsm.relations[inv]), func(id uow.Identity) bool {
			return id == owner.id
		})
		refs := uow.AsPersistableSlice(tsm.obj.FieldValue(inv))
		i := slices.Index(refs, owner.obj)
		if i < 0 {
			return nil
		}
		tsm.obj.SetFieldValue(inv, slices.Delete(slices.Clone(refs), i, i+1))
	default:
		return nil
	}
	return tsm.makeDirty(ctx, inv, false)
}

func (r *relationsManager) enqueue(tsm *stateManager, field int, kind uow.CollectionOpKind, owner *stateManager) {
	log.Debug(fmt.Sprintf("queueing change of unloaded collection %s of %s", tsm.class.Fields[field].Name, tsm.id))
	r.ec.queue.Enqueue(uow.QueuedOperation{Owner: tsm, Field: field, Kind: kind, Value: owner.obj})
	r.ec.enlist(tsm)
}

// perform applies a queued collection change to sm, loading the collection first.
func (r *relationsManager) perform(ctx context.Context, sm *stateManager, op uow.QueuedOperation) error {
	if sm.obj == nil || sm.state.IsDeleted() {
		return nil
	}
	if err := sm.load(ctx, uow.FieldSet(0).With(op.Field)); err != nil {
		return err
	}
	refs := uow.AsPersistableSlice(sm.obj.FieldValue(op.Field))
	i := slices.Index(refs, op.Value)
	switch op.Kind {
	case uow.CollectionAdd:
		if i >= 0 {
			return nil
		}
		refs = append(refs, op.Value)
	case uow.CollectionRemove:
		if i < 0 {
			return nil
		}
		refs = slices.Delete(slices.Clone(refs), i, i+1)
	}
	sm.obj.SetFieldValue(op.Field, refs)
	ids := make([]uow.Identity, 0, len(refs))
	for _, ref := range refs {
		if tsm := r.ec.handleOf(ref); tsm != nil {
			ids = append(ids, tsm.id)
		}
	}
	sm.relations[op.Field] = ids
	return sm.makeDirty(ctx, op.Field, false)
}

// refsOf returns the objects referenced by the relation field f of sm.
func refsOf(sm *stateManager, f int) []uow.Persistable {
	switch sm.class.Fields[f].Kind {
	case uow.Reference:
		if ref, ok := uow.AsPersistable(sm.obj.FieldValue(f)); ok {
			return []uow.Persistable{ref}
		}
	case uow.ReferenceSlice:
		return uow.AsPersistableSlice(sm.obj.FieldValue(f))
	}
	return nil
}

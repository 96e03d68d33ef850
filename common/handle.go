package common

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/uow"
)

// stateManager is the managing handle of one domain object. It implements uow.ObjectProvider.
type stateManager struct {
	ec    *ExecutionContext
	id    uow.Identity
	class *uow.ClassMeta
	obj   uow.Persistable
	state uow.State
	// version is the optimistic lock version the object was read (or last written) at, zero if unknown.
	version int64
	loaded  uow.FieldSet
	// dirty holds the fields changed since the last flush, txDirty those changed in the transaction.
	dirty   uow.FieldSet
	txDirty uow.FieldSet
	// flushed is set once a new object was inserted by an intermediate flush, removed once its delete was written.
	flushed bool
	removed bool
	// fresh is set when the fields were read from the store in the current transaction.
	fresh bool
	// txVersion is the version at enlistment, restored on rollback.
	txVersion int64
	// storedUniques are the unique keys as last read from or written to the store.
	storedUniques []uow.UniqueKey
	// relations holds the related identities of bidirectional fields as last synchronized.
	relations map[int][]uow.Identity
}

func newStateManager(ec *ExecutionContext, class *uow.ClassMeta, id uow.Identity, obj uow.Persistable, state uow.State) *stateManager {
	sm := &stateManager{
		ec:        ec,
		id:        id,
		class:     class,
		obj:       obj,
		state:     state,
		relations: make(map[int][]uow.Identity),
	}
	uow.Bind(obj, sm)
	return sm
}

func (sm *stateManager) ID() uow.Identity {
	return sm.id
}

func (sm *stateManager) State() uow.State {
	return sm.state
}

func (sm *stateManager) Object() uow.Persistable {
	return sm.obj
}

func (sm *stateManager) Class() *uow.ClassMeta {
	return sm.class
}

func (sm *stateManager) Version() int64 {
	return sm.version
}

// LoadField loads field together with the rest of the default fetch group.
func (sm *stateManager) LoadField(field int) error {
	if sm.loaded.Has(field) {
		return nil
	}
	if err := sm.ec.assertOpen(); err != nil {
		return err
	}
	return sm.load(sm.ec.ctx, sm.class.DefaultFetchFields().With(field))
}

// MakeDirty records a caller mutation of field. Outside of a transaction it requires NontransactionalWrite
// and is auto-committed.
func (sm *stateManager) MakeDirty(field int) error {
	if err := sm.ec.assertOpen(); err != nil {
		return err
	}
	if field < 0 || field >= len(sm.class.Fields) {
		return uow.UserError("class %s has no field %d", sm.class.Name, field)
	}
	return sm.ec.autoCommit(sm.ec.ctx, "field update", func(ctx context.Context) error {
		return sm.makeDirty(ctx, field, true)
	})
}

func (sm *stateManager) makeDirty(ctx context.Context, field int, direct bool) error {
	if sm.state.IsDeleted() {
		return uow.UserError("can't modify field %s of deleted object %s", sm.class.Fields[field].Name, sm.id)
	}
	sm.dirty = sm.dirty.With(field)
	sm.loaded = sm.loaded.With(field)
	// An update needs the version the object was read at.
	if !sm.state.IsNew() && sm.version == 0 {
		if err := sm.load(ctx, sm.class.DefaultFetchFields()); err != nil {
			return err
		}
	}
	next, err := sm.state.Write(true)
	if err != nil {
		return err
	}
	sm.state = next
	sm.txDirty = sm.txDirty.With(field)
	return sm.ec.markDirty(ctx, sm, direct)
}

// load fetches the fields of want that are not loaded, from L2 when a snapshot of the same
// version covers them, otherwise from the store.
func (sm *stateManager) load(ctx context.Context, want uow.FieldSet) error {
	missing := want &^ sm.loaded
	if missing == 0 {
		return nil
	}
	if sm.state.IsDeleted() {
		return uow.UserError("can't load fields of deleted object %s", sm.id)
	}
	if s := sm.ec.l2Get(ctx, sm.class, sm.id); s != nil && s.Loaded&missing == missing &&
		(sm.version == 0 || sm.version == s.Version) {
		sm.applyFields(ctx, s.Fields, s.Loaded&^sm.loaded)
		sm.version = s.Version
		return sm.markLoaded(!sm.ec.optimisticRead())
	}

	rec, err := sm.ec.conn.FindOne(ctx, sm.id)
	if err != nil {
		return fmt.Errorf("failed to load %s, details: %w", sm.id, err)
	}
	if rec == nil {
		return uow.NotFoundError(sm.id)
	}
	fields := sm.class.AllFields() &^ sm.loaded
	if !sm.state.IsDirty() && sm.version != 0 && sm.version != rec.Version {
		// Loaded fields are from an older version, refresh all of them.
		fields = sm.class.AllFields()
	}
	sm.applyFields(ctx, rec.Fields, fields)
	if !sm.state.IsDirty() || sm.version == 0 {
		sm.version = rec.Version
	}
	sm.fresh = sm.ec.inTransaction()
	if err := sm.markLoaded(sm.fresh); err != nil {
		return err
	}
	if sm.fresh {
		sm.ec.markForL2(sm)
	}
	return nil
}

// markLoaded applies the load transition and enlists the handle if it became transactional.
func (sm *stateManager) markLoaded(transactional bool) error {
	next, err := sm.state.Load(transactional)
	if err != nil {
		return err
	}
	sm.state = next
	if sm.state.IsTransactional() {
		sm.ec.enlist(sm)
	}
	return nil
}

// applyFields copies stored field values into the object. Fields with pending changes are kept.
func (sm *stateManager) applyFields(ctx context.Context, fields map[int]any, set uow.FieldSet) {
	for _, f := range set.Fields() {
		if f >= len(sm.class.Fields) || sm.dirty.Has(f) {
			continue
		}
		v, ok := fields[f]
		switch sm.class.Fields[f].Kind {
		case uow.Reference:
			var ref uow.Persistable
			var ids []uow.Identity
			if id, isID := v.(uow.Identity); isID {
				if ref = sm.ec.resolveReference(ctx, id); ref != nil {
					ids = []uow.Identity{id}
				}
			}
			sm.obj.SetFieldValue(f, ref)
			sm.relations[f] = ids
		case uow.ReferenceSlice:
			ids, _ := v.([]uow.Identity)
			refs := make([]uow.Persistable, 0, len(ids))
			resolved := make([]uow.Identity, 0, len(ids))
			for _, id := range ids {
				if ref := sm.ec.resolveReference(ctx, id); ref != nil {
					refs = append(refs, ref)
					resolved = append(resolved, id)
				}
			}
			sm.obj.SetFieldValue(f, refs)
			sm.relations[f] = resolved
		default:
			if ok {
				sm.obj.SetFieldValue(f, v)
			}
		}
		sm.loaded = sm.loaded.With(f)
	}
	sm.storedUniques = sm.uniqueKeys()
	sm.ec.registry.indexUniques(sm)
}

// storeFields returns the store representation of the fields in set. References are replaced by identities.
func (sm *stateManager) storeFields(set uow.FieldSet) (map[int]any, error) {
	r := make(map[int]any, set.Len())
	for _, f := range set.Fields() {
		if f >= len(sm.class.Fields) {
			continue
		}
		meta := sm.class.Fields[f]
		v := sm.obj.FieldValue(f)
		switch meta.Kind {
		case uow.Reference:
			ref, ok := uow.AsPersistable(v)
			if !ok {
				r[f] = nil
				continue
			}
			id, err := sm.ec.referenceIdentity(ref)
			if err != nil {
				return nil, fmt.Errorf("field %s of %s: %w", meta.Name, sm.id, err)
			}
			r[f] = id
		case uow.ReferenceSlice:
			refs := uow.AsPersistableSlice(v)
			ids := make([]uow.Identity, 0, len(refs))
			for _, ref := range refs {
				id, err := sm.ec.referenceIdentity(ref)
				if err != nil {
					return nil, fmt.Errorf("field %s of %s: %w", meta.Name, sm.id, err)
				}
				ids = append(ids, id)
			}
			r[f] = ids
		default:
			r[f] = v
		}
	}
	return r, nil
}

// Flush writes the pending change of the object through conn.
func (sm *stateManager) Flush(ctx context.Context, conn uow.Connection) error {
	op := uow.WriteOp{ID: sm.id, Version: sm.version}
	switch {
	case sm.state == uow.NewDeleted && !sm.flushed, sm.removed:
		sm.dirty = 0
		sm.ec.dirty.remove(sm)
		return nil
	case sm.state.IsDeleted():
		op.Kind = uow.Remove
	case sm.state == uow.New && !sm.flushed:
		fields, err := sm.storeFields(sm.loaded)
		if err != nil {
			return err
		}
		op.Kind, op.Version, op.Fields = uow.Insert, 0, fields
	default:
		if sm.dirty == 0 {
			sm.ec.dirty.remove(sm)
			return nil
		}
		fields, err := sm.storeFields(sm.dirty)
		if err != nil {
			return err
		}
		op.Kind, op.Fields = uow.Update, fields
	}

	v, err := conn.Write(ctx, op)
	if err != nil {
		return err
	}
	sm.ec.metrics.Written(op.Kind.String())
	switch op.Kind {
	case uow.Insert:
		sm.flushed = true
		sm.version = v
	case uow.Update:
		sm.version = v
	case uow.Remove:
		sm.removed = true
	}
	next, err := sm.state.Flush()
	if err != nil {
		return err
	}
	sm.state = next
	sm.dirty = 0
	sm.ec.dirty.remove(sm)
	return nil
}

// Perform applies a queued collection operation.
func (sm *stateManager) Perform(ctx context.Context, op uow.QueuedOperation) error {
	return sm.ec.relations.perform(ctx, sm, op)
}

// uniqueKeys returns the declared unique keys whose fields are loaded.
func (sm *stateManager) uniqueKeys() []uow.UniqueKey {
	if len(sm.class.UniqueKeys) == 0 || sm.obj == nil {
		return nil
	}
	fields := make(map[int]any)
	for _, uk := range sm.class.UniqueKeys {
		for _, f := range uk.Fields {
			if sm.loaded.Has(f) {
				fields[f] = sm.obj.FieldValue(f)
			}
		}
	}
	return sm.class.UniqueKeysOfFields(fields)
}

// snapshot builds the L2 form of the loaded fields. ok is false when a field can't be stored.
func (sm *stateManager) snapshot() (*uow.Snapshot, bool) {
	fields, err := sm.storeFields(sm.loaded)
	if err != nil {
		log.Debug(fmt.Sprintf("not caching %s, details: %v", sm.id, err))
		return nil, false
	}
	return &uow.Snapshot{ID: sm.id, Version: sm.version, Loaded: sm.loaded, Fields: fields}, true
}

// beginTransaction records the state to restore on rollback.
func (sm *stateManager) beginTransaction() {
	sm.txVersion = sm.version
}

// unload releases the loaded fields, making the handle hollow.
func (sm *stateManager) unload() {
	sm.loaded = 0
	sm.dirty = 0
	sm.relations = make(map[int][]uow.Identity)
}

// endTransaction resets the per transaction bookkeeping.
func (sm *stateManager) endTransaction() {
	sm.txDirty = 0
	sm.dirty = 0
	sm.flushed = false
	sm.removed = false
	sm.fresh = false
	sm.txVersion = sm.version
}

// disconnect unbinds the object. Persistent objects keep their identity as detached state so they can be attached later.
func (sm *stateManager) disconnect() {
	if sm.obj == nil {
		return
	}
	if sm.state.IsPersistent() && !sm.state.IsNew() && !sm.state.IsDeleted() {
		uow.SetDetachedState(sm.obj, &uow.DetachedState{ID: sm.id, Version: sm.version, Loaded: sm.loaded, Dirty: sm.dirty})
	} else {
		uow.SetDetachedState(sm.obj, nil)
	}
	sm.obj = nil
	sm.state = uow.Transient
}

// makeTransient unbinds the object leaving it transient.
func (sm *stateManager) makeTransient() {
	if sm.obj != nil {
		uow.SetDetachedState(sm.obj, nil)
	}
	sm.obj = nil
	sm.state = uow.Transient
}

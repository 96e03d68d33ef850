package common

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/uow"
)

// Delete deletes obj. A detached obj is attached first. Deleting a transient object is ignored,
// or fails with a UserMisuse error under StrictDelete. Related objects of CascadeDelete fields
// are deleted along.
func (ec *ExecutionContext) Delete(ctx context.Context, obj uow.Persistable) error {
	if err := ec.assertOpen(); err != nil {
		return err
	}
	return ec.autoCommit(ctx, "delete", func(ctx context.Context) error {
		ec.acquireScope()
		defer ec.releaseScope()
		return ec.delete(ctx, obj)
	})
}

// DeleteAll deletes every object of objs, bracketed as one store batch. Every element is attempted
// and failures are returned aggregated.
func (ec *ExecutionContext) DeleteAll(ctx context.Context, objs []uow.Persistable) error {
	if err := ec.assertOpen(); err != nil {
		return err
	}
	return ec.autoCommit(ctx, "delete", func(ctx context.Context) error {
		ec.acquireScope()
		defer ec.releaseScope()
		if err := ec.conn.BatchStart(ctx, uow.DeleteBatch); err != nil {
			return err
		}
		var items []*uow.ItemError
		for i, obj := range objs {
			if err := ec.delete(ctx, obj); err != nil {
				items = append(items, &uow.ItemError{Index: i, ID: identityOf(obj), Err: err})
			}
		}
		if err := ec.conn.BatchEnd(ctx, uow.DeleteBatch); err != nil {
			log.Warn(fmt.Sprintf("delete batch end failed, details: %v", err))
		}
		return uow.NewBatchError(items)
	})
}

func (ec *ExecutionContext) delete(ctx context.Context, obj uow.Persistable) error {
	if _, ok := uow.AsPersistable(obj); !ok {
		return uow.UserError("can't delete a nil object")
	}
	if err := ec.ownedElsewhere(obj); err != nil {
		return err
	}
	sm := ec.handleOf(obj)
	if sm == nil {
		if uow.DetachedStateOf(obj) == nil {
			if ec.opts.StrictDelete {
				return uow.UserError("can't delete transient object of class %s", obj.ClassName())
			}
			log.Debug(fmt.Sprintf("ignoring delete of transient object of class %s", obj.ClassName()))
			return nil
		}
		var err error
		if sm, err = ec.attach(ctx, obj); err != nil {
			return err
		}
	}
	if sm.state.IsDeleted() || !visit(ec.scope.deleted, sm.obj) {
		return nil
	}

	// The delete needs the version read, cascades and relation fixups need the related fields.
	var want uow.FieldSet
	for f, meta := range sm.class.Fields {
		if meta.CascadeDelete || (ec.opts.ManagedRelations && meta.MappedBy != "") {
			want = want.With(f)
		}
	}
	if !sm.state.IsNew() && (sm.version == 0 || want&^sm.loaded != 0) {
		if err := sm.load(ctx, want|sm.class.DefaultFetchFields()); err != nil {
			return err
		}
	}
	var cascaded []uow.Persistable
	for f, meta := range sm.class.Fields {
		if meta.IsRelation() && meta.CascadeDelete {
			cascaded = append(cascaded, refsOf(sm, f)...)
		}
	}

	next, err := sm.state.Delete()
	if err != nil {
		return err
	}
	sm.state = next
	ec.reach.recordDelete(sm.id)
	if ec.opts.ManagedRelations {
		if err := ec.relations.onDelete(ctx, sm); err != nil {
			return err
		}
	}
	if err := ec.markDirty(ctx, sm, true); err != nil {
		return err
	}
	for _, ref := range cascaded {
		if err := ec.delete(ctx, ref); err != nil {
			return fmt.Errorf("cascade delete from %s: %w", sm.id, err)
		}
	}
	log.Debug(fmt.Sprintf("deleted %s", sm.id))
	return nil
}

package common

import (
	"context"
	"fmt"

	"github.com/sharedcode/uow"
)

// Evict releases the loaded fields of obj, leaving it hollow. Objects with pending changes are
// left untouched.
func (ec *ExecutionContext) Evict(obj uow.Persistable) error {
	if err := ec.assertOpen(); err != nil {
		return err
	}
	sm := ec.handleOf(obj)
	if sm == nil {
		return ec.ownedElsewhere(obj)
	}
	return ec.evict(sm)
}

// EvictAll hollows every managed object without pending changes.
func (ec *ExecutionContext) EvictAll() error {
	if err := ec.assertOpen(); err != nil {
		return err
	}
	var errs []error
	for _, sm := range ec.registry.handles() {
		if err := ec.evict(sm); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sm.id, err))
		}
	}
	return uow.NewLifecycleTransitionError(errs)
}

func (ec *ExecutionContext) evict(sm *stateManager) error {
	if sm.obj == nil {
		return nil
	}
	next, err := sm.state.Evict()
	if err != nil {
		return err
	}
	if next == uow.Hollow {
		sm.unload()
		sm.fresh = false
	}
	sm.state = next
	return nil
}

// Refresh discards the unflushed changes of obj and reloads it from the store.
func (ec *ExecutionContext) Refresh(ctx context.Context, obj uow.Persistable) error {
	if err := ec.assertOpen(); err != nil {
		return err
	}
	if err := ec.ownedElsewhere(obj); err != nil {
		return err
	}
	sm := ec.handleOf(obj)
	if sm == nil {
		return uow.UserError("can't refresh object of class %s, it is not managed", obj.ClassName())
	}
	return ec.refresh(ctx, sm)
}

// RefreshAll refreshes every object taking part in the transaction, or every managed object outside of one.
func (ec *ExecutionContext) RefreshAll(ctx context.Context) error {
	if err := ec.assertOpen(); err != nil {
		return err
	}
	handles := ec.registry.handles()
	if ec.inTransaction() {
		handles = ec.registry.enlisted.snapshot()
	}
	var errs []error
	for _, sm := range handles {
		if err := ec.refresh(ctx, sm); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sm.id, err))
		}
	}
	return uow.NewLifecycleTransitionError(errs)
}

func (ec *ExecutionContext) refresh(ctx context.Context, sm *stateManager) error {
	if sm.obj == nil || sm.state.IsNew() || sm.state.IsDeleted() {
		return nil
	}
	next, err := sm.state.Refresh()
	if err != nil {
		return err
	}
	rec, err := ec.conn.FindOne(ctx, sm.id)
	if err != nil {
		return fmt.Errorf("failed to refresh %s, details: %w", sm.id, err)
	}
	if rec == nil {
		ec.purge(ctx, sm)
		return uow.NotFoundError(sm.id)
	}
	ec.dirty.remove(sm)
	ec.queue.DrainFor(sm)
	sm.unload()
	sm.state = next
	sm.version = rec.Version
	sm.applyFields(ctx, rec.Fields, sm.class.AllFields())
	sm.fresh = ec.inTransaction()
	return sm.markLoaded(sm.fresh)
}

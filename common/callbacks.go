package common

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/uow"
)

// OnBegin resets the per transaction bookkeeping.
func (ec *ExecutionContext) OnBegin(ctx context.Context) error {
	log.Debug(fmt.Sprintf("execution context %s began a transaction", ec.id))
	ec.endTransaction()
	return nil
}

// OnPreCommit demotes unreachable objects, flushes, then writes the changed objects to L2.
// The L2 writes are speculative until the store commits.
func (ec *ExecutionContext) OnPreCommit(ctx context.Context) error {
	if err := ec.checkReachability(ctx); err != nil {
		return err
	}
	if err := ec.flush(ctx); err != nil {
		return err
	}
	ec.populateL2(ctx)
	return nil
}

// OnCommit moves every enlisted handle to its post-commit state. Failures of individual handles
// don't stop the others and are returned aggregated.
func (ec *ExecutionContext) OnCommit(ctx context.Context) error {
	ec.speculative = nil
	handles := ec.registry.enlisted.snapshot()
	if ec.opts.DetachAllOnCommit {
		ec.detachOnCommit(ctx, handles)
	}
	var errs []error
	for _, sm := range handles {
		if sm.obj == nil {
			continue
		}
		if err := ec.commitHandle(sm); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sm.id, err))
		}
	}
	ec.endTransaction()
	if err := uow.NewLifecycleTransitionError(errs); err != nil {
		log.Error(fmt.Sprintf("post commit transitions failed, details: %v", err))
		return err
	}
	return nil
}

func (ec *ExecutionContext) commitHandle(sm *stateManager) error {
	next, err := sm.state.Commit(ec.opts.RetainValues)
	if err != nil {
		return err
	}
	switch next {
	case uow.Transient:
		ec.forget(sm)
		sm.makeTransient()
		return nil
	case uow.Hollow:
		sm.storedUniques = sm.uniqueKeys()
		sm.state = next
		sm.unload()
	default:
		sm.storedUniques = sm.uniqueKeys()
		sm.state = next
	}
	sm.endTransaction()
	return nil
}

// detachOnCommit detaches the live objects of handles in place before their post-commit transition.
func (ec *ExecutionContext) detachOnCommit(ctx context.Context, handles []*stateManager) {
	ec.acquireScope()
	defer ec.releaseScope()
	for _, sm := range handles {
		if sm.obj == nil || sm.state.IsDeleted() {
			continue
		}
		if err := ec.detachInPlace(ctx, sm, DefaultFetchPlan(), 0); err != nil {
			log.Warn(fmt.Sprintf("detach of %s on commit failed, details: %v", sm.id, err))
		}
	}
}

func (ec *ExecutionContext) OnPreRollback(ctx context.Context) error {
	log.Debug(fmt.Sprintf("execution context %s is rolling back", ec.id))
	return nil
}

// OnRollback restores the enlisted handles to their state before the transaction and evicts
// the L2 entries a failed commit may have written.
func (ec *ExecutionContext) OnRollback(ctx context.Context) error {
	var errs []error
	for _, sm := range ec.registry.enlisted.snapshot() {
		if sm.obj == nil {
			continue
		}
		if err := ec.rollbackHandle(sm); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sm.id, err))
		}
	}
	ec.evictSpeculative(ctx)
	ec.endTransaction()
	return uow.NewLifecycleTransitionError(errs)
}

func (ec *ExecutionContext) rollbackHandle(sm *stateManager) error {
	next, err := sm.state.Rollback()
	if err != nil {
		return err
	}
	switch next {
	case uow.Transient:
		ec.forget(sm)
		sm.makeTransient()
		return nil
	case uow.Hollow:
		sm.unload()
	}
	sm.state = next
	sm.version = sm.txVersion
	sm.endTransaction()
	return nil
}

// endTransaction clears everything scoped to a transaction.
func (ec *ExecutionContext) endTransaction() {
	ec.dirty.clear()
	ec.queue.Clear()
	ec.reach.clear()
	ec.l2Pending = make(map[uow.Identity]*stateManager)
	ec.speculative = nil
	ec.registry.endTransaction()
}

package common

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/sharedcode/uow"
)

// Flush writes the pending changes of the active transaction to the store. Outside of a
// transaction there is nothing pending and Flush returns nil.
func (ec *ExecutionContext) Flush(ctx context.Context) error {
	if err := ec.assertOpen(); err != nil {
		return err
	}
	if !ec.inTransaction() {
		return nil
	}
	return ec.flush(ctx)
}

// flush runs flush passes until nothing is left dirty or queued. A pass can make more objects
// dirty (relation fixups, queued collection changes), which the next pass writes. Giving up after
// MaxFlushPasses leaves the remaining changes pending.
func (ec *ExecutionContext) flush(ctx context.Context) error {
	if ec.flushing {
		return nil
	}
	ec.flushing = true
	defer func() { ec.flushing = false }()
	defer ec.metrics.ObserveFlush(time.Now())

	for pass := 1; ec.dirty.len() > 0 || ec.queue.Len() > 0; pass++ {
		if pass > ec.opts.MaxFlushPasses {
			err := uow.UserError("flush gave up after %d passes, %d dirty objects and %d queued operations remain",
				ec.opts.MaxFlushPasses, ec.dirty.len(), ec.queue.Len())
			log.Warn(err.Error())
			return err
		}
		ec.metrics.FlushPass()
		if err := ec.flushPass(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (ec *ExecutionContext) flushPass(ctx context.Context) error {
	ec.acquireScope()
	defer ec.releaseScope()

	handles := append(ec.dirty.direct.snapshot(), ec.dirty.indirect.snapshot()...)
	// Objects referenced since they were persisted become persistent by reachability.
	for _, sm := range handles {
		if sm.obj != nil && !sm.state.IsDeleted() {
			if err := ec.cascadePersist(ctx, sm); err != nil {
				return err
			}
		}
	}
	if ec.opts.ManagedRelations {
		if err := ec.relations.process(ctx, append(ec.dirty.direct.snapshot(), ec.dirty.indirect.snapshot()...)); err != nil {
			return err
		}
	}

	conflicts, err := ec.flushProc.Execute(ctx, ec.conn, providers(ec.dirty.direct.snapshot()), providers(ec.dirty.indirect.snapshot()), &ec.queue)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		ec.metrics.AddConflicts(len(conflicts))
		cerr := uow.NewOptimisticConflictError(conflicts)
		// Whatever L2 holds for a conflicting object is stale.
		ec.l2Evict(ctx, uow.FailedIdentities(cerr))
		return cerr
	}
	return nil
}

func providers(handles []*stateManager) []uow.ObjectProvider {
	r := make([]uow.ObjectProvider, len(handles))
	for i, sm := range handles {
		r[i] = sm
	}
	return r
}

// orderedFlushProcess writes inserts, then updates, then deletes, and performs the queued
// collection operations last. Inserts and deletes are bracketed as store batches.
type orderedFlushProcess struct{}

func (orderedFlushProcess) Execute(ctx context.Context, conn uow.Connection, direct, indirect []uow.ObjectProvider, queue *uow.OperationQueue) ([]error, error) {
	var inserts, updates, deletes []uow.ObjectProvider
	for _, op := range append(append([]uow.ObjectProvider(nil), direct...), indirect...) {
		switch s := op.State(); {
		case s.IsDeleted():
			deletes = append(deletes, op)
		case s == uow.New:
			inserts = append(inserts, op)
		default:
			updates = append(updates, op)
		}
	}

	var conflicts []error
	write := func(ops []uow.ObjectProvider) error {
		for _, op := range ops {
			if err := op.Flush(ctx, conn); err != nil {
				if uow.IsConflict(err) {
					conflicts = append(conflicts, err)
					continue
				}
				return fmt.Errorf("failed to flush %s, details: %w", op.ID(), err)
			}
		}
		return nil
	}
	batched := func(kind uow.BatchKind, ops []uow.ObjectProvider) error {
		if len(ops) == 0 {
			return nil
		}
		if err := conn.BatchStart(ctx, kind); err != nil {
			return err
		}
		err := write(ops)
		if berr := conn.BatchEnd(ctx, kind); berr != nil && err == nil {
			err = berr
		}
		return err
	}

	if err := batched(uow.PersistBatch, inserts); err != nil {
		return conflicts, err
	}
	if err := write(updates); err != nil {
		return conflicts, err
	}
	if err := batched(uow.DeleteBatch, deletes); err != nil {
		return conflicts, err
	}
	if len(conflicts) > 0 {
		return conflicts, nil
	}
	for _, q := range queue.Drain() {
		if err := q.Owner.Perform(ctx, q); err != nil {
			return conflicts, fmt.Errorf("failed to apply queued change of %s, details: %w", q.Owner.ID(), err)
		}
	}
	return conflicts, nil
}

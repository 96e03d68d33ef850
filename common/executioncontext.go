package common

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/uow"
	"github.com/sharedcode/uow/cel"
	"github.com/sharedcode/uow/metrics"
)

// ExecutionContext is the unit of work coordinator. It tracks every object it manages, mediates
// their lifecycle transitions, enlists them in its transaction and synchronizes them with the
// store and the two cache levels.
//
// An ExecutionContext is not safe for concurrent use. The store and the L2 cache it is given
// may be shared by many execution contexts.
type ExecutionContext struct {
	id    uow.UUID
	md    *uow.MetaData
	store uow.Store
	conn  uow.Connection
	opts  uow.Options
	// l2 is optional.
	l2        uow.L2Cache
	admission *cel.AdmissionRule
	metrics   *metrics.Metrics
	// ctx is used by lazy field loads and auto flushes triggered from field access.
	ctx context.Context

	registry  *registry
	dirty     *dirtySet
	reach     *reachability
	relations *relationsManager
	queue     uow.OperationQueue
	flushProc uow.FlushProcess
	tx        *Transaction
	scope     *operationScope

	// Identities whose L2 entry is refreshed at commit, and those written to L2 by the commit in progress.
	l2Pending   map[uow.Identity]*stateManager
	speculative []uow.Identity

	flushing bool
	closed   bool
}

// NewExecutionContext opens a connection on store and returns a coordinator over it.
// l2 and m may be nil.
func NewExecutionContext(ctx context.Context, store uow.Store, l2 uow.L2Cache, md *uow.MetaData, opts uow.Options, m *metrics.Metrics) (*ExecutionContext, error) {
	if store == nil || md == nil {
		return nil, uow.FatalError(fmt.Errorf("store and metadata are required"))
	}
	opts = opts.Normalize()
	var conn uow.Connection
	if err := uow.RetryTransient(ctx, func(ctx context.Context) error {
		var err error
		conn, err = store.Connect(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to connect to store, details: %w", err)
	}
	ec := &ExecutionContext{
		id:        uow.NewUUID(),
		md:        md,
		store:     store,
		conn:      conn,
		opts:      opts,
		l2:        l2,
		metrics:   m,
		ctx:       ctx,
		registry:  newRegistry(opts.L1MinCapacity, opts.L1MaxCapacity),
		dirty:     newDirtySet(),
		reach:     newReachability(),
		l2Pending: make(map[uow.Identity]*stateManager),
	}
	if opts.L2AdmissionRule != "" {
		r, err := cel.NewAdmissionRule(opts.L2AdmissionRule)
		if err != nil {
			conn.Close()
			return nil, uow.FatalError(err)
		}
		ec.admission = r
	}
	ec.relations = &relationsManager{ec: ec}
	ec.flushProc = orderedFlushProcess{}
	if p, ok := conn.(uow.FlushProcessProvider); ok {
		ec.flushProc = p.FlushProcess()
	}
	ec.tx = &Transaction{ec: ec, optimistic: opts.Optimistic, phaseDone: -1}
	return ec, nil
}

func (ec *ExecutionContext) GetID() uow.UUID {
	return ec.id
}

func (ec *ExecutionContext) Options() uow.Options {
	return ec.opts
}

func (ec *ExecutionContext) MetaData() *uow.MetaData {
	return ec.md
}

// Transaction returns the transaction of the execution context. It can be begun again once done.
func (ec *ExecutionContext) Transaction() *Transaction {
	return ec.tx
}

func (ec *ExecutionContext) inTransaction() bool {
	return ec.tx.HasBegun()
}

// optimisticRead reports whether objects read without a store round-trip must not look transactional.
func (ec *ExecutionContext) optimisticRead() bool {
	return !ec.inTransaction() || ec.tx.IsOptimistic()
}

func (ec *ExecutionContext) assertOpen() error {
	if ec.closed {
		return uow.UserError("execution context is closed")
	}
	return nil
}

// IsClosed reports whether Close was called.
func (ec *ExecutionContext) IsClosed() bool {
	return ec.closed
}

// Close releases the connection. Closing with an active transaction is an error. With DetachOnClose
// every loaded object is detached, otherwise managed objects are disconnected.
func (ec *ExecutionContext) Close(ctx context.Context) error {
	if ec.closed {
		return uow.UserError("execution context is already closed")
	}
	if ec.inTransaction() {
		return uow.UserError("can't close execution context %s with an active transaction", ec.id)
	}
	if ec.opts.DetachOnClose {
		if err := ec.DetachAll(ctx, DefaultFetchPlan()); err != nil {
			log.Warn(fmt.Sprintf("detach on close failed, details: %v", err))
		}
	}
	for _, sm := range ec.registry.handles() {
		sm.disconnect()
	}
	ec.registry.clear()
	ec.closed = true
	return ec.conn.Close()
}

// Contains reports whether obj is managed by this execution context.
func (ec *ExecutionContext) Contains(obj uow.Persistable) bool {
	return ec.handleOf(obj) != nil
}

// handleOf returns the handle of obj when this execution context manages it.
func (ec *ExecutionContext) handleOf(obj uow.Persistable) *stateManager {
	if _, ok := uow.AsPersistable(obj); !ok {
		return nil
	}
	if sm, ok := uow.ManagerOf(obj).(*stateManager); ok && sm.ec == ec {
		return sm
	}
	return nil
}

// ownedElsewhere returns a ManagedElsewhere error if obj is bound to another execution context.
func (ec *ExecutionContext) ownedElsewhere(obj uow.Persistable) error {
	m := uow.ManagerOf(obj)
	if m == nil {
		return nil
	}
	if sm, ok := m.(*stateManager); ok && sm.ec == ec {
		return nil
	}
	return uow.ManagedElsewhereError(m.ID())
}

// enlist registers sm as taking part in the active transaction.
func (ec *ExecutionContext) enlist(sm *stateManager) {
	if !ec.inTransaction() {
		return
	}
	if ec.registry.enlist(sm) {
		sm.beginTransaction()
		ec.reach.recordEnlist(sm.id)
	}
}

// markDirty records sm as having pending writes. In FlushAuto mode, reaching the threshold of
// directly dirty handles flushes before sm is added.
func (ec *ExecutionContext) markDirty(ctx context.Context, sm *stateManager, direct bool) error {
	if direct && ec.opts.FlushMode == uow.FlushAuto && !ec.flushing && !ec.dirty.contains(sm) &&
		ec.dirty.direct.len() >= ec.opts.DirtyFlushThreshold {
		log.Debug(fmt.Sprintf("dirty threshold %d reached, flushing", ec.opts.DirtyFlushThreshold))
		if err := ec.flush(ctx); err != nil {
			return err
		}
	}
	ec.enlist(sm)
	ec.dirty.mark(sm, direct)
	ec.markForL2(sm)
	return nil
}

// forget removes sm from every tracking structure of the execution context.
func (ec *ExecutionContext) forget(sm *stateManager) {
	ec.dirty.remove(sm)
	ec.registry.remove(sm)
	delete(ec.l2Pending, sm.id)
	ec.queue.DrainFor(sm)
}

// autoCommit runs fn in the active transaction or, with NontransactionalWrite, in an implicit one.
// The implicit transaction commits the successful elements of a batch before its error is returned.
func (ec *ExecutionContext) autoCommit(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if ec.inTransaction() {
		return fn(ctx)
	}
	if !ec.opts.NontransactionalWrite {
		return uow.UserError("%s requires an active transaction", op)
	}
	log.Debug(fmt.Sprintf("auto-committing %s outside of a transaction", op))
	if err := ec.tx.Begin(ctx); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		// A batch keeps the elements that succeeded unless one of them failed fatally.
		if uow.BatchItems(err) != nil && !uow.IsFatal(err) {
			if cerr := ec.tx.Commit(ctx); cerr != nil {
				return fmt.Errorf("%w, commit error: %w", err, cerr)
			}
			return err
		}
		if rerr := ec.tx.Rollback(ctx); rerr != nil {
			return fmt.Errorf("%w, rollback error: %v", err, rerr)
		}
		return err
	}
	return ec.tx.Commit(ctx)
}

// classOf returns the metadata of obj's class, a Fatal error when it is not registered.
func (ec *ExecutionContext) classOf(obj uow.Persistable) (*uow.ClassMeta, error) {
	return ec.md.Class(obj.ClassName())
}

package common

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/uow"
)

// Transaction drives the commit protocol of an execution context: it brackets the store
// transaction of the connection and notifies the execution context at each protocol point.
type Transaction struct {
	ec         *ExecutionContext
	optimistic bool
	// -1 = not begun, 0 = begun, 1 = commit in progress, 2 = committed or rolled back.
	phaseDone int
	onCommit  []func(ctx context.Context) error
}

var _ uow.Transaction = (*Transaction)(nil)
var _ uow.TransactionListener = (*ExecutionContext)(nil)

// Begin starts a transaction. A transaction that ended can be begun again.
func (t *Transaction) Begin(ctx context.Context) error {
	if err := t.ec.assertOpen(); err != nil {
		return err
	}
	if t.HasBegun() {
		return uow.UserError("transaction is ongoing, can't begin again")
	}
	if err := t.ec.conn.Begin(ctx); err != nil {
		return err
	}
	t.phaseDone = 0
	if err := t.ec.OnBegin(ctx); err != nil {
		t.phaseDone = 2
		if rerr := t.ec.conn.Rollback(ctx); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return nil
}

// Commit flushes the pending changes and commits the store transaction. On failure the
// transaction is rolled back and the returned error carries the cause.
func (t *Transaction) Commit(ctx context.Context) error {
	if !t.HasBegun() {
		return uow.UserError("no transaction to commit, call Begin to start a transaction")
	}
	if t.phaseDone == 1 {
		return uow.UserError("transaction commit is already in progress")
	}
	t.phaseDone = 1
	if err := t.ec.OnPreCommit(ctx); err != nil {
		return t.rollbackOn(ctx, "commit", err)
	}
	if err := t.ec.conn.Commit(ctx); err != nil {
		return t.rollbackOn(ctx, "store commit", err)
	}
	t.phaseDone = 2
	err := t.ec.OnCommit(ctx)
	callbacks := t.onCommit
	t.onCommit = nil
	for _, cb := range callbacks {
		if cerr := cb(ctx); cerr != nil {
			log.Warn(fmt.Sprintf("post commit callback failed, details: %v", cerr))
		}
	}
	return err
}

func (t *Transaction) rollbackOn(ctx context.Context, phase string, cause error) error {
	// ctx may be what failed the commit, the rollback runs regardless.
	if rerr := t.rollback(context.WithoutCancel(ctx)); rerr != nil {
		return fmt.Errorf("%s failed, details: %w, rollback error: %v", phase, cause, rerr)
	}
	return fmt.Errorf("%s failed, details: %w", phase, cause)
}

// Rollback discards the changes of the transaction.
func (t *Transaction) Rollback(ctx context.Context) error {
	if !t.HasBegun() {
		return uow.UserError("no transaction to rollback")
	}
	return t.rollback(ctx)
}

func (t *Transaction) rollback(ctx context.Context) error {
	var errs []error
	if err := t.ec.OnPreRollback(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.ec.conn.InTransaction() {
		if err := t.ec.conn.Rollback(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.phaseDone = 2
	t.onCommit = nil
	if err := t.ec.OnRollback(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// HasBegun reports whether the transaction is active, including while it commits.
func (t *Transaction) HasBegun() bool {
	return t.phaseDone == 0 || t.phaseDone == 1
}

func (t *Transaction) IsOptimistic() bool {
	return t.optimistic
}

// SetOptimistic changes the concurrency mode of the next transaction.
func (t *Transaction) SetOptimistic(optimistic bool) error {
	if t.HasBegun() {
		return uow.UserError("can't change the concurrency mode of an active transaction")
	}
	t.optimistic = optimistic
	return nil
}

// OnCommit registers callback to run after the next successful commit.
func (t *Transaction) OnCommit(callback func(ctx context.Context) error) {
	t.onCommit = append(t.onCommit, callback)
}

package uow

import "context"

// Transaction defines end-user facing transaction boundary operations.
type Transaction interface {
	// Begin starts the transaction.
	Begin(ctx context.Context) error
	// Commit flushes pending changes and finalizes the transaction.
	Commit(ctx context.Context) error
	// Rollback aborts the transaction.
	Rollback(ctx context.Context) error
	// HasBegun reports whether the transaction has started.
	HasBegun() bool
	// IsOptimistic reports whether conflicts are detected at flush rather than prevented by the store.
	IsOptimistic() bool
	// OnCommit registers a callback executed after a successful commit.
	OnCommit(callback func(ctx context.Context) error)
}

// TransactionListener receives the protocol points of a transaction. The execution context
// implements it and the transaction driver invokes it.
type TransactionListener interface {
	OnBegin(ctx context.Context) error
	// OnPreCommit runs reachability, the final flush and writes the changed objects to L2.
	OnPreCommit(ctx context.Context) error
	// OnCommit runs after the store committed and moves handles to their post-commit states.
	OnCommit(ctx context.Context) error
	OnPreRollback(ctx context.Context) error
	// OnRollback restores handle states and evicts speculative L2 entries.
	OnRollback(ctx context.Context) error
}

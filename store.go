package uow

import "context"

// Record is the stored form of an object. Reference fields hold Identity or []Identity.
type Record struct {
	ID      Identity
	Version int64
	Fields  map[int]any
}

type WriteKind int

const (
	Insert WriteKind = iota
	Update
	Remove
)

func (k WriteKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Remove:
		return "delete"
	}
	return "unknown"
}

// WriteOp is one write issued by the flush engine.
type WriteOp struct {
	Kind WriteKind
	ID   Identity
	// Version is the version the object was read at; zero for inserts.
	Version int64
	// Fields holds the written fields (all loaded fields for inserts, dirty ones for updates).
	Fields map[int]any
}

// BatchKind brackets bulk persist and delete calls.
type BatchKind int

const (
	PersistBatch BatchKind = iota
	DeleteBatch
)

// Store is the backing store collaborator.
type Store interface {
	// Connect opens a connection bound to one execution context.
	Connect(ctx context.Context) (Connection, error)
	Close() error
}

// Connection is the per execution context view of a Store. It is used by a single goroutine.
type Connection interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	InTransaction() bool

	// FindOne returns nil when the identity has no record.
	FindOne(ctx context.Context, id Identity) (*Record, error)
	// FindMany returns records aligned by position with ids, nil for absent ones.
	FindMany(ctx context.Context, ids []Identity) ([]*Record, error)
	// FindByUnique resolves a declared unique key, returning nil when absent.
	FindByUnique(ctx context.Context, key UniqueKey) (*Record, error)

	// ManageClassForIdentity makes sure the store manages the class of id and returns its name.
	ManageClassForIdentity(ctx context.Context, id Identity) (string, error)
	// ResolveConcreteClassForIdentity returns the stored concrete class of id, "" when absent.
	ResolveConcreteClassForIdentity(ctx context.Context, id Identity) (string, error)

	// Write applies op and returns the new version. A stale op.Version yields a *ConflictError.
	Write(ctx context.Context, op WriteOp) (int64, error)

	BatchStart(ctx context.Context, kind BatchKind) error
	BatchEnd(ctx context.Context, kind BatchKind) error

	Close() error
}

// ObjectProvider is the handle as seen by a FlushProcess.
type ObjectProvider interface {
	StateManager
	Object() Persistable
	Class() *ClassMeta
	Version() int64
	// Flush writes the pending state of the object through conn.
	Flush(ctx context.Context, conn Connection) error
	// Perform applies a queued collection operation to the object.
	Perform(ctx context.Context, op QueuedOperation) error
}

type CollectionOpKind int

const (
	CollectionAdd CollectionOpKind = iota
	CollectionRemove
)

// QueuedOperation is a deferred change of a reference collection whose owner does not have it loaded.
type QueuedOperation struct {
	Owner ObjectProvider
	Field int
	Kind  CollectionOpKind
	Value Persistable
}

// OperationQueue holds queued collection operations until flush.
type OperationQueue struct {
	ops []QueuedOperation
}

func (q *OperationQueue) Enqueue(op QueuedOperation) {
	q.ops = append(q.ops, op)
}

// Drain returns the queued operations and empties the queue.
func (q *OperationQueue) Drain() []QueuedOperation {
	ops := q.ops
	q.ops = nil
	return ops
}

// DrainFor removes and returns the operations queued against owner.
func (q *OperationQueue) DrainFor(owner ObjectProvider) []QueuedOperation {
	var r []QueuedOperation
	kept := q.ops[:0]
	for _, op := range q.ops {
		if op.Owner == owner {
			r = append(r, op)
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	return r
}

func (q *OperationQueue) Len() int {
	return len(q.ops)
}

func (q *OperationQueue) Clear() {
	q.ops = nil
}

// FlushProcess executes the pending writes of one flush pass. Optimistic conflicts are collected
// and returned; any other error aborts the pass.
type FlushProcess interface {
	Execute(ctx context.Context, conn Connection, direct, indirect []ObjectProvider, queue *OperationQueue) ([]error, error)
}

// FlushProcessProvider is implemented by connections that bring their own FlushProcess.
type FlushProcessProvider interface {
	FlushProcess() FlushProcess
}

package common

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sharedcode/uow"
	"github.com/sharedcode/uow/cache"
	"github.com/sharedcode/uow/store/leveldb"
)

// Field numbers of the test classes.
const (
	personName   = 0
	personEmail  = 1
	personFriend = 2

	customerName   = 0
	customerOrders = 1

	orderItem     = 0
	orderCustomer = 1
)

type entity struct {
	uow.Persistent
	class  string
	fields map[int]any
}

func (e *entity) ClassName() string { return e.class }
func (e *entity) FieldValue(n int) any { return e.fields[n] }
func (e *entity) SetFieldValue(n int, v any) { e.fields[n] = v }

// get reads a field the way a domain getter does.
func (e *entity) get(t *testing.T, n int) any {
	require.NoError(t, e.LoadField(n))
	return e.fields[n]
}

// set writes a field the way a domain setter does.
func (e *entity) set(n int, v any) error {
	e.fields[n] = v
	return e.MakeDirty(n)
}

func newEntity(class string) *entity {
	return &entity{class: class, fields: map[int]any{}}
}

func newPerson(name, email string) *entity {
	p := newEntity("Person")
	p.fields[personName] = name
	p.fields[personEmail] = email
	return p
}

func testMetaData(t *testing.T) *uow.MetaData {
	ctor := func(class string) func() uow.Persistable {
		return func() uow.Persistable { return newEntity(class) }
	}
	md, err := uow.NewMetaData(
		&uow.ClassMeta{
			Name: "Person",
			New:  ctor("Person"),
			Fields: []uow.FieldMeta{
				{Name: "name"},
				{Name: "email"},
				{Name: "friend", Kind: uow.Reference, Target: "Person", CascadePersist: true, DefaultFetch: true},
			},
			UniqueKeys: []uow.UniqueKeyMeta{{Name: "email", Fields: []int{personEmail}}},
			Cacheable:  true,
		},
		&uow.ClassMeta{
			Name: "Customer",
			New:  ctor("Customer"),
			Fields: []uow.FieldMeta{
				{Name: "name"},
				{Name: "orders", Kind: uow.ReferenceSlice, Target: "Order", MappedBy: "customer", CascadePersist: true, CascadeDelete: true},
			},
			PrimaryKey: []int{customerName},
			Cacheable:  true,
		},
		&uow.ClassMeta{
			Name: "Order",
			New:  ctor("Order"),
			Fields: []uow.FieldMeta{
				{Name: "item"},
				{Name: "customer", Kind: uow.Reference, Target: "Customer", MappedBy: "orders", DefaultFetch: true},
			},
		},
	)
	require.NoError(t, err)
	return md
}

// countingStore counts the single object reads made through its connections. With failCommit
// set, its connections roll back instead of committing.
type countingStore struct {
	uow.Store
	finds      atomic.Int64
	failCommit atomic.Bool
}

type countingConn struct {
	uow.Connection
	store *countingStore
}

func (s *countingStore) Connect(ctx context.Context) (uow.Connection, error) {
	c, err := s.Store.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &countingConn{Connection: c, store: s}, nil
}

func (c *countingConn) Commit(ctx context.Context) error {
	if c.store.failCommit.Load() {
		if err := c.Connection.Rollback(ctx); err != nil {
			return err
		}
		return errors.New("commit refused")
	}
	return c.Connection.Commit(ctx)
}

func (c *countingConn) FindOne(ctx context.Context, id uow.Identity) (*uow.Record, error) {
	c.store.finds.Add(1)
	return c.Connection.FindOne(ctx, id)
}

type fixture struct {
	md    *uow.MetaData
	store *countingStore
	l2    *cache.L2InMemoryCache
}

func newFixture(t *testing.T) *fixture {
	md := testMetaData(t)
	s, err := leveldb.OpenMemory(md)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &fixture{md: md, store: &countingStore{Store: s}, l2: cache.NewL2InMemoryCache(1000, 0)}
}

func (f *fixture) open(t *testing.T, opts uow.Options) *ExecutionContext {
	ec, err := NewExecutionContext(context.Background(), f.store, f.l2, f.md, opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if !ec.IsClosed() {
			if ec.inTransaction() {
				ec.Transaction().Rollback(context.Background())
			}
			ec.Close(context.Background())
		}
	})
	return ec
}

// inTx runs fn in a transaction of ec and commits it.
func inTx(t *testing.T, ec *ExecutionContext, fn func(ctx context.Context)) {
	ctx := context.Background()
	require.NoError(t, ec.Transaction().Begin(ctx))
	fn(ctx)
	require.NoError(t, ec.Transaction().Commit(ctx))
}

// seedPerson commits a person through a separate execution context and returns its identity.
func (f *fixture) seedPerson(t *testing.T, name, email string) uow.Identity {
	ec := f.open(t, uow.DefaultOptions())
	p := newPerson(name, email)
	inTx(t, ec, func(ctx context.Context) {
		_, err := ec.Persist(ctx, p)
		require.NoError(t, err)
	})
	id := p.ObjectID()
	require.NoError(t, ec.Close(context.Background()))
	return id
}

package common

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sharedcode/uow"
)

// stalledFlush writes nothing, so every pass leaves the dirty set as it found it.
type stalledFlush struct {
	passes int
}

func (s *stalledFlush) Execute(context.Context, uow.Connection, []uow.ObjectProvider, []uow.ObjectProvider, *uow.OperationQueue) ([]error, error) {
	s.passes++
	return nil, nil
}

func TestFlushGivesUpAfterMaxPasses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ec := f.open(t, uow.DefaultOptions())
	stalled := &stalledFlush{}
	ec.flushProc = stalled

	require.NoError(t, ec.Transaction().Begin(ctx))
	_, err := ec.Persist(ctx, newPerson("stuck", "stuck@x.io"))
	require.NoError(t, err)

	err = ec.Flush(ctx)
	require.True(t, uow.IsUserError(err))
	require.Equal(t, ec.opts.MaxFlushPasses, stalled.passes)
	require.Equal(t, 1, ec.dirty.len())
	require.NoError(t, ec.Transaction().Rollback(ctx))
}

func TestFlushOutsideTransaction(t *testing.T) {
	f := newFixture(t)
	ec := f.open(t, uow.DefaultOptions())
	require.NoError(t, ec.Flush(context.Background()))
}

func TestAutoFlushAtThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	opts := uow.DefaultOptions()
	opts.FlushMode = uow.FlushAuto
	opts.DirtyFlushThreshold = 2
	ec := f.open(t, opts)

	people := []*entity{newPerson("a", "a@x.io"), newPerson("b", "b@x.io"), newPerson("c", "c@x.io")}
	require.NoError(t, ec.Transaction().Begin(ctx))
	for _, p := range people {
		_, err := ec.Persist(ctx, p)
		require.NoError(t, err)
	}
	require.True(t, ec.handleOf(people[0]).flushed)
	require.True(t, ec.handleOf(people[1]).flushed)
	require.False(t, ec.handleOf(people[2]).flushed)
	require.Equal(t, 1, ec.dirty.len())
	require.NoError(t, ec.Transaction().Commit(ctx))

	check := f.open(t, uow.DefaultOptions())
	objs, err := check.FindAll(ctx, []uow.Identity{people[0].ObjectID(), people[1].ObjectID(), people[2].ObjectID()}, true)
	require.NoError(t, err)
	for i, obj := range objs {
		require.NotNil(t, obj, "person %d", i)
	}
}

func TestDeleteAllReportsFailingItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.seedPerson(t, "first", "first@x.io")
	third := f.seedPerson(t, "third", "third@x.io")

	opts := uow.DefaultOptions()
	opts.StrictDelete = true
	ec := f.open(t, opts)
	require.NoError(t, ec.Transaction().Begin(ctx))
	p1, err := ec.Find(ctx, first, true, false)
	require.NoError(t, err)
	p3, err := ec.Find(ctx, third, true, false)
	require.NoError(t, err)

	err = ec.DeleteAll(ctx, []uow.Persistable{p1, newPerson("transient", "t@x.io"), p3})
	require.True(t, uow.IsUserError(err))
	var e uow.Error
	require.True(t, errors.As(err, &e))
	items, ok := e.UserData.([]*uow.ItemError)
	require.True(t, ok)
	require.Len(t, items, 1)
	require.Equal(t, 1, items[0].Index)

	require.Equal(t, uow.Deleted, p1.(*entity).ObjectState())
	require.Equal(t, uow.Deleted, p3.(*entity).ObjectState())
	require.NoError(t, ec.Transaction().Commit(ctx))
	require.Equal(t, uow.Transient, p1.(*entity).ObjectState())

	check := f.open(t, uow.DefaultOptions())
	for _, id := range []uow.Identity{first, third} {
		_, err := check.Find(ctx, id, true, false)
		require.True(t, uow.IsNotFound(err), "%s", id)
	}
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ec := f.open(t, uow.DefaultOptions())

	c := newEntity("Customer")
	c.fields[customerName] = "gone"
	o := newEntity("Order")
	o.fields[orderItem] = "lamp"
	o.fields[orderCustomer] = c
	c.fields[customerOrders] = []uow.Persistable{o}
	inTx(t, ec, func(ctx context.Context) {
		_, err := ec.Persist(ctx, c)
		require.NoError(t, err)
	})
	orderID := o.ObjectID()

	inTx(t, ec, func(ctx context.Context) {
		require.NoError(t, ec.Delete(ctx, c))
		require.Equal(t, uow.Deleted, c.ObjectState())
		require.Equal(t, uow.Deleted, o.ObjectState())
	})

	check := f.open(t, uow.DefaultOptions())
	_, err := check.Find(ctx, orderID, true, false)
	require.True(t, uow.IsNotFound(err))
}

func TestDeleteTransientIsIgnoredByDefault(t *testing.T) {
	f := newFixture(t)
	ec := f.open(t, uow.DefaultOptions())
	inTx(t, ec, func(ctx context.Context) {
		require.NoError(t, ec.Delete(ctx, newPerson("nobody", "nobody@x.io")))
	})
}

func TestDeleteNewObjectNeverReachesStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ec := f.open(t, uow.DefaultOptions())

	p := newPerson("brief", "brief@x.io")
	var id uow.Identity
	inTx(t, ec, func(ctx context.Context) {
		_, err := ec.Persist(ctx, p)
		require.NoError(t, err)
		id = p.ObjectID()
		require.NoError(t, ec.Delete(ctx, p))
		require.Equal(t, uow.NewDeleted, p.ObjectState())
	})
	require.Equal(t, uow.Transient, p.ObjectState())

	check := f.open(t, uow.DefaultOptions())
	_, err := check.Find(ctx, id, true, false)
	require.True(t, uow.IsNotFound(err))
}

func TestBatchesOutsideTransactionKeepSuccessfulItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.seedPerson(t, "first", "first@x.io")
	third := f.seedPerson(t, "third", "third@x.io")

	opts := uow.DefaultOptions()
	opts.StrictDelete = true
	opts.NontransactionalWrite = true
	ec := f.open(t, opts)
	p1, err := ec.Find(ctx, first, true, false)
	require.NoError(t, err)
	p3, err := ec.Find(ctx, third, true, false)
	require.NoError(t, err)

	err = ec.DeleteAll(ctx, []uow.Persistable{p1, newPerson("transient", "t@x.io"), p3})
	require.True(t, uow.IsUserError(err))
	items := uow.BatchItems(err)
	require.Len(t, items, 1)
	require.Equal(t, 1, items[0].Index)
	require.False(t, ec.Transaction().HasBegun())

	check := f.open(t, uow.DefaultOptions())
	for _, id := range []uow.Identity{first, third} {
		_, err := check.Find(ctx, id, true, false)
		require.True(t, uow.IsNotFound(err), "%s", id)
	}

	a, b := newPerson("a", "a@x.io"), newPerson("b", "b@x.io")
	r, err := ec.PersistAll(ctx, []uow.Persistable{a, nil, b})
	require.True(t, uow.IsUserError(err))
	items = uow.BatchItems(err)
	require.Len(t, items, 1)
	require.Equal(t, 1, items[0].Index)
	require.Same(t, a, r[0])
	require.Nil(t, r[1])
	require.Same(t, b, r[2])

	objs, err := check.FindAll(ctx, []uow.Identity{a.ObjectID(), b.ObjectID()}, true)
	require.NoError(t, err)
	require.NotNil(t, objs[0])
	require.NotNil(t, objs[1])
}

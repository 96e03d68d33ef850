package common

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sharedcode/uow"
)

func TestCommitPopulatesL2(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.seedPerson(t, "cached", "cached@x.io")

	s, err := f.l2.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, int64(1), s.Version)
	require.Equal(t, "cached", s.Fields[personName])
	uid, ok, err := f.l2.GetUnique(ctx, uow.UniqueKey{Class: "Person", Name: "email", Value: "cached@x.io"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, uid)

	// An update is merged into the cached snapshot.
	ec := f.open(t, uow.DefaultOptions())
	inTx(t, ec, func(ctx context.Context) {
		obj, err := ec.Find(ctx, id, true, false)
		require.NoError(t, err)
		require.NoError(t, obj.(*entity).set(personEmail, "moved@x.io"))
	})
	s, err = f.l2.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(2), s.Version)
	require.Equal(t, "cached", s.Fields[personName])
	require.Equal(t, "moved@x.io", s.Fields[personEmail])
	_, ok, err = f.l2.GetUnique(ctx, uow.UniqueKey{Class: "Person", Name: "email", Value: "cached@x.io"})
	require.NoError(t, err)
	require.False(t, ok, "the old unique key is evicted")
}

func TestFindServedFromL2(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.seedPerson(t, "l2", "l2@x.io")
	f.store.finds.Store(0)

	ec := f.open(t, uow.DefaultOptions())
	obj, err := ec.Find(ctx, id, false, false)
	require.NoError(t, err)
	p := obj.(*entity)
	require.Equal(t, "l2", p.get(t, personName))
	require.Equal(t, uow.Nontransactional, p.ObjectState())
	require.Zero(t, f.store.finds.Load())

	// A datastore transaction trusts the snapshot.
	ec2 := f.open(t, uow.DefaultOptions())
	require.NoError(t, ec2.Transaction().Begin(ctx))
	obj, err = ec2.Find(ctx, id, false, false)
	require.NoError(t, err)
	require.Equal(t, uow.Clean, obj.(*entity).ObjectState())
	require.Zero(t, f.store.finds.Load())
	require.NoError(t, ec2.Transaction().Rollback(ctx))

	// An optimistic one doesn't.
	opts := uow.DefaultOptions()
	opts.Optimistic = true
	ec3 := f.open(t, opts)
	require.NoError(t, ec3.Transaction().Begin(ctx))
	obj, err = ec3.Find(ctx, id, false, false)
	require.NoError(t, err)
	require.Equal(t, uow.Nontransactional, obj.(*entity).ObjectState())
	require.Zero(t, f.store.finds.Load())
	require.NoError(t, ec3.Transaction().Rollback(ctx))
}

func TestL2BypassModes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.seedPerson(t, "bypass", "bypass@x.io")
	f.store.finds.Store(0)

	opts := uow.DefaultOptions()
	opts.L2RetrieveMode = uow.CacheBypass
	opts.L2StoreMode = uow.CacheBypass
	ec := f.open(t, opts)
	inTx(t, ec, func(ctx context.Context) {
		obj, err := ec.Find(ctx, id, false, false)
		require.NoError(t, err)
		require.NoError(t, obj.(*entity).set(personName, "changed"))
	})
	require.Positive(t, f.store.finds.Load())
	s, err := f.l2.Get(ctx, id)
	require.NoError(t, err)
	require.Nil(t, s, "a changed object is evicted even when L2 writes are bypassed")
}

func TestFailedCommitEvictsSpeculativeL2Entries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ec := f.open(t, uow.DefaultOptions())

	p := newPerson("ghost", "ghost@x.io")
	require.NoError(t, ec.Transaction().Begin(ctx))
	_, err := ec.Persist(ctx, p)
	require.NoError(t, err)
	id := p.ObjectID()

	f.store.failCommit.Store(true)
	err = ec.Transaction().Commit(ctx)
	f.store.failCommit.Store(false)
	require.ErrorContains(t, err, "commit refused")

	require.False(t, ec.Transaction().HasBegun())
	require.Equal(t, uow.Transient, p.ObjectState())
	s, err := f.l2.Get(ctx, id)
	require.NoError(t, err)
	require.Nil(t, s)

	other := f.open(t, uow.DefaultOptions())
	_, err = other.Find(ctx, id, true, false)
	require.True(t, uow.IsNotFound(err))
}

func TestConcurrentUpdateConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	x := f.seedPerson(t, "x", "x@x.io")

	a := f.open(t, uow.DefaultOptions())
	b := f.open(t, uow.DefaultOptions())
	require.NoError(t, a.Transaction().Begin(ctx))
	require.NoError(t, b.Transaction().Begin(ctx))
	ax, err := a.Find(ctx, x, true, false)
	require.NoError(t, err)
	bx, err := b.Find(ctx, x, true, false)
	require.NoError(t, err)

	require.NoError(t, ax.(*entity).set(personName, "by a"))
	require.NoError(t, a.Transaction().Commit(ctx))
	s, err := f.l2.Get(ctx, x)
	require.NoError(t, err)
	require.Equal(t, int64(2), s.Version)

	require.NoError(t, bx.(*entity).set(personName, "by b"))
	err = b.Transaction().Commit(ctx)
	require.True(t, uow.IsConflict(err))
	require.Equal(t, []uow.Identity{x}, uow.FailedIdentities(err))
	require.False(t, b.Transaction().HasBegun())
	require.Equal(t, uow.Hollow, bx.(*entity).ObjectState())

	s, err = f.l2.Get(ctx, x)
	require.NoError(t, err)
	require.Nil(t, s, "the conflicting object is evicted from L2")

	check := f.open(t, uow.DefaultOptions())
	obj, err := check.Find(ctx, x, true, false)
	require.NoError(t, err)
	require.Equal(t, "by a", obj.(*entity).get(t, personName))
}

func TestAdmissionRuleFiltersSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	opts := uow.DefaultOptions()
	opts.L2AdmissionRule = "snapshot.class != 'Person'"
	ec := f.open(t, opts)

	p := newPerson("private", "private@x.io")
	c := newEntity("Customer")
	c.fields[customerName] = "public"
	inTx(t, ec, func(ctx context.Context) {
		_, err := ec.Persist(ctx, p)
		require.NoError(t, err)
		_, err = ec.Persist(ctx, c)
		require.NoError(t, err)
	})

	s, err := f.l2.Get(ctx, p.ObjectID())
	require.NoError(t, err)
	require.Nil(t, s)
	s, err = f.l2.Get(ctx, c.ObjectID())
	require.NoError(t, err)
	require.NotNil(t, s)

	opts.L2AdmissionRule = "snapshot.class +"
	_, err = NewExecutionContext(ctx, f.store, f.l2, f.md, opts, nil)
	require.True(t, uow.IsFatal(err))
}

// countingL2 counts the identities looked up in the wrapped cache.
type countingL2 struct {
	uow.L2Cache
	lookups int
}

func (c *countingL2) GetAll(ctx context.Context, ids []uow.Identity) ([]*uow.Snapshot, error) {
	c.lookups += len(ids)
	return c.L2Cache.GetAll(ctx, ids)
}

func TestFindAllLooksUpL2Once(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	hit := f.seedPerson(t, "cached", "cached@x.io")
	miss := f.seedPerson(t, "evicted", "evicted@x.io")
	require.NoError(t, f.l2.Evict(ctx, miss))

	l2 := &countingL2{L2Cache: f.l2}
	ec, err := NewExecutionContext(ctx, f.store, l2, f.md, uow.DefaultOptions(), nil)
	require.NoError(t, err)
	objs, err := ec.FindAll(ctx, []uow.Identity{hit, miss}, false)
	require.NoError(t, err)
	require.Equal(t, 2, l2.lookups)
	require.Equal(t, "cached", objs[0].(*entity).fields[personName])
	missed := objs[1].(*entity)
	require.Equal(t, uow.Hollow, missed.ObjectState())
	require.Equal(t, miss, missed.ObjectID())
	require.NoError(t, ec.Close(ctx))
}

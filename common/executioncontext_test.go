package common

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sharedcode/uow"
)

func TestPersistCommitAndFind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ec := f.open(t, uow.DefaultOptions())

	p := newPerson("joe", "joe@x.io")
	inTx(t, ec, func(ctx context.Context) {
		r, err := ec.Persist(ctx, p)
		require.NoError(t, err)
		require.Same(t, p, r.(*entity))
		require.Equal(t, uow.New, p.ObjectState())
		require.True(t, ec.dirty.isDirect(ec.handleOf(p)))
	})
	require.Equal(t, uow.Hollow, p.ObjectState())
	require.Zero(t, ec.dirty.len())
	require.Zero(t, ec.registry.enlisted.len())
	require.Zero(t, ec.queue.Len())

	ec2 := f.open(t, uow.DefaultOptions())
	got, err := ec2.Find(ctx, p.ObjectID(), true, false)
	require.NoError(t, err)
	require.NotSame(t, p, got.(*entity))
	require.Equal(t, "joe", got.(*entity).get(t, personName))
	require.Equal(t, int64(1), ec2.handleOf(got).version)
	require.Equal(t, uow.Nontransactional, got.(*entity).ObjectState())
}

func TestOneObjectPerIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ec := f.open(t, uow.DefaultOptions())

	c := newEntity("Customer")
	c.fields[customerName] = "acme"
	inTx(t, ec, func(ctx context.Context) {
		_, err := ec.Persist(ctx, c)
		require.NoError(t, err)
	})
	id := uow.NewApplicationIdentity("Customer", "acme")
	require.Equal(t, id, c.ObjectID())

	a, err := ec.Find(ctx, id, false, false)
	require.NoError(t, err)
	b, err := ec.Find(ctx, id, true, false)
	require.NoError(t, err)
	require.Same(t, c, a.(*entity))
	require.Same(t, c, b.(*entity))

	require.NoError(t, ec.Transaction().Begin(ctx))
	dup := newEntity("Customer")
	dup.fields[customerName] = "acme"
	_, err = ec.Persist(ctx, dup)
	require.True(t, uow.IsUserError(err))
	require.Equal(t, uow.Transient, dup.ObjectState())

	// Persisting the managed instance again is a no-op.
	r, err := ec.Persist(ctx, c)
	require.NoError(t, err)
	require.Same(t, c, r.(*entity))
	require.NoError(t, ec.Transaction().Rollback(ctx))
}

func TestDirectAndIndirectDirtySetsAreExclusive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ec := f.open(t, uow.DefaultOptions())

	p := newPerson("p", "p@x.io")
	q := newPerson("q", "q@x.io")
	p.fields[personFriend] = q

	require.NoError(t, ec.Transaction().Begin(ctx))
	_, err := ec.Persist(ctx, p)
	require.NoError(t, err)
	sq := ec.handleOf(q)
	require.NotNil(t, sq, "friend is persisted by cascade")
	require.True(t, ec.dirty.isIndirect(sq))
	require.False(t, ec.dirty.isDirect(sq))

	_, err = ec.Persist(ctx, q)
	require.NoError(t, err)
	require.True(t, ec.dirty.isDirect(sq))
	require.False(t, ec.dirty.isIndirect(sq))
	require.Equal(t, 2, ec.dirty.len())

	require.NoError(t, ec.Transaction().Rollback(ctx))
	require.Equal(t, uow.Transient, p.ObjectState())
	require.Equal(t, uow.Transient, q.ObjectState())
	require.Zero(t, ec.dirty.len())
}

func TestRollbackRestoresObjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.seedPerson(t, "orig", "orig@x.io")
	ec := f.open(t, uow.DefaultOptions())

	require.NoError(t, ec.Transaction().Begin(ctx))
	obj, err := ec.Find(ctx, id, true, false)
	require.NoError(t, err)
	p := obj.(*entity)
	require.NoError(t, p.set(personName, "changed"))
	require.Equal(t, uow.Dirty, p.ObjectState())
	require.NoError(t, ec.Flush(ctx))
	require.NoError(t, ec.Transaction().Rollback(ctx))

	require.Equal(t, uow.Hollow, p.ObjectState())
	require.Equal(t, "orig", p.get(t, personName))
	require.Equal(t, int64(1), ec.handleOf(p).version)
}

func TestWritesOutsideTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	strict := f.open(t, uow.DefaultOptions())
	_, err := strict.Persist(ctx, newPerson("a", "a@x.io"))
	require.True(t, uow.IsUserError(err))

	opts := uow.DefaultOptions()
	opts.NontransactionalWrite = true
	ec := f.open(t, opts)
	p := newPerson("b", "b@x.io")
	_, err = ec.Persist(ctx, p)
	require.NoError(t, err)
	require.False(t, ec.Transaction().HasBegun())
	require.Equal(t, uow.Hollow, p.ObjectState())

	require.NoError(t, p.set(personName, "bee"))
	require.Equal(t, uow.Hollow, p.ObjectState())

	check := f.open(t, uow.DefaultOptions())
	got, err := check.Find(ctx, p.ObjectID(), true, false)
	require.NoError(t, err)
	require.Equal(t, "bee", got.(*entity).get(t, personName))
	require.Equal(t, int64(2), check.handleOf(got).version)
}

func TestReadsOutsideTransactionRequireOption(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.seedPerson(t, "r", "r@x.io")

	opts := uow.DefaultOptions()
	opts.NontransactionalRead = false
	ec := f.open(t, opts)
	_, err := ec.Find(ctx, id, false, false)
	require.True(t, uow.IsUserError(err))
}

func TestFindByUniqueKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.seedPerson(t, "u", "u@x.io")
	class, err := f.md.Class("Person")
	require.NoError(t, err)
	key := class.UniqueKeysOfFields(map[int]any{personEmail: "u@x.io"})[0]

	ec := f.open(t, uow.DefaultOptions())
	obj, err := ec.FindByUniqueKey(ctx, key)
	require.NoError(t, err)
	require.Equal(t, id, obj.(*entity).ObjectID())

	again, err := ec.FindByUniqueKey(ctx, key)
	require.NoError(t, err)
	require.Same(t, obj.(*entity), again.(*entity))

	missing := class.UniqueKeysOfFields(map[int]any{personEmail: "nobody@x.io"})[0]
	_, err = ec.FindByUniqueKey(ctx, missing)
	require.True(t, uow.IsNotFound(err))
}

func TestFindMissingObject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ec := f.open(t, uow.DefaultOptions())

	_, err := ec.Find(ctx, uow.Identity{Class: "Person", Key: "404"}, true, false)
	require.True(t, uow.IsNotFound(err))

	objs, err := ec.FindAll(ctx, []uow.Identity{{Class: "Person", Key: "404"}}, true)
	require.NoError(t, err)
	require.Nil(t, objs[0])
}

func TestObjectManagedElsewhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, uow.DefaultOptions())
	b := f.open(t, uow.DefaultOptions())

	p := newPerson("shared", "shared@x.io")
	require.NoError(t, a.Transaction().Begin(ctx))
	_, err := a.Persist(ctx, p)
	require.NoError(t, err)

	require.NoError(t, b.Transaction().Begin(ctx))
	_, err = b.Persist(ctx, p)
	require.True(t, uow.IsManagedElsewhere(err))
	require.False(t, b.Contains(p))
	require.True(t, a.Contains(p))
}

func TestL1EvictionDetachesObjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var ids []uow.Identity
	for i := range 5 {
		name := string(rune('a' + i))
		ids = append(ids, f.seedPerson(t, name, name+"@x.io"))
	}

	opts := uow.DefaultOptions()
	opts.L1MinCapacity = 2
	opts.L1MaxCapacity = 3
	ec := f.open(t, opts)
	objs := make([]*entity, len(ids))
	for i, id := range ids {
		obj, err := ec.Find(ctx, id, false, false)
		require.NoError(t, err)
		objs[i] = obj.(*entity)
	}
	require.LessOrEqual(t, ec.registry.l1.Len(), 3)
	require.Equal(t, uow.Detached, objs[0].ObjectState())
	require.Equal(t, ids[0], objs[0].ObjectID())
	require.Equal(t, uow.Nontransactional, objs[4].ObjectState())

	// A dropped object comes back as a new instance.
	again, err := ec.Find(ctx, ids[0], false, false)
	require.NoError(t, err)
	require.NotSame(t, objs[0], again.(*entity))
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.seedPerson(t, "c", "c@x.io")

	opts := uow.DefaultOptions()
	opts.DetachOnClose = true
	ec := f.open(t, opts)
	require.NoError(t, ec.Transaction().Begin(ctx))
	obj, err := ec.Find(ctx, id, true, false)
	require.NoError(t, err)

	require.True(t, uow.IsUserError(ec.Close(ctx)), "close with an active transaction")
	require.NoError(t, ec.Transaction().Rollback(ctx))
	require.NoError(t, ec.Close(ctx))
	require.True(t, ec.IsClosed())

	p := obj.(*entity)
	require.Equal(t, uow.Detached, p.ObjectState())
	require.Equal(t, "c", p.fields[personName], "detach on close loads the default fetch group")

	require.True(t, uow.IsUserError(ec.Close(ctx)))
	_, err = ec.Find(ctx, id, false, false)
	require.True(t, uow.IsUserError(err))
	require.True(t, uow.IsUserError(ec.Transaction().Begin(ctx)))
}

// Package storetest holds a behavioural test suite every record store must pass.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sharedcode/uow"
)

type stub struct {
	uow.Persistent
	class  string
	fields map[int]any
}

func (s *stub) ClassName() string { return s.class }
func (s *stub) FieldValue(n int) any { return s.fields[n] }
func (s *stub) SetFieldValue(n int, v any) { s.fields[n] = v }

func newStub(class string) func() uow.Persistable {
	return func() uow.Persistable { return &stub{class: class, fields: map[int]any{}} }
}

// MetaData returns the classes used by the suite: Person (unique email), abstract Animal and its subclass Dog.
func MetaData(t *testing.T) *uow.MetaData {
	md, err := uow.NewMetaData(
		&uow.ClassMeta{
			Name: "Person",
			New:  newStub("Person"),
			Fields: []uow.FieldMeta{
				{Name: "name"},
				{Name: "email"},
			},
			UniqueKeys: []uow.UniqueKeyMeta{{Name: "email", Fields: []int{1}}},
		},
		&uow.ClassMeta{Name: "Animal", Abstract: true, Fields: []uow.FieldMeta{{Name: "name"}}},
		&uow.ClassMeta{Name: "Dog", Super: "Animal", New: newStub("Dog"), Fields: []uow.FieldMeta{{Name: "name"}}},
	)
	require.NoError(t, err)
	return md
}

// Run exercises open, which must return an empty store over MetaData(t).
func Run(t *testing.T, open func(t *testing.T, md *uow.MetaData) uow.Store) {
	t.Run("InsertFindUpdateDelete", func(t *testing.T) { testCRUD(t, open(t, MetaData(t))) })
	t.Run("RollbackDiscardsWrites", func(t *testing.T) { testRollback(t, open(t, MetaData(t))) })
	t.Run("StaleVersionConflicts", func(t *testing.T) { testConflict(t, open(t, MetaData(t))) })
	t.Run("ConcreteClassResolution", func(t *testing.T) { testInheritance(t, open(t, MetaData(t))) })
	t.Run("UniqueKeys", func(t *testing.T) { testUnique(t, open(t, MetaData(t))) })
}

func testCRUD(t *testing.T, s uow.Store) {
	ctx := context.Background()
	conn, err := s.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()

	id := uow.Identity{Class: "Person", Key: "1"}
	require.NoError(t, conn.Begin(ctx))
	v, err := conn.Write(ctx, uow.WriteOp{Kind: uow.Insert, ID: id, Fields: map[int]any{0: "joe", 1: "joe@x.io"}})
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
	require.NoError(t, conn.Commit(ctx))

	r, err := conn.FindOne(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, "joe", r.Fields[0])
	require.Equal(t, int64(1), r.Version)

	require.NoError(t, conn.Begin(ctx))
	v, err = conn.Write(ctx, uow.WriteOp{Kind: uow.Update, ID: id, Version: 1, Fields: map[int]any{0: "joseph"}})
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
	require.NoError(t, conn.Commit(ctx))

	rs, err := conn.FindMany(ctx, []uow.Identity{{Class: "Person", Key: "404"}, id})
	require.NoError(t, err)
	require.Nil(t, rs[0])
	require.Equal(t, "joseph", rs[1].Fields[0])
	require.Equal(t, "joe@x.io", rs[1].Fields[1], "update must keep unwritten fields")

	_, err = conn.Write(ctx, uow.WriteOp{Kind: uow.Remove, ID: id, Version: 2})
	require.NoError(t, err)
	r, err = conn.FindOne(ctx, id)
	require.NoError(t, err)
	require.Nil(t, r)
}

func testRollback(t *testing.T, s uow.Store) {
	ctx := context.Background()
	conn, err := s.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()

	id := uow.Identity{Class: "Person", Key: "2"}
	require.NoError(t, conn.Begin(ctx))
	_, err = conn.Write(ctx, uow.WriteOp{Kind: uow.Insert, ID: id, Fields: map[int]any{0: "ann"}})
	require.NoError(t, err)
	r, err := conn.FindOne(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, r, "a transaction sees its own writes")
	require.NoError(t, conn.Rollback(ctx))

	r, err = conn.FindOne(ctx, id)
	require.NoError(t, err)
	require.Nil(t, r)
}

func testConflict(t *testing.T, s uow.Store) {
	ctx := context.Background()
	a, err := s.Connect(ctx)
	require.NoError(t, err)
	defer a.Close()
	b, err := s.Connect(ctx)
	require.NoError(t, err)
	defer b.Close()

	id := uow.Identity{Class: "Person", Key: "3"}
	_, err = a.Write(ctx, uow.WriteOp{Kind: uow.Insert, ID: id, Fields: map[int]any{0: "x"}})
	require.NoError(t, err)

	require.NoError(t, a.Begin(ctx))
	_, err = a.Write(ctx, uow.WriteOp{Kind: uow.Update, ID: id, Version: 1, Fields: map[int]any{0: "a"}})
	require.NoError(t, err)
	require.NoError(t, a.Commit(ctx))

	require.NoError(t, b.Begin(ctx))
	_, err = b.Write(ctx, uow.WriteOp{Kind: uow.Update, ID: id, Version: 1, Fields: map[int]any{0: "b"}})
	require.Error(t, err)
	require.True(t, uow.IsConflict(err))
	require.Equal(t, []uow.Identity{id}, uow.FailedIdentities(err))
	require.NoError(t, b.Rollback(ctx))

	_, err = b.Write(ctx, uow.WriteOp{Kind: uow.Insert, ID: id})
	require.Error(t, err, "insert of an existing identity must fail")
}

func testInheritance(t *testing.T, s uow.Store) {
	ctx := context.Background()
	conn, err := s.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()

	id := uow.Identity{Class: "Dog", Key: "rex"}
	name, err := conn.ManageClassForIdentity(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Dog", name)
	_, err = conn.Write(ctx, uow.WriteOp{Kind: uow.Insert, ID: id, Fields: map[int]any{0: "Rex"}})
	require.NoError(t, err)

	class, err := conn.ResolveConcreteClassForIdentity(ctx, uow.Identity{Class: "Animal", Key: "rex"})
	require.NoError(t, err)
	require.Equal(t, "Dog", class)

	r, err := conn.FindOne(ctx, uow.Identity{Class: "Animal", Key: "rex"})
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, id, r.ID)

	_, err = conn.ManageClassForIdentity(ctx, uow.Identity{Class: "Unknown", Key: "1"})
	require.True(t, uow.IsFatal(err))
}

func testUnique(t *testing.T, s uow.Store) {
	ctx := context.Background()
	conn, err := s.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()

	id := uow.Identity{Class: "Person", Key: "4"}
	key := uow.UniqueKey{Class: "Person", Name: "email", Value: "kim@x.io"}
	require.NoError(t, conn.Begin(ctx))
	_, err = conn.Write(ctx, uow.WriteOp{Kind: uow.Insert, ID: id, Fields: map[int]any{0: "kim", 1: "kim@x.io"}})
	require.NoError(t, err)
	require.NoError(t, conn.Commit(ctx))

	r, err := conn.FindByUnique(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, id, r.ID)

	_, err = conn.Write(ctx, uow.WriteOp{Kind: uow.Update, ID: id, Version: 1, Fields: map[int]any{1: "kim@y.io"}})
	require.NoError(t, err)
	r, err = conn.FindByUnique(ctx, key)
	require.NoError(t, err)
	require.Nil(t, r, "old unique key must be released")
}

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sharedcode/uow"
	"github.com/sharedcode/uow/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, md *uow.MetaData) uow.Store {
		s, err := Open(context.Background(), filepath.Join(t.TempDir(), "uow.db"), md)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestReadsBeforeFirstWriteSeeCommittedData(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "uow.db"), storetest.MetaData(t))
	require.NoError(t, err)
	defer s.Close()
	a, _ := s.Connect(ctx)
	b, _ := s.Connect(ctx)
	defer a.Close()
	defer b.Close()

	id := uow.Identity{Class: "Person", Key: "1"}
	require.NoError(t, b.Begin(ctx))
	r, err := b.FindOne(ctx, id)
	require.NoError(t, err)
	require.Nil(t, r)

	_, err = a.Write(ctx, uow.WriteOp{Kind: uow.Insert, ID: id, Fields: map[int]any{0: "joe"}})
	require.NoError(t, err)

	r, err = b.FindOne(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, r)
	require.NoError(t, b.Rollback(ctx))
}

package uow

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBatchErrorCodes(t *testing.T) {
	require.NoError(t, NewBatchError(nil))

	id := Identity{Class: "Person", Key: "1"}
	one := NewBatchError([]*ItemError{{Index: 2, ID: id, Err: NotFoundError(id)}})
	require.True(t, IsNotFound(one))

	mixed := NewBatchError([]*ItemError{
		{Index: 0, Err: UserError("bad input")},
		{Index: 1, Err: FatalError(errors.New("no metadata"))},
	})
	require.True(t, IsFatal(mixed))
	require.True(t, IsUserError(mixed), "item codes are visible through the aggregate")
	require.ErrorContains(t, mixed, "item 0: ")

	var item *ItemError
	require.True(t, errors.As(mixed, &item))
	require.Equal(t, 0, item.Index)

	require.Len(t, BatchItems(fmt.Errorf("delete: %w", mixed)), 2)
	require.Nil(t, BatchItems(UserError("bad input")))
}

func TestConflictErrors(t *testing.T) {
	a := &ConflictError{ID: Identity{Class: "Person", Key: "a"}, Expected: 1, Actual: 2}
	b := &ConflictError{ID: Identity{Class: "Person", Key: "b"}, Expected: 4, Actual: 5}
	require.NoError(t, NewOptimisticConflictError(nil))

	err := fmt.Errorf("commit failed: %w", NewOptimisticConflictError([]error{a, b}))
	require.True(t, IsConflict(err))
	require.Equal(t, []Identity{a.ID, b.ID}, FailedIdentities(err))

	require.True(t, IsConflict(a))
	require.Equal(t, []Identity{b.ID}, FailedIdentities(b))
	require.Nil(t, FailedIdentities(errors.New("other")))
}

func TestFatalErrorIsNotWrappedTwice(t *testing.T) {
	err := FatalError(errors.New("boom"))
	require.Equal(t, err, FatalError(err))
	require.Nil(t, NewLifecycleTransitionError(nil))
}

func Test_ShouldRetry(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"user misuse", UserError("x"), false},
		{"conflict", &ConflictError{}, false},
		{"fatal", FatalError(errors.New("x")), false},
		{"read-only fs", syscall.EROFS, false},
		{"store failure", Error{Code: StoreFailure, Err: errors.New("io")}, true},
		{"plain", errors.New("connection reset"), true},
	}
	for _, tt := range cases {
		if got := ShouldRetry(tt.in); got != tt.want {
			t.Fatalf("%s: got %v want %v", tt.name, got, tt.want)
		}
	}
}

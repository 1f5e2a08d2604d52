package idset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet_ZeroValueIsEmpty(t *testing.T) {
	var s Set
	require.True(t, s.IsEmpty())
	require.False(t, s.Contains(1))
	_, ok := s.Min()
	require.False(t, ok)
	require.Nil(t, s.Slice())
}

func TestSet_WithDoesNotMutateOriginal(t *testing.T) {
	base := Of(3, 1)
	next := base.With(2)

	require.Equal(t, []uint64{1, 3}, base.Slice())
	require.Equal(t, []uint64{1, 2, 3}, next.Slice())

	smaller := next.Without(1)
	require.Equal(t, []uint64{2, 3}, smaller.Slice())
	require.Equal(t, []uint64{1, 2, 3}, next.Slice())
}

func TestSet_WithRangeIsHalfOpen(t *testing.T) {
	s := Of(10).WithRange(4, 7)
	require.Equal(t, []uint64{4, 5, 6, 10}, s.Slice())

	require.Equal(t, s, s.WithRange(8, 8), "empty range returns the same set")

	lowest, ok := s.Min()
	require.True(t, ok)
	require.Equal(t, uint64(4), lowest)
}

func TestSet_WithAllAndWithoutAll(t *testing.T) {
	a := Of(1, 2, 3)
	b := Of(3, 4)

	require.Equal(t, []uint64{1, 2, 3, 4}, a.WithAll(b).Slice())
	require.Equal(t, []uint64{1, 2}, a.WithoutAll(b).Slice())
	require.Equal(t, []uint64{1, 2, 3}, a.Slice())
}

func TestSet_CopiesAreIndependent(t *testing.T) {
	base := Of(1)
	left := base.With(2)
	right := base.With(3)

	require.Equal(t, []uint64{1, 2}, left.Slice())
	require.Equal(t, []uint64{1, 3}, right.Slice())
	require.Equal(t, []uint64{1}, base.Slice())
}

package snapshot

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"snapshot-state/snapshot/internal/idset"
)

// chainOf строит цепочку, в которой запись с id i хранит значение i*10.
// Последний id оказывается в голове.
func chainOf(ids ...uint64) *chain[uint64] {
	c := &chain[uint64]{}
	for _, id := range ids {
		r := newRecord(id, id*10)
		r.next = c.head.Load()
		c.head.Store(r)
	}
	return c
}

func recordByValue(c *chain[uint64], value uint64) *Record[uint64] {
	for r := c.head.Load(); r != nil; r = r.next {
		if r.Value() == value {
			return r
		}
	}
	return nil
}

func TestChain_Readable(t *testing.T) {
	c := chainOf(1, 3, 5, 7)

	r, id := c.readable(6, idset.Of(5))
	require.NotNil(t, r)
	require.EqualValues(t, 3, id)
	require.EqualValues(t, 30, r.Value())

	r, id = c.readable(10, idset.Set{})
	require.EqualValues(t, 7, id)
	require.EqualValues(t, 70, r.Value())

	r, id = c.readable(0, idset.Set{})
	require.Nil(t, r)
	require.Equal(t, InvalidID, id)
}

func TestChain_ReadableSkipsInFlightAndInvalid(t *testing.T) {
	c := chainOf(2, 4)
	recordByValue(c, 40).id.Store(maxID)
	recordByValue(c, 20).id.Store(InvalidID)

	r, _ := c.readable(maxID-1, idset.Set{})
	require.Nil(t, r)
}

func TestChain_UsedLocked(t *testing.T) {
	t.Run("invalid record first", func(t *testing.T) {
		c := chainOf(1, 2, 3)
		recordByValue(c, 30).id.Store(InvalidID)
		require.Same(t, recordByValue(c, 30), c.usedLocked(0))
	})

	t.Run("lower of two below limit", func(t *testing.T) {
		c := chainOf(2, 1, 5)
		require.Same(t, recordByValue(c, 10), c.usedLocked(3))

		c = chainOf(1, 2, 5)
		require.Same(t, recordByValue(c, 10), c.usedLocked(3))
	})

	t.Run("single record below limit", func(t *testing.T) {
		c := chainOf(1, 5, 6)
		require.Nil(t, c.usedLocked(4))
	})
}

func TestChain_NewOverwritable(t *testing.T) {
	c := chainOf(1)

	r, allocated := c.newOverwritableLocked(1)
	require.True(t, allocated)
	require.Equal(t, maxID, r.ID())
	require.Same(t, r, c.head.Load())
	require.Equal(t, 2, c.len())

	r.store(20)
	r.id.Store(2)

	reused, allocated := c.newOverwritableLocked(2)
	require.False(t, allocated)
	require.Same(t, recordByValue(c, 10), reused)
	require.Equal(t, maxID, reused.ID())
	require.Equal(t, 2, c.len())
}

func TestChain_OverwriteUnused(t *testing.T) {
	c := chainOf(1, 2, 3, 6, 8)

	retained, reclaimed := c.overwriteUnusedLocked(5)
	require.Equal(t, 3, retained) // 3, 6, 8
	require.Equal(t, 2, reclaimed)

	require.EqualValues(t, 3, recordByValue(c, 30).ID())
	for r := c.head.Load(); r != nil; r = r.next {
		if r.ID() == InvalidID {
			require.EqualValues(t, 80, r.Value(), "reclaimed slot holds youngest retained payload")
		}
	}

	// Повторный проход ничего не меняет.
	retained, reclaimed = c.overwriteUnusedLocked(5)
	require.Equal(t, 3, retained)
	require.Zero(t, reclaimed)
}

func TestChain_OverwriteUnusedIgnoresInFlight(t *testing.T) {
	c := chainOf(1, 2, 7)
	recordByValue(c, 70).id.Store(maxID)

	retained, reclaimed := c.overwriteUnusedLocked(5)
	require.Equal(t, 2, retained)
	require.Equal(t, 1, reclaimed)
	require.EqualValues(t, 2, recordByValue(c, 20).ID())
	require.Equal(t, InvalidID, recordByValue(c, 20).next.ID())
}

// TestChain_OverwriteUnusedRandom сверяет схлопывание с моделью:
// ниже лимита остаётся ровно одна старшая запись, видимость для id
// не ниже лимита не меняется.
func TestChain_OverwriteUnusedRandom(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))

	for range 500 {
		var ids []uint64
		for id := uint64(1); id <= 40; id++ {
			if rng.IntN(3) == 0 {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			continue
		}
		rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		c := chainOf(ids...)
		limit := uint64(rng.IntN(45))

		var below, highestBelow uint64
		for _, id := range ids {
			if id < limit {
				below++
				highestBelow = max(highestBelow, id)
			}
		}
		before := make(map[uint64]uint64)
		for snap := limit; snap <= 45; snap++ {
			if r, _ := c.readable(snap, idset.Set{}); r != nil {
				before[snap] = r.Value()
			}
		}

		_, reclaimed := c.overwriteUnusedLocked(limit)
		if below > 0 {
			require.EqualValues(t, below-1, reclaimed)
		} else {
			require.Zero(t, reclaimed)
		}

		var live uint64
		for r := c.head.Load(); r != nil; r = r.next {
			if id := r.ID(); id != InvalidID && id < limit {
				live++
				require.Equal(t, highestBelow, id)
			}
		}
		require.Equal(t, min(below, 1), live)

		for snap, want := range before {
			r, _ := c.readable(snap, idset.Set{})
			require.NotNil(t, r)
			require.Equal(t, want, r.Value())
		}
	}
}

func TestChain_Invalidate(t *testing.T) {
	c := chainOf(1, 4, 5, 9)

	require.Equal(t, 2, c.invalidateLocked(idset.Of(4, 9, 12)))
	r, id := c.readable(20, idset.Set{})
	require.EqualValues(t, 5, id)
	require.EqualValues(t, 50, r.Value())
}

func TestValid(t *testing.T) {
	invalid := idset.Of(3)

	require.True(t, valid(2, 4, invalid))
	require.False(t, valid(3, 4, invalid))
	require.False(t, valid(5, 4, invalid))
	require.False(t, valid(InvalidID, 4, invalid))
	require.False(t, valid(maxID, maxID-1, idset.Set{}))
}

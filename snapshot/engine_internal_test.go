package snapshot

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newInternalEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := NewEngine(context.Background(), append([]Option{WithAdvanceInterval(0)}, opts...)...)
	t.Cleanup(e.Close)
	return e
}

func pinCount(e *Engine) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pins.Len()
}

func TestPinsFollowSnapshotLifetime(t *testing.T) {
	e := newInternalEngine(t)
	ctx := context.Background()
	require.Equal(t, 1, pinCount(e))

	s, err := e.TakeMutableSnapshot(ctx, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 2, pinCount(e), "old global releases its pin")

	var nested Snapshot
	require.NoError(t, s.Enter(ctx, func(ctx context.Context) error {
		nested, err = e.TakeMutableSnapshot(ctx, nil, nil)
		return err
	}))
	require.Equal(t, 3, pinCount(e))

	nested.Dispose()
	s.Dispose()
	require.Equal(t, 1, pinCount(e))

	// Новый глобальный снапшот без открытых соседей закрепляет свой id.
	e.AdvanceGlobal()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NoError(t, e.pins.Validate())
	require.Equal(t, e.global.Load().ID()-1, e.reuseLimitLocked())
}

func TestNestedDeactivatedWithoutActivation(t *testing.T) {
	e := newInternalEngine(t)

	s, err := e.TakeMutableSnapshot(context.Background(), nil, nil)
	require.NoError(t, err)
	m := s.(*MutableSnapshot)
	m.Dispose()

	e.mu.Lock()
	err = m.nestedDeactivatedLocked()
	e.mu.Unlock()
	require.ErrorIs(t, err, ErrInvalidOperation)
}

func TestAdvanceTracksReclaimableStates(t *testing.T) {
	e := newInternalEngine(t)
	ctx := context.Background()
	c := NewState(ctx, e, 0, NeverEqualPolicy[int]())

	reader, err := e.TakeSnapshot(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, 1))
	e.AdvanceGlobal()
	require.NoError(t, c.Set(ctx, 2))
	e.AdvanceGlobal()

	// Читатель держит пин: цепочку схлопнуть нельзя.
	require.Equal(t, 1, e.ReclaimableCount())
	require.Equal(t, 3, c.RecordCount())

	reader.Dispose()
	e.AdvanceGlobal()
	require.Zero(t, e.ReclaimableCount())

	v, err := c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := newInternalEngine(t, WithRegisterer(reg))
	ctx := context.Background()
	c := NewState(ctx, e, 0, NeverEqualPolicy[int]())

	s, err := e.TakeMutableSnapshot(ctx, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Enter(ctx, func(ctx context.Context) error { return c.Set(ctx, 1) }))
	s.Dispose()

	require.NoError(t, c.Set(ctx, 2)) // переиспользует брошенный слот
	e.AdvanceGlobal()

	require.Equal(t, 2.0, testutil.ToFloat64(e.metrics.globalAdvances))
	require.Equal(t, 3.0, testutil.ToFloat64(e.metrics.taken.WithLabelValues("global")))
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.taken.WithLabelValues("mutable")))
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.recordsAllocated))
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.recordsReused))
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.abandoned))
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.open))

	count, err := testutil.GatherAndCount(reg, "snapshot_global_advances_total", "snapshot_abandoned_total")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestMetrics_StaleRead(t *testing.T) {
	e := newInternalEngine(t)
	ctx := context.Background()

	s, err := e.TakeMutableSnapshot(ctx, nil, nil)
	require.NoError(t, err)
	defer s.Dispose()

	var c *StateCell[int]
	require.NoError(t, s.Enter(ctx, func(ctx context.Context) error {
		c = NewState(ctx, e, 1, NeverEqualPolicy[int]())
		return nil
	}))

	_, err = c.Get(ctx)
	require.ErrorIs(t, err, ErrStaleRead)
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.staleReads))
}

func TestMetrics_DuplicateRegistrationIsLogged(t *testing.T) {
	reg := prometheus.NewRegistry()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	newInternalEngine(t, WithRegisterer(reg))
	newInternalEngine(t, WithRegisterer(reg), WithLogger(logger))

	require.Contains(t, buf.String(), "failed to register snapshot metric")
}

func TestDebugLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e := newInternalEngine(t, WithLogger(logger))
	ctx := context.Background()

	s, err := e.TakeMutableSnapshot(ctx, nil, nil)
	require.NoError(t, err)
	s.Dispose()

	out := buf.String()
	require.Contains(t, out, "advanced global snapshot")
	require.Contains(t, out, "abandoned snapshot")
}

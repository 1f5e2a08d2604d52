package snapshot

import (
	"slices"

	"snapshot-state/snapshot/internal/idset"
)

// GlobalSnapshot — корневой снапшот. В каждый момент жив ровно один;
// при продвижении он целиком заменяется новым, а прежний освобождается.
//
// Записи вне какого-либо ambient-снапшота выполняются в глобальном.
type GlobalSnapshot struct {
	MutableSnapshot
}

func newGlobalSnapshotLocked(e *Engine, id uint64, invalid idset.Set) *GlobalSnapshot {
	g := &GlobalSnapshot{MutableSnapshot: MutableSnapshot{activations: 1}}
	g.initLocked(e, g, id, invalid, nil, nil)
	e.metrics.taken.WithLabelValues("global").Inc()
	return g
}

// Root возвращает сам глобальный снапшот.
func (g *GlobalSnapshot) Root() Snapshot { return g }

// Dispose — no-op: глобальный снапшот освобождает только движок,
// заменяя его при продвижении.
func (g *GlobalSnapshot) Dispose() {}

func (g *GlobalSnapshot) disposeLocked() {
	if g.markDisposed() {
		g.releasePinLocked()
	}
}

// TakeNestedMutableSnapshot берёт мутабельный снапшот от глобального.
// Invalid-множество ребёнка — все открытые снапшоты, кроме заменяемого
// глобального: их записи ребёнку не видны.
func (g *GlobalSnapshot) TakeNestedMutableSnapshot(readObserver, writeObserver Observer) (Snapshot, error) {
	e := g.engine
	return e.advanceGlobal(func(invalid idset.Set) Snapshot {
		id := e.ids.allocateLocked()
		s := newMutableSnapshotLocked(e, id, invalid, readObserver, writeObserver)
		e.open = e.open.With(id)
		return s
	}), nil
}

// TakeNestedSnapshot берёт read-only снапшот от глобального.
func (g *GlobalSnapshot) TakeNestedSnapshot(readObserver Observer) (Snapshot, error) {
	e := g.engine
	return e.advanceGlobal(func(invalid idset.Set) Snapshot {
		id := e.ids.allocateLocked()
		s := newReadOnlySnapshotLocked(e, id, invalid, readObserver, nil, nil, true)
		e.open = e.open.With(id)
		return s
	}), nil
}

// advanceGlobal выполняет body с открытым множеством без текущего
// глобального снапшота, заменяет глобальный снапшот новым и схлопывает
// недостижимые записи. Затем уведомляет apply-наблюдателей об объектах,
// изменённых в заменённом снапшоте.
func (e *Engine) advanceGlobal(body func(invalid idset.Set) Snapshot) Snapshot {
	e.mu.Lock()

	previous := e.global.Load()
	var result Snapshot
	if body != nil {
		result = body(e.open.Without(previous.ID()))
	}
	modified := previous.modifiedLocked()

	globalID := e.ids.allocateLocked()
	e.open = e.open.Without(previous.ID())
	e.global.Store(newGlobalSnapshotLocked(e, globalID, e.open))
	previous.disposeLocked()
	e.open = e.open.With(globalID)

	reuseLimit, reclaimed := e.compactUnusedRecordsLocked()
	for _, state := range modified {
		e.processForUnusedRecordsLocked(state, reuseLimit)
	}
	tracked := e.reclaimable.Len()

	var observers []ApplyObserver
	if len(modified) > 0 {
		for _, o := range e.applyObservers {
			observers = append(observers, o.fn)
		}
	}
	e.metrics.open.Set(float64(e.open.Len()))
	e.mu.Unlock()

	e.metrics.globalAdvances.Inc()
	e.metrics.reclaimableStates.Set(float64(tracked))
	e.logger.Debug("advanced global snapshot",
		"previousID", previous.ID(),
		"globalID", globalID,
		"reuseLimit", reuseLimit,
		"reclaimed", reclaimed,
		"tracked", tracked,
	)

	for _, fn := range observers {
		fn(slices.Clone(modified), previous)
	}
	return result
}

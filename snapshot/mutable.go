package snapshot

import (
	"fmt"

	"snapshot-state/snapshot/internal/idset"
)

// MutableSnapshot — снапшот, в котором можно писать и от которого можно
// брать вложенные снапшоты.
//
// Снапшот живёт, пока активен он сам или хотя бы один вложенный снапшот.
// Когда счётчик активаций падает до нуля, снапшот abandon-ится: его записи
// помечаются InvalidID и могут быть сразу переиспользованы.
type MutableSnapshot struct {
	snapshotBase

	previousIDs idset.Set // id, которые снапшот носил до продвижения; под Engine.mu
	activations int       // сам снапшот + активные вложенные; под Engine.mu
	abandoned   bool
}

func newMutableSnapshotLocked(e *Engine, id uint64, invalid idset.Set, readObserver, writeObserver Observer) *MutableSnapshot {
	s := &MutableSnapshot{activations: 1}
	s.initLocked(e, s, id, invalid, readObserver, writeObserver)
	e.metrics.taken.WithLabelValues("mutable").Inc()
	return s
}

// ReadOnly всегда false.
func (s *MutableSnapshot) ReadOnly() bool { return false }

// Root возвращает сам снапшот.
func (s *MutableSnapshot) Root() Snapshot { return s.self }

// PreviousIDs возвращает id, которые снапшот носил до продвижений.
func (s *MutableSnapshot) PreviousIDs() []uint64 {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	return s.previousIDs.Slice()
}

// TakeNestedMutableSnapshot берёт вложенный мутабельный снапшот.
//
// Ребёнок получает новый id и invalid-множество родителя, расширенное
// id, выданными между id родителя и id ребёнка. Сам родитель продвигается
// на свежий id, чтобы его последующие записи не были видны ребёнку.
func (s *MutableSnapshot) TakeNestedMutableSnapshot(readObserver, writeObserver Observer) (Snapshot, error) {
	e := s.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.Disposed() {
		return nil, errDisposed(s.self)
	}

	current := s.load()
	childID := e.ids.allocateLocked()
	e.open = e.open.With(childID)

	child := &NestedMutableSnapshot{
		MutableSnapshot: MutableSnapshot{activations: 1},
		parent:          s.self,
		parentCore:      s,
	}
	child.initLocked(e, child, childID,
		current.invalid.WithRange(current.id+1, childID),
		mergeObservers(readObserver, s.readObserver),
		mergeObservers(writeObserver, s.writeObserver),
	)
	s.nestedActivatedLocked()
	s.advanceLocked()

	e.metrics.taken.WithLabelValues("nested").Inc()
	e.metrics.open.Set(float64(e.open.Len()))
	e.logger.Debug("took nested mutable snapshot",
		"parentID", current.id,
		"snapshotID", childID,
	)
	return child, nil
}

// TakeNestedSnapshot берёт вложенный read-only снапшот.
func (s *MutableSnapshot) TakeNestedSnapshot(readObserver Observer) (Snapshot, error) {
	e := s.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.Disposed() {
		return nil, errDisposed(s.self)
	}

	current := s.load()
	childID := e.ids.allocateLocked()
	e.open = e.open.With(childID)

	child := newReadOnlySnapshotLocked(e, childID,
		current.invalid.WithRange(current.id+1, childID),
		mergeObservers(readObserver, s.readObserver),
		s.self, s, true,
	)
	s.nestedActivatedLocked()
	s.advanceLocked()

	e.metrics.open.Set(float64(e.open.Len()))
	return child, nil
}

// advanceLocked переводит снапшот на свежий id. Все id между прежним
// и новым (включая id только что взятых детей) становятся невидимы.
func (s *MutableSnapshot) advanceLocked() {
	e := s.engine
	previous := s.load()
	s.previousIDs = s.previousIDs.With(previous.id)

	nextID := e.ids.allocateLocked()
	e.open = e.open.With(nextID)
	s.view.Store(&view{
		id:      nextID,
		invalid: previous.invalid.WithRange(previous.id+1, nextID),
	})
}

// Dispose освобождает снапшот. Записи abandon-ятся, когда освобождены
// и все вложенные снапшоты.
func (s *MutableSnapshot) Dispose() {
	s.dispose(nil)
}

func (s *MutableSnapshot) dispose(parent *MutableSnapshot) {
	if !s.markDisposed() {
		return
	}

	e := s.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	s.releasePinLocked()
	if err := s.nestedDeactivatedLocked(); err != nil {
		e.logger.Warn("failed to deactivate snapshot", "snapshotID", s.ID(), "error", err)
	}
	if parent != nil {
		if err := parent.nestedDeactivatedLocked(); err != nil {
			e.logger.Warn("failed to deactivate parent snapshot", "snapshotID", parent.ID(), "error", err)
		}
	}
	e.metrics.open.Set(float64(e.open.Len()))
}

// nestedActivatedLocked учитывает новый активный вложенный снапшот.
func (s *MutableSnapshot) nestedActivatedLocked() {
	s.activations++
}

// nestedDeactivatedLocked снимает одну активацию. Деактивировать больше,
// чем было активировано, нельзя: это ошибка вызывающего.
func (s *MutableSnapshot) nestedDeactivatedLocked() error {
	if s.activations <= 0 {
		return fmt.Errorf("%w: no pending nested snapshots for snapshot %d", ErrInvalidOperation, s.ID())
	}
	s.activations--
	if s.activations == 0 {
		s.abandonLocked()
	}
	return nil
}

// abandonLocked помечает InvalidID все записи, сделанные снапшотом под
// любым из его id, и убирает эти id из открытого множества.
func (s *MutableSnapshot) abandonLocked() {
	if s.abandoned {
		return
	}
	s.abandoned = true

	e := s.engine
	owned := s.previousIDs.With(s.ID())
	for state := range s.modified {
		state.invalidateRecordsLocked(owned)
	}
	e.open = e.open.WithoutAll(owned)

	e.metrics.abandoned.Inc()
	e.logger.Debug("abandoned snapshot",
		"snapshotID", s.ID(),
		"states", len(s.modified),
	)
	s.modified = nil
}

// NestedMutableSnapshot — мутабельный снапшот, взятый от другого
// мутабельного. Его Root делегирует родителю, а освобождение снимает
// активацию родителя.
type NestedMutableSnapshot struct {
	MutableSnapshot

	parent     Snapshot
	parentCore *MutableSnapshot
}

// Root возвращает корень родителя.
func (s *NestedMutableSnapshot) Root() Snapshot { return s.parent.Root() }

// Parent возвращает снапшот, от которого взят этот.
func (s *NestedMutableSnapshot) Parent() Snapshot { return s.parent }

// Dispose освобождает снапшот и снимает активацию родителя.
func (s *NestedMutableSnapshot) Dispose() {
	s.dispose(s.parentCore)
}

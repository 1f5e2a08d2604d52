package snapshot

import "snapshot-state/snapshot/internal/idset"

// ReadOnlySnapshot — снапшот только для чтения. Попытка записи через него
// отмечает объект как изменённый (отложенный сигнал конфликта)
// и возвращает ErrReadOnly; запись при этом не создаётся.
type ReadOnlySnapshot struct {
	snapshotBase

	parent     Snapshot         // nil, если взят от глобального снапшота
	parentCore *MutableSnapshot // мутабельный родитель, чью активацию держим
	ownsID     bool             // false, если id разделён с read-only родителем

	created []StateObject // объекты, созданные в снапшоте; под Engine.mu
}

func newReadOnlySnapshotLocked(e *Engine, id uint64, invalid idset.Set, readObserver Observer,
	parent Snapshot, parentCore *MutableSnapshot, ownsID bool,
) *ReadOnlySnapshot {
	s := &ReadOnlySnapshot{parent: parent, parentCore: parentCore, ownsID: ownsID}
	s.initLocked(e, s, id, invalid, readObserver, nil)
	e.metrics.taken.WithLabelValues("readonly").Inc()
	return s
}

// ReadOnly всегда true.
func (s *ReadOnlySnapshot) ReadOnly() bool { return true }

// Root возвращает корень родителя или сам снапшот.
func (s *ReadOnlySnapshot) Root() Snapshot {
	if s.parent == nil {
		return s
	}
	return s.parent.Root()
}

// TakeNestedSnapshot берёт вложенный read-only снапшот с тем же видом.
// Новый id не выдаётся: read-only снапшоту нечего отделять от ребёнка.
func (s *ReadOnlySnapshot) TakeNestedSnapshot(readObserver Observer) (Snapshot, error) {
	e := s.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.Disposed() {
		return nil, errDisposed(s)
	}
	current := s.load()
	return newReadOnlySnapshotLocked(e, current.id, current.invalid,
		mergeObservers(readObserver, s.readObserver), s, nil, false), nil
}

func (s *ReadOnlySnapshot) recordCreatedLocked(state StateObject) {
	s.created = append(s.created, state)
}

// Dispose освобождает пин и, если id принадлежит снапшоту, убирает его
// из открытого множества. Объекты, созданные в снапшоте, становятся
// невидимы всем.
func (s *ReadOnlySnapshot) Dispose() {
	if !s.markDisposed() {
		return
	}

	e := s.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	s.releasePinLocked()
	if len(s.created) > 0 {
		owned := idset.Of(s.ID())
		for _, state := range s.created {
			state.invalidateRecordsLocked(owned)
		}
		s.created = nil
	}
	if s.ownsID {
		e.open = e.open.Without(s.ID())
	}
	if s.parentCore != nil {
		if err := s.parentCore.nestedDeactivatedLocked(); err != nil {
			e.logger.Warn("failed to deactivate parent snapshot", "snapshotID", s.parentCore.ID(), "error", err)
		}
	}
	e.metrics.open.Set(float64(e.open.Len()))
}

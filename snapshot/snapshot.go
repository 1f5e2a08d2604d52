package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"snapshot-state/snapshot/internal/idset"
)

// Sentinel errors для типизированной обработки на стороне вызывающего.
var (
	ErrStaleRead = errors.New("snapshot: reading a state that was created after the snapshot was taken " +
		"or in a snapshot that has not yet been applied")
	ErrInvalidOperation = errors.New("snapshot: invalid operation")
	ErrDisposed         = fmt.Errorf("%w: snapshot is disposed", ErrInvalidOperation)
	ErrReadOnly         = fmt.Errorf("%w: cannot modify a state object in a read-only snapshot", ErrInvalidOperation)
	ErrConflict         = errors.New("snapshot: unresolved merge conflict")
)

func errDisposed(s Snapshot) error {
	return fmt.Errorf("%w: id %d", ErrDisposed, s.ID())
}

// Observer вызывается при чтении или записи объекта состояния.
type Observer func(state StateObject)

// Snapshot — согласованный на момент взятия вид всех объектов состояния.
//
// Жизненный цикл: active → disposed. Обратного перехода нет.
type Snapshot interface {
	// ID — текущий id снапшота. У мутабельного снапшота он продвигается
	// при взятии вложенных снапшотов.
	ID() uint64
	// InvalidIDs — id, невидимые снапшоту, хотя они не больше его id.
	InvalidIDs() []uint64
	ReadOnly() bool
	// Root — самый внешний снапшот, к которому логически относится этот.
	Root() Snapshot
	Disposed() bool
	// Dispose идемпотентен: первый вызов освобождает пин снапшота.
	Dispose()
	// Enter вызывает fn с контекстом, в котором снапшот — ambient.
	Enter(ctx context.Context, fn func(ctx context.Context) error) error

	base() *snapshotBase
}

// EnterValue — Enter для тела, возвращающего значение.
func EnterValue[R any](ctx context.Context, s Snapshot, fn func(ctx context.Context) (R, error)) (R, error) {
	var result R
	err := s.Enter(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// snapshotState описывает жизненный цикл снапшота конечным автоматом:
// active → disposed
type snapshotState uint32

const (
	snapshotActive   snapshotState = 0
	snapshotDisposed snapshotState = 1
)

// view — id и invalid-множество, публикуемые одной атомарной записью:
// читатель никогда не видит новый id со старым invalid-множеством.
type view struct {
	id      uint64
	invalid idset.Set
}

// snapshotBase — общее состояние всех видов снапшотов.
type snapshotBase struct {
	engine *Engine
	self   Snapshot

	view  atomic.Pointer[view]
	state atomic.Uint32 // snapshotState

	pin int // хэндл в Engine.pins, -1 — не закреплён; под Engine.mu

	readObserver  Observer
	writeObserver Observer
	writeCount    atomic.Int64

	modified map[StateObject]struct{} // под Engine.mu
}

// initLocked публикует id и invalid-множество и закрепляет наименьший id,
// который снапшоту может понадобиться для различения видимости.
func (b *snapshotBase) initLocked(e *Engine, self Snapshot, id uint64, invalid idset.Set, readObserver, writeObserver Observer) {
	b.engine = e
	b.self = self
	b.readObserver = readObserver
	b.writeObserver = writeObserver
	b.view.Store(&view{id: id, invalid: invalid})

	pinned := id
	if lowest, ok := invalid.Min(); ok {
		pinned = lowest
	}
	b.pin = e.pins.Track(pinned)
}

func (b *snapshotBase) base() *snapshotBase { return b }

func (b *snapshotBase) load() *view { return b.view.Load() }

// ID возвращает текущий id снапшота.
func (b *snapshotBase) ID() uint64 { return b.load().id }

// InvalidIDs возвращает invalid-множество по возрастанию.
func (b *snapshotBase) InvalidIDs() []uint64 { return b.load().invalid.Slice() }

// Disposed сообщает, освобождён ли снапшот.
func (b *snapshotBase) Disposed() bool {
	return snapshotState(b.state.Load()) == snapshotDisposed
}

// Enter делает снапшот ambient для fn. Контекст вызывающего не меняется,
// поэтому прежний ambient-снапшот восстанавливается на любом выходе из fn,
// включая панику.
func (b *snapshotBase) Enter(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.Disposed() {
		return errDisposed(b.self)
	}
	return fn(context.WithValue(ctx, ambientKey{}, b.self))
}

// WriteCount — число логических записей, выполненных в снапшоте.
func (b *snapshotBase) WriteCount() int64 { return b.writeCount.Load() }

// Modified возвращает объекты, изменённые в снапшоте (для read-only
// снапшота — объекты, которые пытались изменить).
func (b *snapshotBase) Modified() []StateObject {
	b.engine.mu.Lock()
	defer b.engine.mu.Unlock()
	return b.modifiedLocked()
}

func (b *snapshotBase) modifiedLocked() []StateObject {
	if len(b.modified) == 0 {
		return nil
	}
	out := make([]StateObject, 0, len(b.modified))
	for state := range b.modified {
		out = append(out, state)
	}
	return out
}

func (b *snapshotBase) recordModifiedLocked(state StateObject) {
	if b.modified == nil {
		b.modified = make(map[StateObject]struct{})
	}
	b.modified[state] = struct{}{}
}

// markDisposed переводит снапшот в disposed. Возвращает false,
// если он уже был освобождён.
func (b *snapshotBase) markDisposed() bool {
	return b.state.CompareAndSwap(uint32(snapshotActive), uint32(snapshotDisposed))
}

func (b *snapshotBase) releasePinLocked() {
	if b.pin >= 0 {
		b.engine.pins.Release(b.pin)
		b.pin = -1
	}
}

// mergeObservers объединяет локальный и унаследованный наблюдатели так,
// что срабатывают оба, родительский последним. Функции в Go несравнимы,
// поэтому «совпадающими» считаются только отсутствующие наблюдатели.
func mergeObservers(local, parent Observer) Observer {
	switch {
	case local == nil:
		return parent
	case parent == nil:
		return local
	}
	return func(state StateObject) {
		local(state)
		parent(state)
	}
}

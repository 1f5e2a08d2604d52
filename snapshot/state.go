package snapshot

import (
	"context"
	"fmt"

	"snapshot-state/snapshot/internal/idset"
)

// StateObject — объект, чьё состояние версионируется движком.
// Реализуется только StateCell.
type StateObject interface {
	// RecordCount — длина цепочки записей.
	// Используется в тестах и метриках для контроля утечек памяти.
	RecordCount() int

	ref() *stateRef
	overwriteUnusedRecordsLocked(reuseLimit uint64) (retained, reclaimed int)
	invalidateRecordsLocked(owned idset.Set)
}

// stateRef — слабый хэндл объекта для множества reclaimable. Ссылается на
// объект сильно, но сам достижим только из объекта, поэтому не продлевает
// ему жизнь.
type stateRef struct {
	state StateObject
}

// StateCell — объект состояния с одним значением типа T.
//
// StateCell безопасен для одновременного использования из нескольких
// горутин; видимость значения определяет ambient-снапшот из ctx.
type StateCell[T any] struct {
	engine *Engine
	policy MutationPolicy[T]
	chain  chain[T]
	self   *stateRef
}

// NewState создаёт объект состояния с записью, помеченной id
// ambient-снапшота. nil policy означает NeverEqualPolicy.
//
// Объект, созданный в мутабельном или read-only снапшоте, существует только
// внутри него: при освобождении снапшота запись создания получает InvalidID,
// и снаружи объект навсегда остаётся ErrStaleRead. Объект, созданный
// в уже освобождённом снапшоте, не виден никому.
func NewState[T any](ctx context.Context, e *Engine, value T, policy MutationPolicy[T]) *StateCell[T] {
	if policy == nil {
		policy = NeverEqualPolicy[T]()
	}
	c := &StateCell[T]{engine: e, policy: policy}
	c.self = &stateRef{state: c}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.Current(ctx)
	id := s.ID()
	switch s := s.(type) {
	case *GlobalSnapshot:
	case *ReadOnlySnapshot:
		if s.Disposed() {
			id = InvalidID
		} else {
			s.recordCreatedLocked(c)
		}
	default:
		if s.Disposed() {
			id = InvalidID
		} else {
			s.base().recordModifiedLocked(c)
		}
	}
	c.chain.head.Store(newRecord(id, value))
	return c
}

// Policy возвращает политику мутаций объекта.
func (c *StateCell[T]) Policy() MutationPolicy[T] { return c.policy }

// Get возвращает значение, видимое ambient-снапшоту.
//
// Если видимой записи нет, чтение повторяется один раз под мьютексом
// с заново разрешённым ambient-снапшотом: глобальный снапшот мог
// продвинуться, пока горутина была вытеснена. После этого возвращается ErrStaleRead.
func (c *StateCell[T]) Get(ctx context.Context) (T, error) {
	s, err := c.engine.resolve(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if obs := s.base().readObserver; obs != nil {
		obs(c)
	}
	_, value, err := c.current(ctx, s)
	return value, err
}

// ReadIn возвращает значение, видимое снапшоту s. Восстановления нет:
// если видимой записи нет, сразу ErrStaleRead.
func (c *StateCell[T]) ReadIn(s Snapshot) (T, error) {
	r, err := c.Readable(s)
	if err != nil {
		var zero T
		return zero, err
	}
	if obs := s.base().readObserver; obs != nil {
		obs(c)
	}
	return r.Value(), nil
}

// Readable возвращает запись, видимую снапшоту s. Освобождённый снапшот,
// в том числе заменённый глобальный, даёт ErrDisposed.
func (c *StateCell[T]) Readable(s Snapshot) (*Record[T], error) {
	if s.Disposed() {
		return nil, errDisposed(s)
	}
	if r, _, ok := c.readLockFree(s); ok {
		return r, nil
	}
	c.engine.metrics.staleReads.Inc()
	return nil, fmt.Errorf("%w: snapshot %d", ErrStaleRead, s.ID())
}

// Set записывает значение в ambient-снапшоте. Если политика считает новое
// значение эквивалентным текущему, запись не выполняется.
func (c *StateCell[T]) Set(ctx context.Context, value T) error {
	s, err := c.engine.resolve(ctx)
	if err != nil {
		return err
	}
	current, existing, err := c.current(ctx, s)
	if err != nil {
		return err
	}
	if c.policy.Equivalent(existing, value) {
		return nil
	}
	return c.overwrite(ctx, current, value)
}

// MergeRecords разрешает конфликт трёх версий: previous — общий предок,
// current — применённая другими, applied — применяемая.
// Если current и applied эквивалентны, конфликта нет и возвращается current.
// Иначе решает policy.Merge; неразрешённый конфликт даёт ErrConflict.
func (c *StateCell[T]) MergeRecords(previous, current, applied *Record[T]) (*Record[T], error) {
	if c.policy.Equivalent(current.Value(), applied.Value()) {
		return current, nil
	}
	merged, ok := c.policy.Merge(previous.Value(), current.Value(), applied.Value())
	if !ok {
		return nil, fmt.Errorf("%w: records %d, %d, %d",
			ErrConflict, previous.ID(), current.ID(), applied.ID())
	}
	return newRecord(applied.ID(), merged), nil
}

// RecordCount возвращает длину цепочки записей.
func (c *StateCell[T]) RecordCount() int { return c.chain.len() }

// String форматирует значение, видимое глобальному снапшоту.
func (c *StateCell[T]) String() string {
	value, err := c.ReadIn(c.engine.global.Load())
	if err != nil {
		return fmt.Sprintf("StateCell(%v)", err)
	}
	return fmt.Sprintf("StateCell(value=%v)", value)
}

// readLockFree выбирает видимую запись и читает её значение без блокировок.
// Если после чтения id записи изменился, слот переиспользовали во время
// чтения и результат недостоверен.
func (c *StateCell[T]) readLockFree(s Snapshot) (*Record[T], T, bool) {
	v := s.base().load()
	r, id := c.chain.readable(v.id, v.invalid)
	if r == nil {
		var zero T
		return nil, zero, false
	}
	value := r.Value()
	if r.id.Load() != id {
		var zero T
		return nil, zero, false
	}
	return r, value, true
}

// current — чтение с однократным повтором под мьютексом.
func (c *StateCell[T]) current(ctx context.Context, s Snapshot) (*Record[T], T, error) {
	if r, value, ok := c.readLockFree(s); ok {
		return r, value, nil
	}

	e := c.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	s = e.Current(ctx)
	if r, value, ok := c.readLockFree(s); ok {
		e.logger.Debug("recovered read under lock", "snapshotID", s.ID())
		return r, value, nil
	}

	e.metrics.staleReads.Inc()
	var zero T
	return nil, zero, fmt.Errorf("%w: snapshot %d", ErrStaleRead, s.ID())
}

// overwrite захватывает слот для записи в ambient-снапшоте и записывает
// в него value.
//
// Слот выбирается и заполняется под мьютексом, поэтому id снапшота не может
// продвинуться между выбором слота и его штампом. Новый или переиспользованный
// слот до заполнения несёт штамп maxID: читатели без блокировок не увидят
// его, пока ему не выставлен настоящий id.
func (c *StateCell[T]) overwrite(ctx context.Context, candidate *Record[T], value T) error {
	e := c.engine
	e.mu.Lock()

	s := e.Current(ctx)
	b := s.base()
	if _, global := s.(*GlobalSnapshot); !global && s.Disposed() {
		e.mu.Unlock()
		return errDisposed(s)
	}
	if s.ReadOnly() {
		b.recordModifiedLocked(c)
		e.mu.Unlock()
		return fmt.Errorf("%w: snapshot %d", ErrReadOnly, s.ID())
	}

	id := s.ID()
	r := candidate
	if candidate.id.Load() != id {
		var allocated bool
		r, allocated = c.chain.newOverwritableLocked(e.reuseLimitLocked())
		if allocated {
			e.reclaimable.Add(c.self)
			e.metrics.recordsAllocated.Inc()
		} else {
			e.metrics.recordsReused.Inc()
		}
	}
	r.store(value)
	r.id.Store(id)
	b.recordModifiedLocked(c)
	e.mu.Unlock()

	e.notifyWrite(s, c)
	return nil
}

func (c *StateCell[T]) ref() *stateRef { return c.self }

func (c *StateCell[T]) overwriteUnusedRecordsLocked(reuseLimit uint64) (retained, reclaimed int) {
	return c.chain.overwriteUnusedLocked(reuseLimit)
}

func (c *StateCell[T]) invalidateRecordsLocked(owned idset.Set) {
	c.chain.invalidateLocked(owned)
}

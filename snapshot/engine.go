// Package snapshot — in-memory движок версионирования состояния
// с оптимистичной конкурентностью (MVCC для объектов, а не страниц).
//
// Каждый StateCell хранит цепочку записей, помеченных snapshot id.
// Снапшот видит запись, если её id не больше его собственного и не входит
// в его invalid-множество. Писатели не блокируют читателей: под общим
// мьютексом выполняются только выдача id и захват и заполнение слота
// записи; читатели мьютекс не берут.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"snapshot-state/snapshot/internal/idset"
	"snapshot-state/snapshot/internal/pinning"
	"snapshot-state/snapshot/internal/weakset"
)

// Engine — процессный контекст снапшотов: счётчик id, множество открытых
// снапшотов, индекс пинов, множество объектов с мусором в цепочках
// и текущий глобальный снапшот.
//
// Гарантии:
//   - Читатели не блокируют писателей и наоборот
//   - Снапшот никогда не видит запись снапшота, созданного после него
//   - Старые записи схлопываются при каждом продвижении глобального снапшота
//   - Цепочки не растут сверх исторического максимума одновременных версий
type Engine struct {
	// mu — единственный мьютекс для всех структурных изменений:
	// выдачи id, открытого множества, пинов, захвата слотов в цепочках
	// и замены глобального снапшота. Делить его на несколько нельзя:
	// reuse limit должен видеть open-множество и пины согласованными.
	mu sync.Mutex

	ids         idAllocator
	open        idset.Set
	pins        pinning.Index
	reclaimable weakset.Set[stateRef]

	applyObservers []applyObserverEntry
	nextObserverID uint64

	global atomic.Pointer[GlobalSnapshot] // читается без блокировки

	logger  *slog.Logger
	metrics *metrics

	stopAdvance context.CancelFunc
	advanceDone chan struct{}
}

// ApplyObserver получает объекты, изменённые в заменённом глобальном
// снапшоте, и сам этот снапшот.
type ApplyObserver func(changed []StateObject, previous Snapshot)

type applyObserverEntry struct {
	id uint64
	fn ApplyObserver
}

// NewEngine создаёт движок с глобальным снапшотом и запускает фоновую
// горутину продвижения глобального снапшота.
//
// Вызывающий должен вызвать Close() для корректного завершения.
func NewEngine(ctx context.Context, opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	advanceCtx, stopAdvance := context.WithCancel(ctx)

	e := &Engine{
		logger:      cfg.logger,
		metrics:     newMetrics(cfg.registerer, cfg.logger),
		stopAdvance: stopAdvance,
		advanceDone: make(chan struct{}),
	}

	e.mu.Lock()
	id := e.ids.allocateLocked()
	e.global.Store(newGlobalSnapshotLocked(e, id, idset.Set{}))
	e.open = idset.Of(id)
	e.metrics.open.Set(float64(e.open.Len()))
	e.mu.Unlock()

	go e.runAdvance(advanceCtx, cfg.advanceInterval)

	return e
}

// Close останавливает фоновую горутину. Блокируется до её завершения.
func (e *Engine) Close() {
	e.stopAdvance()
	<-e.advanceDone
}

var defaultEngine = sync.OnceValue(func() *Engine {
	return NewEngine(context.Background())
})

// Default возвращает движок процесса. Создаётся при первом обращении
// и живёт до конца процесса.
func Default() *Engine {
	return defaultEngine()
}

// Current возвращает ambient-снапшот из ctx, если он принадлежит этому
// движку, иначе текущий глобальный. Ambient GlobalSnapshot всегда
// разрешается в актуальный глобальный снапшот.
func (e *Engine) Current(ctx context.Context) Snapshot {
	if s, ok := ctx.Value(ambientKey{}).(Snapshot); ok && s.base().engine == e {
		if _, global := s.(*GlobalSnapshot); !global {
			return s
		}
	}
	return e.global.Load()
}

// resolve — Current с проверкой, что снапшот не освобождён.
func (e *Engine) resolve(ctx context.Context) (Snapshot, error) {
	s := e.Current(ctx)
	if _, global := s.(*GlobalSnapshot); !global && s.Disposed() {
		return nil, errDisposed(s)
	}
	return s, nil
}

// TakeMutableSnapshot берёт вложенный мутабельный снапшот от ambient-снапшота.
// Внутри read-only снапшота возвращает ErrInvalidOperation.
func (e *Engine) TakeMutableSnapshot(ctx context.Context, readObserver, writeObserver Observer) (Snapshot, error) {
	current, err := e.resolve(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := current.(interface {
		TakeNestedMutableSnapshot(readObserver, writeObserver Observer) (Snapshot, error)
	})
	if !ok {
		return nil, fmt.Errorf("%w: cannot take a mutable snapshot of read-only snapshot %d",
			ErrInvalidOperation, current.ID())
	}
	return m.TakeNestedMutableSnapshot(readObserver, writeObserver)
}

// TakeSnapshot берёт read-only снапшот от ambient-снапшота.
func (e *Engine) TakeSnapshot(ctx context.Context, readObserver Observer) (Snapshot, error) {
	current, err := e.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return current.(interface {
		TakeNestedSnapshot(readObserver Observer) (Snapshot, error)
	}).TakeNestedSnapshot(readObserver)
}

// AdvanceGlobal заменяет глобальный снапшот новым и схлопывает
// недостижимые записи.
func (e *Engine) AdvanceGlobal() {
	e.advanceGlobal(nil)
}

// RegisterApplyObserver подписывает fn на изменения, накопленные
// глобальным снапшотом к моменту его замены. Возвращает функцию отписки.
func (e *Engine) RegisterApplyObserver(fn ApplyObserver) (unregister func()) {
	e.mu.Lock()
	e.nextObserverID++
	id := e.nextObserverID
	e.applyObservers = append(e.applyObservers, applyObserverEntry{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.applyObservers = slices.DeleteFunc(e.applyObservers, func(o applyObserverEntry) bool {
			return o.id == id
		})
	}
}

// NextID возвращает id, который будет выдан следующим.
func (e *Engine) NextID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ids.peekLocked()
}

// OpenSnapshots возвращает id открытых снапшотов по возрастанию.
// Используется в тестах и метриках для контроля утечек.
func (e *Engine) OpenSnapshots() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open.Slice()
}

// ReclaimableCount возвращает число объектов, ожидающих схлопывания.
func (e *Engine) ReclaimableCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reclaimable.Prune()
}

// reuseLimitLocked — наибольший id, записи не новее которого видны всем
// живым снапшотам одинаково. Из двух таких записей младшая заслонена.
func (e *Engine) reuseLimitLocked() uint64 {
	return e.pins.LowestOrDefault(e.ids.peekLocked()) - 1
}

// notifyWrite вызывается ровно один раз на логическую запись,
// вне мьютекса.
func (e *Engine) notifyWrite(s Snapshot, state StateObject) {
	b := s.base()
	b.writeCount.Add(1)
	if b.writeObserver != nil {
		b.writeObserver(state)
	}
}

type ambientKey struct{}

// engineOf возвращает движок ambient-снапшота или движок процесса.
func engineOf(ctx context.Context) *Engine {
	if s, ok := ctx.Value(ambientKey{}).(Snapshot); ok {
		return s.base().engine
	}
	return Default()
}

// Current возвращает ambient-снапшот или глобальный снапшот его движка
// (движка процесса, если ambient-снапшота нет).
func Current(ctx context.Context) Snapshot {
	return engineOf(ctx).Current(ctx)
}

// TakeMutableSnapshot — Engine.TakeMutableSnapshot для движка ambient-снапшота.
func TakeMutableSnapshot(ctx context.Context, readObserver, writeObserver Observer) (Snapshot, error) {
	return engineOf(ctx).TakeMutableSnapshot(ctx, readObserver, writeObserver)
}

// TakeSnapshot — Engine.TakeSnapshot для движка ambient-снапшота.
func TakeSnapshot(ctx context.Context, readObserver Observer) (Snapshot, error) {
	return engineOf(ctx).TakeSnapshot(ctx, readObserver)
}

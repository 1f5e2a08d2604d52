package snapshot

import (
	"sync/atomic"

	"snapshot-state/snapshot/internal/idset"
)

// Record — одна версия значения объекта состояния, помеченная id
// снапшота, который её записал.
//
// id и значение меняются на месте при переиспользовании слота, поэтому
// оба хранятся в атомиках: читатели обходят цепочку без блокировок.
type Record[T any] struct {
	id    atomic.Uint64
	value atomic.Pointer[T]

	// next неизменяем после публикации записи в голове цепочки.
	next *Record[T]
}

func newRecord[T any](id uint64, value T) *Record[T] {
	r := &Record[T]{}
	r.value.Store(&value)
	r.id.Store(id)
	return r
}

// ID возвращает id снапшота, записавшего версию.
func (r *Record[T]) ID() uint64 { return r.id.Load() }

// Value возвращает значение версии.
func (r *Record[T]) Value() T {
	if p := r.value.Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}

func (r *Record[T]) store(value T) { r.value.Store(&value) }

// valid — запись видна снапшоту snapshotID с invalid-множеством invalid.
// Сравнение id <= snapshotID делает штамп maxID невидимым для всех.
func valid(id, snapshotID uint64, invalid idset.Set) bool {
	return id != InvalidID && id <= snapshotID && !invalid.Contains(id)
}

// chain — односвязная цепочка записей одного объекта. Растёт только
// добавлением в голову; узлы никогда не удаляются, только переиспользуются.
type chain[T any] struct {
	head atomic.Pointer[Record[T]]
}

// readable возвращает видимую запись со старшим id и сам этот id
// на момент выбора (nil, InvalidID — если видимых записей нет).
func (c *chain[T]) readable(snapshotID uint64, invalid idset.Set) (*Record[T], uint64) {
	var candidate *Record[T]
	candidateID := InvalidID
	for r := c.head.Load(); r != nil; r = r.next {
		id := r.id.Load()
		if valid(id, snapshotID, invalid) && (candidate == nil || id > candidateID) {
			candidate, candidateID = r, id
		}
	}
	return candidate, candidateID
}

// usedLocked ищет слот, который можно переиспользовать: запись с InvalidID
// или младшую из двух записей не новее reuseLimit: старшая заслоняет её
// для всех живых снапшотов.
func (c *chain[T]) usedLocked(reuseLimit uint64) *Record[T] {
	var validRecord *Record[T]
	for r := c.head.Load(); r != nil; r = r.next {
		id := r.id.Load()
		if id == InvalidID {
			return r
		}
		if id <= reuseLimit {
			if validRecord == nil {
				validRecord = r
				continue
			}
			if id < validRecord.id.Load() {
				return r
			}
			return validRecord
		}
	}
	return nil
}

// newOverwritableLocked возвращает слот для записи со штампом maxID:
// переиспользованный или новый, добавленный в голову цепочки.
// allocated сообщает, что цепочка выросла.
func (c *chain[T]) newOverwritableLocked(reuseLimit uint64) (r *Record[T], allocated bool) {
	if r = c.usedLocked(reuseLimit); r != nil {
		r.id.Store(maxID)
		return r, false
	}
	r = &Record[T]{}
	r.id.Store(maxID)
	r.next = c.head.Load()
	c.head.Store(r)
	return r, true
}

// overwriteUnusedLocked схлопывает записи ниже reuseLimit до одной
// (старшей). Прочие получают InvalidID и значение самой молодой
// удерживаемой записи. Возвращает число удерживаемых записей
// и число записей, отданных под переиспользование.
func (c *chain[T]) overwriteUnusedLocked(reuseLimit uint64) (retained, reclaimed int) {
	var keep, youngest *Record[T]
	keepID, youngestID := InvalidID, InvalidID

	for r := c.head.Load(); r != nil; r = r.next {
		id := r.id.Load()
		switch {
		case id == InvalidID:
		case id < reuseLimit:
			if keep == nil || id > keepID {
				keep, keepID = r, id
			}
		default:
			retained++
			// Слот со штампом maxID сейчас заполняется писателем.
			if id != maxID && (youngest == nil || id > youngestID) {
				youngest, youngestID = r, id
			}
		}
	}
	if keep != nil {
		retained++
	}

	source := youngest
	if source == nil {
		source = keep
	}
	if source == nil {
		return retained, 0
	}

	payload := source.value.Load()
	for r := c.head.Load(); r != nil; r = r.next {
		if r == keep {
			continue
		}
		id := r.id.Load()
		if id >= reuseLimit {
			continue
		}
		if id != InvalidID {
			r.id.Store(InvalidID)
			reclaimed++
		}
		r.value.Store(payload)
	}
	return retained, reclaimed
}

// invalidateLocked помечает InvalidID записи с id из owned.
func (c *chain[T]) invalidateLocked(owned idset.Set) int {
	n := 0
	for r := c.head.Load(); r != nil; r = r.next {
		if owned.Contains(r.id.Load()) {
			r.id.Store(InvalidID)
			n++
		}
	}
	return n
}

func (c *chain[T]) len() int {
	n := 0
	for r := c.head.Load(); r != nil; r = r.next {
		n++
	}
	return n
}

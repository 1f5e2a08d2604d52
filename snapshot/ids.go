package snapshot

import "math"

const (
	// InvalidID — зарезервированный id «нет версии». Записи с этим id
	// не видны ни одному снапшоту и могут быть переиспользованы.
	InvalidID uint64 = 0

	// maxID больше любого реально выданного id. Запись со штампом maxID
	// невидима всем читателям, пока писатель заполняет её значение.
	maxID uint64 = math.MaxUint64
)

// idAllocator выдаёт строго возрастающие snapshot id.
// Все методы вызываются под Engine.mu, поэтому атомики не нужны:
// порядок id совпадает с порядком захвата мьютекса.
type idAllocator struct {
	next uint64
}

func (a *idAllocator) allocateLocked() uint64 {
	if a.next == InvalidID {
		a.next = InvalidID + 1
	}
	id := a.next
	a.next++
	return id
}

// peekLocked возвращает id, который будет выдан следующим.
func (a *idAllocator) peekLocked() uint64 {
	if a.next == InvalidID {
		return InvalidID + 1
	}
	return a.next
}

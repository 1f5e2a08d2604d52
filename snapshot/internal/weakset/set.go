// Package weakset — множество объектов по слабым ссылкам.
//
// Set не удерживает элементы от сборки мусора: если объект стал
// недостижим, его запись молча выпадает при следующем обходе.
// Set не потокобезопасен, вызывающий сериализует доступ сам.
package weakset

import "weak"

// Set — множество *T по слабым ссылкам. Нулевое значение готово к работе.
type Set[T any] struct {
	items map[weak.Pointer[T]]struct{}
}

// Add добавляет объект. Повторное добавление — no-op.
func (s *Set[T]) Add(v *T) {
	if s.items == nil {
		s.items = make(map[weak.Pointer[T]]struct{})
	}
	s.items[weak.Make(v)] = struct{}{}
}

// Contains сообщает, отслеживается ли объект.
func (s *Set[T]) Contains(v *T) bool {
	_, ok := s.items[weak.Make(v)]
	return ok
}

// Remove перестаёт отслеживать объект.
func (s *Set[T]) Remove(v *T) bool {
	p := weak.Make(v)
	if _, ok := s.items[p]; !ok {
		return false
	}
	delete(s.items, p)
	return true
}

// Len — число записей, включая ещё не вычищенные записи собранных объектов.
func (s *Set[T]) Len() int { return len(s.items) }

// RemoveIf обходит живые объекты и удаляет те, для которых pred вернул true.
// Записи уже собранных объектов удаляются без вызова pred.
// Возвращает число удалённых живых объектов.
func (s *Set[T]) RemoveIf(pred func(*T) bool) int {
	removed := 0
	for p := range s.items {
		v := p.Value()
		if v == nil {
			delete(s.items, p)
			continue
		}
		if pred(v) {
			delete(s.items, p)
			removed++
		}
	}
	return removed
}

// Prune удаляет записи собранных объектов и возвращает число оставшихся.
func (s *Set[T]) Prune() int {
	s.RemoveIf(func(*T) bool { return false })
	return len(s.items)
}

// Package idset — неизменяемое упорядоченное множество snapshot id.
//
// Каждая модификация возвращает новое значение Set; исходное множество
// не меняется и может читаться без блокировок. Копия строится через
// copy-on-write клон B-дерева (O(1)), поэтому With/Without не копируют
// всё множество целиком.
package idset

import "github.com/tidwall/btree"

// Set — неизменяемое множество id. Нулевое значение — пустое множество.
type Set struct {
	tree *btree.Set[uint64]
}

// Of строит множество из перечисленных id.
func Of(ids ...uint64) Set {
	if len(ids) == 0 {
		return Set{}
	}
	tree := new(btree.Set[uint64])
	for _, id := range ids {
		tree.Insert(id)
	}
	return Set{tree: tree}
}

// Contains сообщает, входит ли id в множество.
func (s Set) Contains(id uint64) bool {
	return s.tree != nil && s.tree.Contains(id)
}

// Len — число элементов.
func (s Set) Len() int {
	if s.tree == nil {
		return 0
	}
	return s.tree.Len()
}

// IsEmpty сообщает, пусто ли множество.
func (s Set) IsEmpty() bool { return s.Len() == 0 }

// Min возвращает наименьший id.
func (s Set) Min() (uint64, bool) {
	if s.tree == nil {
		return 0, false
	}
	return s.tree.Min()
}

// With возвращает множество с добавленным id.
func (s Set) With(id uint64) Set {
	if s.Contains(id) {
		return s
	}
	tree := s.clone()
	tree.Insert(id)
	return Set{tree: tree}
}

// Without возвращает множество без id.
func (s Set) Without(id uint64) Set {
	if !s.Contains(id) {
		return s
	}
	tree := s.clone()
	tree.Delete(id)
	return Set{tree: tree}
}

// WithRange добавляет полуинтервал [from, until).
func (s Set) WithRange(from, until uint64) Set {
	if from >= until {
		return s
	}
	tree := s.clone()
	for id := from; id < until; id++ {
		tree.Insert(id)
	}
	return Set{tree: tree}
}

// WithAll добавляет все id из other.
func (s Set) WithAll(other Set) Set {
	if other.IsEmpty() {
		return s
	}
	if s.IsEmpty() {
		return other
	}
	tree := s.clone()
	other.tree.Scan(func(id uint64) bool {
		tree.Insert(id)
		return true
	})
	return Set{tree: tree}
}

// WithoutAll удаляет все id из other.
func (s Set) WithoutAll(other Set) Set {
	if s.IsEmpty() || other.IsEmpty() {
		return s
	}
	tree := s.clone()
	other.tree.Scan(func(id uint64) bool {
		tree.Delete(id)
		return true
	})
	return Set{tree: tree}
}

// Slice возвращает id в порядке возрастания.
func (s Set) Slice() []uint64 {
	if s.tree == nil {
		return nil
	}
	return s.tree.Keys()
}

func (s Set) clone() *btree.Set[uint64] {
	if s.tree == nil {
		return new(btree.Set[uint64])
	}
	return s.tree.Copy()
}

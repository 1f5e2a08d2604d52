package snapshot

// MutationPolicy — единственная точка расширения StateCell: определяет,
// когда запись можно пропустить, и как сливать конкурирующие значения.
type MutationPolicy[T any] interface {
	// Equivalent — a и b неразличимы; запись b поверх a не выполняется.
	Equivalent(a, b T) bool
	// Merge сливает previous (общий предок), current и applied.
	// ok == false — конфликт не разрешён.
	Merge(previous, current, applied T) (merged T, ok bool)
}

// PolicyFunc собирает MutationPolicy из функций. nil EquivalentFunc
// означает «никогда не эквивалентны», nil MergeFunc — «слить нельзя».
type PolicyFunc[T any] struct {
	EquivalentFunc func(a, b T) bool
	MergeFunc      func(previous, current, applied T) (T, bool)
}

// Equivalent реализует MutationPolicy.
func (p PolicyFunc[T]) Equivalent(a, b T) bool {
	return p.EquivalentFunc != nil && p.EquivalentFunc(a, b)
}

// Merge реализует MutationPolicy.
func (p PolicyFunc[T]) Merge(previous, current, applied T) (T, bool) {
	if p.MergeFunc == nil {
		var zero T
		return zero, false
	}
	return p.MergeFunc(previous, current, applied)
}

// StructuralEqualityPolicy считает значения эквивалентными по ==.
// Для указателей это ссылочное равенство.
func StructuralEqualityPolicy[T comparable]() MutationPolicy[T] {
	return PolicyFunc[T]{EquivalentFunc: func(a, b T) bool { return a == b }}
}

// NeverEqualPolicy считает любую запись изменением.
func NeverEqualPolicy[T any]() MutationPolicy[T] {
	return PolicyFunc[T]{}
}

// Package pinning хранит минимальные snapshot id, которые ещё могут
// понадобиться живым снапшотам.
//
// Index — это min-heap со стабильными хэндлами: каждый Track возвращает
// хэндл, по которому запись удаляется за O(log n) без линейного поиска.
// Освобождённые хэндлы переиспользуются через free-list.
//
// Index не потокобезопасен: все вызовы выполняются под общим мьютексом движка.
package pinning

import (
	"container/heap"
	"fmt"
)

// entry — элемент кучи: значение и хэндл, которым владеет вызывающий.
type entry struct {
	value  uint64
	handle int
}

// entries реализует heap.Interface и поддерживает обратный индекс
// handle → позиция в куче.
type entries struct {
	items     []entry
	positions []int // positions[handle] = индекс в items, либо следующий свободный хэндл
}

func (e *entries) Len() int           { return len(e.items) }
func (e *entries) Less(i, j int) bool { return e.items[i].value < e.items[j].value }

func (e *entries) Swap(i, j int) {
	e.items[i], e.items[j] = e.items[j], e.items[i]
	e.positions[e.items[i].handle] = i
	e.positions[e.items[j].handle] = j
}

func (e *entries) Push(x any) {
	it := x.(entry)
	e.positions[it.handle] = len(e.items)
	e.items = append(e.items, it)
}

func (e *entries) Pop() any {
	n := len(e.items) - 1
	it := e.items[n]
	e.items = e.items[:n]
	return it
}

// Index — min-heap закреплённых значений.
type Index struct {
	heap     entries
	freeHead int // первый свободный хэндл; == len(positions), если свободных нет
}

// Track закрепляет значение и возвращает хэндл для последующего Release.
func (x *Index) Track(value uint64) int {
	handle := x.allocateHandle()
	heap.Push(&x.heap, entry{value: value, handle: handle})
	return handle
}

// Release снимает закрепление. Повторный Release того же хэндла считается ошибкой
// вызывающего и приводит к панике, т.к. означает порчу учёта пинов.
func (x *Index) Release(handle int) {
	if handle < 0 || handle >= len(x.heap.positions) {
		panic(fmt.Sprintf("pinning: unknown handle %d", handle))
	}
	i := x.heap.positions[handle]
	if i >= len(x.heap.items) || x.heap.items[i].handle != handle {
		panic(fmt.Sprintf("pinning: handle %d is not tracked", handle))
	}
	heap.Remove(&x.heap, i)
	x.freeHandle(handle)
}

// LowestOrDefault возвращает минимальное закреплённое значение или def,
// если ничего не закреплено.
func (x *Index) LowestOrDefault(def uint64) uint64 {
	if len(x.heap.items) == 0 {
		return def
	}
	return x.heap.items[0].value
}

// Len — число закреплённых значений.
func (x *Index) Len() int { return len(x.heap.items) }

// Validate проверяет инварианты кучи и обратного индекса.
// Используется в тестах.
func (x *Index) Validate() error {
	items := x.heap.items
	for i := 1; i < len(items); i++ {
		parent := (i - 1) / 2
		if items[parent].value > items[i].value {
			return fmt.Errorf("pinning: index %d is out of place", i)
		}
	}
	for i, it := range items {
		if x.heap.positions[it.handle] != i {
			return fmt.Errorf("pinning: position of handle %d is corrupted", it.handle)
		}
	}
	return nil
}

// ValidateHandle проверяет, что хэндл указывает на ожидаемое значение.
func (x *Index) ValidateHandle(handle int, value uint64) error {
	i := x.heap.positions[handle]
	if i >= len(x.heap.items) || x.heap.items[i].handle != handle {
		return fmt.Errorf("pinning: index for handle %d is corrupted", handle)
	}
	if got := x.heap.items[i].value; got != value {
		return fmt.Errorf("pinning: value for handle %d was %d but was supposed to be %d", handle, got, value)
	}
	return nil
}

// allocateHandle берёт хэндл из free-list. Свободные хэндлы связаны
// через positions: positions[h] хранит следующий свободный хэндл.
func (x *Index) allocateHandle() int {
	if x.freeHead == len(x.heap.positions) {
		x.heap.positions = append(x.heap.positions, len(x.heap.positions)+1)
	}
	handle := x.freeHead
	x.freeHead = x.heap.positions[handle]
	return handle
}

func (x *Index) freeHandle(handle int) {
	x.heap.positions[handle] = x.freeHead
	x.freeHead = handle
}

package snapshot

import (
	"context"
	"time"
)

// runAdvance периодически продвигает глобальный снапшот, что запускает
// схлопывание старых записей.
//
// Продвижение без записей дёшево: новый id, новый GlobalSnapshot и проход
// по объектам, у которых ещё есть мусор в цепочках.
func (e *Engine) runAdvance(ctx context.Context, interval time.Duration) {
	defer close(e.advanceDone)

	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.AdvanceGlobal()
		}
	}
}

// compactUnusedRecordsLocked схлопывает цепочки всех отслеживаемых
// объектов.
//
// Алгоритм:
//  1. reuse limit = наименьший закреплённый id (или следующий id, если
//     пинов нет). Ни один живой снапшот не различает записи ниже лимита:
//     все они ему видны, и читает он старшую из них.
//  2. В каждой цепочке из записей ниже лимита остаётся одна, старшая.
//     Остальные получают InvalidID и значение самой молодой удерживаемой
//     записи; узлы из цепочки не удаляются, только переиспользуются.
//  3. Если в цепочке осталось больше одной удерживаемой записи, объект
//     остаётся в множестве для следующего прохода.
//
// Собранные рантаймом объекты выпадают из множества молча.
func (e *Engine) compactUnusedRecordsLocked() (reuseLimit uint64, reclaimed int) {
	reuseLimit = e.pins.LowestOrDefault(e.ids.peekLocked())

	e.reclaimable.RemoveIf(func(ref *stateRef) bool {
		retained, n := ref.state.overwriteUnusedRecordsLocked(reuseLimit)
		reclaimed += n
		return retained <= 1
	})

	e.metrics.recordsReclaimed.Add(float64(reclaimed))
	return reuseLimit, reclaimed
}

// processForUnusedRecordsLocked схлопывает цепочку одного объекта
// и начинает отслеживать его, если в ней осталось больше одной записи.
func (e *Engine) processForUnusedRecordsLocked(state StateObject, reuseLimit uint64) {
	retained, reclaimed := state.overwriteUnusedRecordsLocked(reuseLimit)
	e.metrics.recordsReclaimed.Add(float64(reclaimed))
	if retained > 1 {
		e.reclaimable.Add(state.ref())
	}
}

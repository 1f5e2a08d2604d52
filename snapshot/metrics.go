package snapshot

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "snapshot"

// metrics — счётчики движка. Создаются на каждый Engine, а не через
// promauto, чтобы несколько движков в одном процессе не конфликтовали
// в глобальном реестре.
type metrics struct {
	taken             *prometheus.CounterVec
	open              prometheus.Gauge
	globalAdvances    prometheus.Counter
	recordsAllocated  prometheus.Counter
	recordsReused     prometheus.Counter
	recordsReclaimed  prometheus.Counter
	reclaimableStates prometheus.Gauge
	staleReads        prometheus.Counter
	abandoned         prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, logger *slog.Logger) *metrics {
	m := &metrics{
		taken: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "taken_total",
			Help:      "Number of snapshots taken, by kind",
		}, []string{"kind"}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "open",
			Help:      "Number of snapshot ids in the open set",
		}),
		globalAdvances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "global_advances_total",
			Help:      "Number of times the global snapshot was replaced",
		}),
		recordsAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_allocated_total",
			Help:      "State records prepended to a chain by a write",
		}),
		recordsReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_reused_total",
			Help:      "State records repurposed by a write instead of allocated",
		}),
		recordsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_reclaimed_total",
			Help:      "State records invalidated by compaction",
		}),
		reclaimableStates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "reclaimable_states",
			Help:      "State objects tracked for compaction after the last pass",
		}),
		staleReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stale_reads_total",
			Help:      "Reads that found no valid record after recovery",
		}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "abandoned_total",
			Help:      "Mutable snapshots whose records were invalidated on last deactivation",
		}),
	}

	if reg == nil {
		return m
	}
	for _, c := range []prometheus.Collector{
		m.taken, m.open, m.globalAdvances,
		m.recordsAllocated, m.recordsReused, m.recordsReclaimed,
		m.reclaimableStates, m.staleReads, m.abandoned,
	} {
		if err := reg.Register(c); err != nil {
			logger.Warn("failed to register snapshot metric", "error", err)
		}
	}
	return m
}

package storage

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

var StoredMessages = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "quassel",
	Subsystem: "storage",
	Name:      "stored_messages",
})

var RescoredMessages = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "quassel",
	Subsystem: "storage",
	Name:      "rescored_messages",
	Help:      "Stored messages whose ignore strictness changed after a rule update",
})

type pebbleMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

func counter(name, help string, value func(m *pebble.Metrics) float64) pebbleMetric {
	return pebbleMetric{prometheus.NewDesc("quassel_storage_pebble_"+name, help, nil, nil), prometheus.CounterValue, value}
}

func gauge(name, help string, value func(m *pebble.Metrics) float64) pebbleMetric {
	return pebbleMetric{prometheus.NewDesc("quassel_storage_pebble_"+name, help, nil, nil), prometheus.GaugeValue, value}
}

// PebbleCollector exports the database's own compaction, memtable and WAL
// numbers on every scrape.
type PebbleCollector struct {
	db      *pebble.DB
	metrics []pebbleMetric
}

func NewPebbleCollector(db *pebble.DB) *PebbleCollector {
	return &PebbleCollector{
		db: db,
		metrics: []pebbleMetric{
			counter("compactions_total", "Compactions performed",
				func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
			gauge("compaction_debt_bytes", "Bytes to compact to reach a stable state",
				func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }),
			gauge("compaction_in_progress_bytes", "Bytes being compacted",
				func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }),
			gauge("memtable_size_bytes", "Memtable size",
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
			gauge("memtable_count", "Live memtables",
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }),
			gauge("wal_files", "Live WAL files",
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }),
			gauge("wal_size_bytes", "Live WAL data",
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }),
			counter("wal_bytes_in_total", "Logical bytes written to the WAL",
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesIn) }),
			counter("wal_bytes_written_total", "Physical bytes written to the WAL",
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
		},
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range pc.metrics {
		ch <- m.desc
	}
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	stats := pc.db.Metrics()
	for _, m := range pc.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(stats))
	}
}

// Collectors lists the storage metrics, including the database's own.
func (s *Store) Collectors() []prometheus.Collector {
	return []prometheus.Collector{StoredMessages, RescoredMessages, NewPebbleCollector(s.db)}
}

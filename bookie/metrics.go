package bookie

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter/histogram the core updates. It carries its
// own prometheus.Registry rather than registering against the global
// default one, since the HTTP exposition endpoint is an external
// collaborator the core never starts (spec §1) -- the server binary that
// does start one can register Metrics.Registry into its own handler.
// Grounded on the teacher's metrics.go TurnstoneCollector, narrowed from a
// custom Collector to plain prometheus instruments. Only the GC counters
// are updated (by the GarbageCollector); the other instruments are
// registered but not updated anywhere, and Bookie does not expose its
// Metrics value.
type Metrics struct {
	Registry *prometheus.Registry

	AddEntryLatency  prometheus.Histogram
	ReadEntryLatency prometheus.Histogram
	JournalSyncLatency prometheus.Histogram

	AddEntryErrors  *prometheus.CounterVec
	ReadEntryErrors *prometheus.CounterVec

	ActiveLedgers   prometheus.Gauge
	WritableDirs    prometheus.Gauge
	JournalQueueLen prometheus.Gauge

	GCSegmentsDeleted   prometheus.Counter
	GCSegmentsCompacted prometheus.Counter
	GCBytesReclaimed    prometheus.Counter
}

// NewMetrics builds and registers every instrument against a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		AddEntryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bookie_add_entry_latency_seconds",
			Help:    "Latency of addEntry calls from request to journal fsync completion.",
			Buckets: prometheus.DefBuckets,
		}),
		ReadEntryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bookie_read_entry_latency_seconds",
			Help:    "Latency of readEntry calls.",
			Buckets: prometheus.DefBuckets,
		}),
		JournalSyncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bookie_journal_sync_latency_seconds",
			Help:    "Latency of a single group-commit fsync.",
			Buckets: prometheus.DefBuckets,
		}),
		AddEntryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookie_add_entry_errors_total",
			Help: "addEntry failures by error kind.",
		}, []string{"kind"}),
		ReadEntryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookie_read_entry_errors_total",
			Help: "readEntry failures by error kind.",
		}, []string{"kind"}),
		ActiveLedgers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bookie_active_ledgers",
			Help: "Number of ledger descriptors currently interned.",
		}),
		WritableDirs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bookie_writable_dirs",
			Help: "Number of ledger directories currently writable.",
		}),
		JournalQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bookie_journal_queue_length",
			Help: "Number of journal write requests queued for the next group commit.",
		}),
		GCSegmentsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bookie_gc_segments_deleted_total",
			Help: "Entry-log segments deleted because no ledger in them was still live.",
		}),
		GCSegmentsCompacted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bookie_gc_segments_compacted_total",
			Help: "Entry-log segments rewritten by compaction.",
		}),
		GCBytesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bookie_gc_bytes_reclaimed_total",
			Help: "Bytes freed by segment deletion or compaction.",
		}),
	}

	reg.MustRegister(
		m.AddEntryLatency, m.ReadEntryLatency, m.JournalSyncLatency,
		m.AddEntryErrors, m.ReadEntryErrors,
		m.ActiveLedgers, m.WritableDirs, m.JournalQueueLen,
		m.GCSegmentsDeleted, m.GCSegmentsCompacted, m.GCBytesReclaimed,
	)
	return m
}

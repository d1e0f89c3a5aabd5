package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Data-path counters. Registered on the default registry; cmd/junkfs
// serves them when JUNK_METRICS_ADDR is set.
var (
	writeCalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "junkfs",
		Subsystem: "data",
		Name:      "write_calls_total",
		Help:      "Cache writes accepted from the dispatcher.",
	})

	writeBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "junkfs",
		Subsystem: "data",
		Name:      "write_bytes_total",
		Help:      "Bytes accepted into writeback caches.",
	})

	dirtyBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "junkfs",
		Subsystem: "data",
		Name:      "dirty_bytes",
		Help:      "Bytes currently buffered across all writeback caches.",
	})

	flushCalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "junkfs",
		Subsystem: "data",
		Name:      "flush_calls_total",
		Help:      "Cache flushes issued.",
	})

	flushErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "junkfs",
		Subsystem: "data",
		Name:      "flush_errors_total",
		Help:      "Cache flushes that failed.",
	})

	flushSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "junkfs",
		Subsystem: "data",
		Name:      "flush_duration_seconds",
		Help:      "Wall time of cache flushes.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	pwritevBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "junkfs",
		Subsystem: "data",
		Name:      "pwritev_bytes_total",
		Help:      "Bytes handed to pwritev against data files.",
	})

	pwritevSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "junkfs",
		Subsystem: "data",
		Name:      "pwritev_duration_seconds",
		Help:      "Wall time of pwritev calls.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
)

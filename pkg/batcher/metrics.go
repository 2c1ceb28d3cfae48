package batcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pendingOps = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "batcher_pending_ops",
	Help: "The number of writes waiting for the next flush",
})

var flushedOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "batcher_flushed_ops_total",
	Help: "The number of writes submitted to the store",
}, []string{"kind", "op"})

var droppedOps = promauto.NewCounter(prometheus.CounterOpts{
	Name: "batcher_dropped_ops_total",
	Help: "The number of writes dropped because their batch failed",
})

var skippedFlushes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "batcher_skipped_flushes_total",
	Help: "The number of flushes skipped because another flush was running",
})

var flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "batcher_flush_duration_seconds",
	Help:    "The duration of one batched store execution",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
})

var batchSizeHist = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "batcher_batch_size",
	Help:    "The number of statements in one flushed batch",
	Buckets: prometheus.ExponentialBuckets(1, 2, 16),
})

package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var recordsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "indexer_records_applied_total",
	Help: "The number of record upserts and deletes handed to the writer",
}, []string{"collection", "op"})

var recordsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "indexer_records_rejected_total",
	Help: "The number of records that failed lexicon validation",
}, []string{"collection"})

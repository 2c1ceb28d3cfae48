package backfill

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var recordsListed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "backfill_records_listed_total",
	Help: "The number of remote records seen while reconciling",
}, []string{"collection"})

var orphansDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "backfill_orphans_deleted_total",
	Help: "The number of local rows deleted because the remote record no longer exists",
}, []string{"collection"})

var incompleteListings = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "backfill_incomplete_listings_total",
	Help: "The number of listings that ended before the final page, skipping orphan cleanup",
}, []string{"collection"})

var identitiesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "backfill_identities_processed_total",
	Help: "The number of identities reconciled, by outcome",
}, []string{"status"})

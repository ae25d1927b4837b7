package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DocumentsPulled tracks remote->local replication throughput per resource
	// and pull strategy (incremental/mirror)
	DocumentsPulled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parksync_documents_pulled_total",
		Help: "Total number of documents ingested from the central store",
	}, []string{"resource", "strategy"})

	// OutboxDrained tracks local->remote pushes by final outcome
	// (synced/retried/error)
	OutboxDrained = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parksync_outbox_drained_total",
		Help: "Total number of outbox entries dispatched, by outcome",
	}, []string{"resource", "outcome"})

	// TickDuration measures one full scheduler tick (prices + pull + drain)
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "parksync_tick_duration_seconds",
		Help:    "Duration of a full sync tick in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Online provides a binary 0/1 signal for central-store reachability
	Online = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parksync_online",
		Help: "Whether the central store was reachable on the last tick (1) or not (0)",
	})

	// OutboxBacklog is the primary indicator of propagation lag
	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parksync_outbox_backlog",
		Help: "Current number of pending outbox entries in the local store",
	})

	// PriceFetchFailures counts per-bucket tariff endpoint failures; the
	// fetcher falls back to the on-disk cache when this grows
	PriceFetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parksync_price_fetch_failures_total",
		Help: "Total number of failed tariff bucket fetches",
	}, []string{"bucket"})

	// PriceCacheWriteFailures counts failed writes of the on-disk price cache
	PriceCacheWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parksync_price_cache_write_failures_total",
		Help: "Total number of failed on-disk price cache writes",
	})
)

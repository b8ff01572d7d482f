// Package metrics exposes Prometheus gauges/counters for the storage
// kernel: cache occupancy and eviction on the in-memory backend,
// transaction outcomes and retry attempts on the coordinator.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kvtx_memkv_cache_size",
			Help: "Current number of entries held by an in-memory backend instance",
		},
		[]string{"instance"},
	)

	CacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvtx_memkv_evictions_total",
			Help: "Total cache entries removed, by reason",
		},
		[]string{"instance", "reason"}, // reason: ttl, lru
	)

	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvtx_transactions_total",
			Help: "Total transactions reaching a terminal state, by outcome",
		},
		[]string{"outcome"}, // committed, rolledback, failed, timeout
	)

	TransactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kvtx_transaction_duration_seconds",
			Help:    "Time from transaction creation to terminal state",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvtx_retry_attempts_total",
			Help: "Total execute_with_retry attempts, by outcome",
		},
		[]string{"outcome"}, // succeeded, transient_retry, non_transient
	)
)

func init() {
	prometheus.MustRegister(
		CacheSize,
		CacheEvictions,
		TransactionsTotal,
		TransactionDuration,
		RetryAttempts,
	)
}

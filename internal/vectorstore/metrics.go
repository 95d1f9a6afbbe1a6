// Prometheus metrics for store operations.
package vectorstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChunksAddedTotal counts chunks written to the store.
	// Labels: provider (chromem, qdrant)
	ChunksAddedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assistd",
			Subsystem: "vectorstore",
			Name:      "chunks_added_total",
			Help:      "Total number of chunks written to the vector store",
		},
		[]string{"provider"},
	)

	// QueriesTotal counts similarity queries.
	// Labels: provider, result (success, error)
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assistd",
			Subsystem: "vectorstore",
			Name:      "queries_total",
			Help:      "Total number of similarity queries",
		},
		[]string{"provider", "result"},
	)

	// QueryDuration tracks similarity query latency.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "assistd",
			Subsystem: "vectorstore",
			Name:      "query_duration_seconds",
			Help:      "Duration of similarity queries in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// DeletesTotal counts delete operations.
	// Labels: provider, result (success, error)
	DeletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assistd",
			Subsystem: "vectorstore",
			Name:      "deletes_total",
			Help:      "Total number of delete operations",
		},
		[]string{"provider", "result"},
	)
)

// RecordQueryResult records the outcome of a similarity query.
func RecordQueryResult(provider string, err error, seconds float64) {
	result := "success"
	if err != nil {
		result = "error"
	}
	QueriesTotal.WithLabelValues(provider, result).Inc()
	QueryDuration.WithLabelValues(provider).Observe(seconds)
}

// RecordDeleteResult records the outcome of a delete operation.
func RecordDeleteResult(provider string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	DeletesTotal.WithLabelValues(provider, result).Inc()
}

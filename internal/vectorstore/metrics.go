package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// operationsTotal counts index operations.
	// Labels: backend, operation, result (success, error)
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestd",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Total number of index operations",
		},
		[]string{"backend", "operation", "result"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingestd",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of index operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// tenantsLoaded tracks tenant indexes currently held in memory.
	tenantsLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ingestd",
			Subsystem: "vectorstore",
			Name:      "tenants_loaded",
			Help:      "Number of tenant indexes held in memory",
		},
		[]string{"backend"},
	)

	purgedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestd",
			Subsystem: "vectorstore",
			Name:      "purged_total",
			Help:      "Total number of expired tenant indexes purged",
		},
		[]string{"backend"},
	)
)

// observe records the outcome and latency of one operation. It is deferred
// with a pointer to the caller's named error result.
func observe(backend, op string, start time.Time, err *error) {
	result := "success"
	if *err != nil {
		result = "error"
	}
	operationsTotal.WithLabelValues(backend, op, result).Inc()
	operationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

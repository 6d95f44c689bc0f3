package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingestd",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Pipeline runs by final status.",
	}, []string{"status"})

	pagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ingestd",
		Subsystem: "pipeline",
		Name:      "pages_total",
		Help:      "Pages acquired across all runs.",
	})

	chunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ingestd",
		Subsystem: "pipeline",
		Name:      "chunks_total",
		Help:      "Chunks created across all runs.",
	})

	embeddingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ingestd",
		Subsystem: "pipeline",
		Name:      "embeddings_total",
		Help:      "Embeddings generated across all runs.",
	})

	publishFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ingestd",
		Subsystem: "pipeline",
		Name:      "publish_failures_total",
		Help:      "Runs whose durable-store publish failed.",
	})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ingestd",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Duration of each pipeline stage.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"stage"})
)

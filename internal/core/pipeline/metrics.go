package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// metricsOnce ensures metrics are registered only once
	metricsOnce sync.Once

	// ingestRunsTotal tracks completed source runs by source and status
	ingestRunsTotal *prometheus.CounterVec

	// ingestRunDuration tracks end-to-end duration of a source run
	ingestRunDuration *prometheus.HistogramVec

	// ingestRecordsTotal tracks record counts by source and stage
	ingestRecordsTotal *prometheus.CounterVec

	// ingestChunkFailuresTotal tracks bulk insert chunks that failed to commit
	ingestChunkFailuresTotal *prometheus.CounterVec
)

// InitMetrics registers all Prometheus metrics for the ingestion pipeline.
// This should be called once at application startup.
func InitMetrics() {
	metricsOnce.Do(func() {
		ingestRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vulnvault_ingest_runs_total",
				Help: "Total number of source ingestion runs by source and status",
			},
			[]string{"source", "status"},
		)

		ingestRunDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vulnvault_ingest_run_duration_seconds",
				Help:    "Duration of a full source ingestion run in seconds",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"source"},
		)

		ingestRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vulnvault_ingest_records_total",
				Help: "Record counts by source and pipeline stage",
			},
			[]string{"source", "stage"},
		)

		ingestChunkFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vulnvault_ingest_chunk_failures_total",
				Help: "Bulk insert chunks that failed to commit, by source",
			},
			[]string{"source"},
		)
	})
}

// recordRun records a finished source run with status "success" or "failure".
func recordRun(source, status string, elapsed time.Duration) {
	if ingestRunsTotal != nil {
		ingestRunsTotal.WithLabelValues(source, status).Inc()
	}
	if ingestRunDuration != nil {
		ingestRunDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	}
}

// recordRecords records a record count for a stage.
// stage: "fetched", "deduped", "inserted"
func recordRecords(source, stage string, n int) {
	if n > 0 && ingestRecordsTotal != nil {
		ingestRecordsTotal.WithLabelValues(source, stage).Add(float64(n))
	}
}

func recordChunkFailures(source string, n int) {
	if n > 0 && ingestChunkFailuresTotal != nil {
		ingestChunkFailuresTotal.WithLabelValues(source).Add(float64(n))
	}
}

package warmup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for warmup jobs.
var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warmup_jobs_total",
		Help: "Total warmup jobs by terminal status",
	}, []string{"status"})

	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warmup_pages_total",
		Help: "Total warmed identifiers by outcome",
	}, []string{"outcome"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warmup_batch_duration_seconds",
		Help:    "Duration of one warmup batch in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 15, 30},
	})

	running = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warmup_running",
		Help: "1 while a warmup job is running on this instance",
	})
)

// Package metrics provides Prometheus metrics for the collection queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xhshelper_jobs_enqueued_total",
			Help: "Total number of collection jobs enqueued",
		},
		[]string{"kind"},
	)
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xhshelper_jobs_completed_total",
			Help: "Total number of collection jobs that finished successfully",
		},
		[]string{"kind"},
	)
	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xhshelper_jobs_failed_total",
			Help: "Total number of collection jobs that failed",
		},
		[]string{"kind"},
	)
	JobsStopped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xhshelper_jobs_stopped_total",
			Help: "Total number of collection jobs stopped by the user",
		},
	)
	WorkerEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xhshelper_worker_events_total",
			Help: "Total number of worker protocol events observed",
		},
		[]string{"type"},
	)
	QueuePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xhshelper_queue_pending",
			Help: "Number of queue items waiting to run",
		},
	)
)

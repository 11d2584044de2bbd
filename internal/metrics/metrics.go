package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaq_tasks_enqueued_total",
		Help: "Total number of tasks added to the queue",
	}, []string{"kind"})

	TasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaq_tasks_started_total",
		Help: "Total number of tasks handed to an executor",
	}, []string{"kind"})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaq_tasks_finished_total",
		Help: "Total number of tasks that reached a terminal state",
	}, []string{"kind", "state"})

	TasksRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediaq_tasks_requeued_total",
		Help: "Total number of dequeued tasks put back because the concurrency limit was reached",
	})

	DispatchPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediaq_dispatch_panics_total",
		Help: "Total number of panics recovered by the scheduler loop",
	})

	HistoryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediaq_history_errors_total",
		Help: "Total number of history records that could not be written",
	})

	ReportsRendered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediaq_reports_rendered_total",
		Help: "Total number of progress reports rendered",
	})

	TasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediaq_tasks_running",
		Help: "Number of tasks currently running",
	})

	TasksPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediaq_tasks_pending",
		Help: "Number of tasks waiting to start",
	})

	ConcurrencyLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediaq_concurrency_limit",
		Help: "Maximum number of tasks allowed to run at once",
	})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediaq_task_duration_seconds",
		Help:    "Executor run time in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"kind"})
)

package engine

import "github.com/prometheus/client_golang/prometheus"

// Terminal task statuses, used as record values and metric labels.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torque_tasks_total",
			Help: "Total number of tasks driven to a terminal state, by backend and status.",
		},
		[]string{"backend", "status"},
	)

	activeTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "torque_active_tasks",
			Help: "Number of tasks currently holding a concurrency permit, by backend.",
		},
		[]string{"backend"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "torque_task_duration_seconds",
			Help:    "Task run duration from permit acquisition to terminal state, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"backend"},
	)

	permitWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "torque_permit_wait_seconds",
			Help:    "Time spent waiting for a backend concurrency permit, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(activeTasks)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(permitWait)
}

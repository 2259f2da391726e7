package tasks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tasksScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tasks_scheduled",
	Help: "The number of tasks enqueued",
}, []string{"type"})

var tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tasks_processed",
	Help: "The number of tasks run, by outcome",
}, []string{"type", "status"})

var taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "task_duration",
	Help:    "The duration of task handler runs in milliseconds",
	Buckets: prometheus.ExponentialBuckets(1, 2, 16),
}, []string{"type"})

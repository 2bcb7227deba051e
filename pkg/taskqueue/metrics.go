package taskqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	tasks       *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	depth       *prometheus.GaugeVec
	waitSeconds *prometheus.HistogramVec
	runSeconds  *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedsync",
			Subsystem: "taskqueue",
			Name:      "tasks_total",
			Help:      "Tasks executed, by type and result.",
		}, []string{"type", "result"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedsync",
			Subsystem: "taskqueue",
			Name:      "dropped_tasks_total",
			Help:      "Tasks rejected or discarded because the queue was resetting.",
		}, []string{"type"}),
		depth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "feedsync",
			Subsystem: "taskqueue",
			Name:      "depth",
			Help:      "Tasks waiting to run, by type.",
		}, []string{"type"}),
		waitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "feedsync",
			Subsystem: "taskqueue",
			Name:      "wait_seconds",
			Help:      "Time between submission and start of a task.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"type"}),
		runSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "feedsync",
			Subsystem: "taskqueue",
			Name:      "run_seconds",
			Help:      "Task execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"type"}),
	}
}

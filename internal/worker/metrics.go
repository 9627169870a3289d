package worker

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdflow_worker_tasks_total",
			Help: "Queued conversion tasks handled by the worker, by outcome.",
		}, []string{"outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdflow_worker_task_duration_seconds",
			Help:    "Wall time per queued conversion task, fetch included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.tasksTotal, m.taskDuration)
	}
	return m
}

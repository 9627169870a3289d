package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	activeJobs  prometheus.Gauge
	waitingJobs prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdflow_conversions_total",
			Help: "Total conversions by final status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdflow_conversion_duration_seconds",
			Help:    "Wall-clock duration of each conversion process.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 90, 120, 180},
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdflow_conversions_active",
			Help: "Conversion processes currently running.",
		}),
		waitingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdflow_conversions_waiting",
			Help: "Conversions waiting for a free worker slot.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.jobsTotal, m.jobDuration, m.activeJobs, m.waitingJobs)
	}
	return m
}

// Package health carries the component health aggregation and the
// Prometheus metric set shared by the sidecar and the orchestrator.
package health

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the canonical metric set. Names are part of the external
// contract; dashboards and CI gates key on them.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal        *prometheus.CounterVec
	EventsDroppedTotal *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	QueueSize          prometheus.Gauge
	QueueUtilization   prometheus.Gauge
	CPUUsage           prometheus.Gauge
	MemoryUsageMB      prometheus.Gauge
	ProcessingLatency  prometheus.Histogram
	HealthStatus       *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sidecar_events_total",
			Help: "Events accepted by the sidecar, by event type.",
		}, []string{"type"}),
		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sidecar_events_dropped_total",
			Help: "Events dropped by the bounded queue, by event type.",
		}, []string{"type"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sidecar_errors_total",
			Help: "Internal errors, by component.",
		}, []string{"component"}),
		QueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sidecar_queue_size",
			Help: "Current number of events waiting in the queue.",
		}),
		QueueUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sidecar_queue_utilization",
			Help: "Queue fill ratio in [0,1].",
		}),
		CPUUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sidecar_cpu_usage",
			Help: "Sidecar process CPU usage percent.",
		}),
		MemoryUsageMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sidecar_memory_usage_mb",
			Help: "Sidecar process RSS in megabytes.",
		}),
		ProcessingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sidecar_processing_latency_ms",
			Help:    "Handler processing latency in milliseconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		HealthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crossbridge_health_status",
			Help: "1 for the active overall health status label, 0 otherwise.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.EventsTotal, m.EventsDroppedTotal, m.ErrorsTotal,
		m.QueueSize, m.QueueUtilization,
		m.CPUUsage, m.MemoryUsageMB,
		m.ProcessingLatency, m.HealthStatus,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetHealthStatus flips the one-hot status gauge.
func (m *Metrics) SetHealthStatus(status string) {
	for _, s := range []string{StatusHealthy, StatusDegraded, StatusUnhealthy} {
		v := 0.0
		if s == status {
			v = 1.0
		}
		m.HealthStatus.WithLabelValues(s).Set(v)
	}
}

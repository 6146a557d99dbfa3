package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GeneratorMetrics contains Prometheus metrics for the synthetic uplink generator.
type GeneratorMetrics struct {
	UplinksPublished  *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	PublishDuration   prometheus.Histogram
	ActiveDevices     prometheus.Gauge
	DuplicatesEmitted prometheus.Counter
}

// NewGeneratorMetrics creates generator metrics and registers them with reg
// (the global registry when reg is nil).
func NewGeneratorMetrics(reg prometheus.Registerer) *GeneratorMetrics {
	m := &GeneratorMetrics{
		UplinksPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "generator",
				Name:      "uplinks_published_total",
				Help:      "Total number of synthetic uplinks published",
			},
			[]string{"dev_eui"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "generator",
				Name:      "publish_failures_total",
				Help:      "Total number of failed uplink publications",
			},
			[]string{"reason"},
		),
		PublishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "generator",
				Name:      "publish_duration_seconds",
				Help:      "Duration of uplink publications",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ActiveDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "generator",
				Name:      "active_devices",
				Help:      "Number of simulated devices",
			},
		),
		DuplicatesEmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "generator",
				Name:      "duplicates_emitted_total",
				Help:      "Total number of deliberately re-sent uplinks",
			},
		),
	}

	MustRegister(reg,
		m.UplinksPublished,
		m.PublishFailures,
		m.PublishDuration,
		m.ActiveDevices,
		m.DuplicatesEmitted,
	)

	return m
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for the ingestion pipeline and
// the alert evaluator.
type IngestMetrics struct {
	MessagesTotal        *prometheus.CounterVec
	OutcomesTotal        *prometheus.CounterVec
	ValidationErrors     prometheus.Counter
	ProcessingDuration   *prometheus.HistogramVec
	AlertsTotal          *prometheus.CounterVec
	NotificationsTotal   *prometheus.CounterVec
	StoreOperationsTotal *prometheus.CounterVec
}

// NewIngestMetrics creates ingestion metrics and registers them with reg
// (the global registry when reg is nil).
func NewIngestMetrics(reg prometheus.Registerer) *IngestMetrics {
	m := &IngestMetrics{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ingest",
				Name:      "messages_total",
				Help:      "Total number of raw messages received per transport",
			},
			[]string{"transport", "status"}, // transport: http, amqp, grpc
		),
		OutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ingest",
				Name:      "outcomes_total",
				Help:      "Total number of processed messages by outcome",
			},
			[]string{"outcome"}, // stored, duplicate, unknown_device, empty_payload
		),
		ValidationErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ingest",
				Name:      "validation_errors_total",
				Help:      "Total number of rejected messages",
			},
		),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "ingest",
				Name:      "processing_duration_seconds",
				Help:      "Duration of message processing including alert dispatch",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport"},
		),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "alerts",
				Name:      "triggered_total",
				Help:      "Total number of readings that crossed a threshold",
			},
			[]string{"severity"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "alerts",
				Name:      "notifications_total",
				Help:      "Total number of alert notifications attempted",
			},
			[]string{"severity", "status"},
		),
		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "store",
				Name:      "operations_total",
				Help:      "Total number of reading store operations",
			},
			[]string{"operation", "status"},
		),
	}

	MustRegister(reg,
		m.MessagesTotal,
		m.OutcomesTotal,
		m.ValidationErrors,
		m.ProcessingDuration,
		m.AlertsTotal,
		m.NotificationsTotal,
		m.StoreOperationsTotal,
	)

	return m
}

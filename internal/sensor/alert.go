package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"procodus.dev/radon-monitor/internal/notify"
	"procodus.dev/radon-monitor/pkg/metrics"
)

// Severity classifies a reading that crossed a threshold.
type Severity string

// Alert severities.
const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Subject returns the notification subject for the severity.
func (s Severity) Subject() string {
	if s == SeverityCritical {
		return "Sensor Alert - Action Needed"
	}
	return "Sensor Warning"
}

// Default thresholds.
const (
	DefaultWarningThreshold = 150
	DefaultAlertThreshold   = 200
)

// Thresholds are the alert boundaries. Warning must be below Alert.
type Thresholds struct {
	Warning float64
	Alert   float64
}

// DefaultThresholds returns the default boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: DefaultWarningThreshold, Alert: DefaultAlertThreshold}
}

// Validate checks the threshold ordering.
func (t Thresholds) Validate() error {
	if t.Warning >= t.Alert {
		return fmt.Errorf("warning threshold %v must be below alert threshold %v", t.Warning, t.Alert)
	}
	return nil
}

// DefaultDispatchTimeout bounds the notification round of a single reading.
const DefaultDispatchTimeout = 30 * time.Second

// Evaluator decides whether a reading triggers an alert and notifies the
// users associated with the device.
type Evaluator struct {
	logger     *slog.Logger
	store      Store
	notifier   notify.Notifier
	thresholds Thresholds
	timeout    time.Duration
	metrics    *metrics.IngestMetrics // Optional metrics
}

// EvaluatorConfig holds the configuration for the Evaluator.
type EvaluatorConfig struct {
	Logger     *slog.Logger
	Store      Store
	Notifier   notify.Notifier
	Thresholds Thresholds
	Metrics    *metrics.IngestMetrics

	// Timeout bounds Dispatch. Defaults to DefaultDispatchTimeout.
	Timeout time.Duration
}

// NewEvaluator creates a new Evaluator instance.
func NewEvaluator(cfg *EvaluatorConfig) (*Evaluator, error) {
	if cfg == nil {
		return nil, errors.New("evaluator config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Notifier == nil {
		return nil, errors.New("notifier cannot be nil")
	}

	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}

	return &Evaluator{
		logger:     cfg.Logger.With("component", "alert_evaluator"),
		store:      cfg.Store,
		notifier:   cfg.Notifier,
		thresholds: cfg.Thresholds,
		timeout:    timeout,
		metrics:    cfg.Metrics,
	}, nil
}

// Evaluate returns the severity and the threshold crossed by value.
// Both comparisons are strict: a value equal to a threshold does not cross it.
func (e *Evaluator) Evaluate(value int64) (Severity, float64, bool) {
	v := float64(value)
	switch {
	case v > e.thresholds.Alert:
		return SeverityCritical, e.thresholds.Alert, true
	case v > e.thresholds.Warning:
		return SeverityWarning, e.thresholds.Warning, true
	default:
		return "", 0, false
	}
}

// Dispatch notifies every eligible user associated with the device when the
// reading crosses a threshold. Delivery failures are logged and dropped; they
// never affect the stored reading. The reading is already stored when Dispatch
// runs, so notifications outlive cancellation of ctx but not the evaluator
// timeout.
func (e *Evaluator) Dispatch(ctx context.Context, device *Device, reading *Reading) {
	severity, threshold, triggered := e.Evaluate(reading.Value)
	if !triggered {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	if e.metrics != nil {
		e.metrics.AlertsTotal.WithLabelValues(string(severity)).Inc()
	}

	recipients, err := e.store.AlertRecipients(ctx, device.ID)
	if err != nil {
		e.logger.Warn("failed to load alert recipients",
			"device_serial", device.SerialNumber,
			"error", err,
		)
		return
	}

	subject := severity.Subject()
	body := AlertBody(device.SerialNumber, reading.Value, threshold)

	var wg sync.WaitGroup
	for _, r := range recipients {
		if !r.Eligible() {
			continue
		}

		wg.Add(1)
		go func(r Recipient) {
			defer wg.Done()
			err := e.notifier.Notify(ctx, r.Email, subject, body)
			if e.metrics != nil {
				e.metrics.NotificationsTotal.WithLabelValues(string(severity), metrics.Status(err)).Inc()
			}
			if err != nil {
				e.logger.Warn("failed to send alert notification",
					"device_serial", device.SerialNumber,
					"user_id", r.UserID,
					"severity", severity,
					"error", err,
				)
				return
			}
			e.logger.Info("alert notification sent",
				"device_serial", device.SerialNumber,
				"user_id", r.UserID,
				"severity", severity,
			)
		}(r)
	}
	wg.Wait()
}

// AlertBody formats the notification body.
func AlertBody(serial string, value int64, threshold float64) string {
	return fmt.Sprintf("Sensor %s value %d exceeded threshold %s.",
		serial, value, strconv.FormatFloat(threshold, 'f', -1, 64))
}

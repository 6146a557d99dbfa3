package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"procodus.dev/radon-monitor/pkg/metrics"
)

// Outcome is the non-error result of processing one uplink.
type Outcome int

// Processing outcomes. Transports treat all of them as success.
const (
	OutcomeStored Outcome = iota
	OutcomeDuplicate
	OutcomeUnknownDevice
	OutcomeEmptyPayload
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStored:
		return "stored"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeUnknownDevice:
		return "unknown_device"
	case OutcomeEmptyPayload:
		return "empty_payload"
	default:
		return "unknown"
	}
}

// Ingester is the entry point transports feed raw uplinks into.
type Ingester interface {
	Process(ctx context.Context, msg *RawMessage) (Outcome, error)
}

var _ Ingester = (*Pipeline)(nil)

// Pipeline validates uplinks, stores them idempotently and triggers alert
// evaluation for newly stored readings.
type Pipeline struct {
	logger    *slog.Logger
	store     Store
	evaluator *Evaluator
	metrics   *metrics.IngestMetrics // Optional metrics
}

// PipelineConfig holds the configuration for the Pipeline.
type PipelineConfig struct {
	Logger    *slog.Logger
	Store     Store
	Evaluator *Evaluator
	Metrics   *metrics.IngestMetrics
}

// NewPipeline creates a new Pipeline instance.
func NewPipeline(cfg *PipelineConfig) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Evaluator == nil {
		return nil, errors.New("evaluator cannot be nil")
	}

	return &Pipeline{
		logger:    cfg.Logger.With("component", "pipeline"),
		store:     cfg.Store,
		evaluator: cfg.Evaluator,
		metrics:   cfg.Metrics,
	}, nil
}

// Process ingests one raw uplink.
//
// Invalid input yields a *ValidationError. Empty payloads, unknown devices
// and already seen deduplication IDs are not errors. Any other error comes
// from the store and may be retried.
func (p *Pipeline) Process(ctx context.Context, msg *RawMessage) (Outcome, error) {
	outcome, err := p.process(ctx, msg)
	if p.metrics != nil {
		switch {
		case err == nil:
			p.metrics.OutcomesTotal.WithLabelValues(outcome.String()).Inc()
		case IsValidationError(err):
			p.metrics.ValidationErrors.Inc()
		}
	}
	return outcome, err
}

func (p *Pipeline) process(ctx context.Context, msg *RawMessage) (Outcome, error) {
	if msg == nil {
		return 0, &ValidationError{Reason: "empty message"}
	}

	uplink, err := msg.Extract()
	if err != nil {
		p.logger.Warn("rejected uplink", "error", err)
		return 0, err
	}

	log := p.logger.With(
		"device_serial", uplink.DevEUI,
		"deduplication_id", uplink.DeduplicationID,
	)

	if uplink.HexData == "" {
		log.Error("empty hexdata, ignoring")
		return OutcomeEmptyPayload, nil
	}

	value, err := uplink.Value()
	if err != nil {
		log.Warn("rejected uplink", "error", err)
		return 0, err
	}

	observedAt, err := uplink.ObservedAt()
	if err != nil {
		log.Warn("rejected uplink", "error", err)
		return 0, err
	}

	device, err := p.store.FindDeviceBySerial(ctx, uplink.DevEUI)
	if errors.Is(err, ErrNotFound) {
		log.Info("device not registered, ignoring reading")
		return OutcomeUnknownDevice, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up device %s: %w", uplink.DevEUI, err)
	}

	reading, created, err := p.store.InsertReadingIfAbsent(ctx, Reading{
		DeviceID:        device.ID,
		Value:           value,
		RSSI:            uplink.RSSI,
		Timestamp:       observedAt,
		DeduplicationID: uplink.DeduplicationID,
	})
	if p.metrics != nil {
		p.metrics.StoreOperationsTotal.WithLabelValues("insert_reading", metrics.Status(err)).Inc()
	}
	if err != nil {
		return 0, fmt.Errorf("failed to store reading: %w", err)
	}

	if !created {
		log.Info("duplicate reading, ignoring")
		return OutcomeDuplicate, nil
	}

	log.Info("reading stored",
		"reading_id", reading.ID,
		"value", reading.Value,
		"rssi", reading.RSSI,
	)

	p.evaluator.Dispatch(ctx, device, reading)

	return OutcomeStored, nil
}

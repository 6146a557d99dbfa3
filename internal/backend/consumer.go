package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/radon-monitor/internal/sensor"
	"procodus.dev/radon-monitor/pkg/metrics"
	"procodus.dev/radon-monitor/pkg/mq"
)

// resubscribeDelay is the pause before retrying a failed Consume call.
const resubscribeDelay = 2 * time.Second

// UplinkBindingKey returns the AMQP routing key matching the MQTT uplink
// topic application/<applicationID>/device/+/event/up as mapped onto a topic
// exchange by the RabbitMQ MQTT plugin.
func UplinkBindingKey(applicationID string) string {
	return "application." + applicationID + ".device.*.event.up"
}

// UplinkRoutingKey returns the routing key of one device's uplinks.
func UplinkRoutingKey(applicationID, devEUI string) string {
	return "application." + applicationID + ".device." + devEUI + ".event.up"
}

// Consumer feeds uplinks from RabbitMQ into the ingestion pipeline.
type Consumer struct {
	logger   *slog.Logger
	client   mq.ClientInterface
	ingester sensor.Ingester
	metrics  *metrics.IngestMetrics // Optional metrics
	cancel   context.CancelFunc
	done     chan struct{}
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger   *slog.Logger
	Client   mq.ClientInterface
	Ingester sensor.Ingester
	Metrics  *metrics.IngestMetrics
}

// NewConsumer creates a new Consumer instance. The consumer does not own the
// client; closing it is up to the caller.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	if cfg.Ingester == nil {
		return nil, errors.New("ingester cannot be nil")
	}

	return &Consumer{
		logger:   cfg.Logger.With("component", "consumer"),
		client:   cfg.Client,
		ingester: cfg.Ingester,
		metrics:  cfg.Metrics,
		done:     make(chan struct{}),
	}, nil
}

// Start begins consuming in the background. Consumption resumes after
// broker reconnects until Stop is called or ctx is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting consumer")

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)

	return nil
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)

	for {
		if err := c.client.WaitReady(ctx); err != nil {
			c.logger.Info("stopping message processing", "reason", err)
			return
		}

		deliveries, err := c.client.Consume()
		if err != nil {
			c.logger.Warn("failed to start consuming, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeDelay):
			}
			continue
		}

		c.logger.Info("consumer started, waiting for messages")

		if !c.processMessages(ctx, deliveries) {
			return
		}
		c.logger.Warn("deliveries channel closed, resubscribing")
	}
}

// processMessages handles deliveries until the channel closes (true) or the
// context is canceled (false).
func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping message processing")
			return false

		case delivery, ok := <-deliveries:
			if !ok {
				return true
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery runs one message through the pipeline. Invalid messages are
// acknowledged so they are not redelivered; store failures are requeued.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	if c.metrics != nil {
		timer := prometheus.NewTimer(c.metrics.ProcessingDuration.WithLabelValues("amqp"))
		defer timer.ObserveDuration()
	}

	msg, err := sensor.DecodeRawMessage(delivery.Body)
	var outcome sensor.Outcome
	if err == nil {
		outcome, err = c.ingester.Process(ctx, msg)
	}

	switch {
	case err == nil:
		c.observe("success")
		c.logger.Debug("uplink processed",
			"routing_key", delivery.RoutingKey,
			"outcome", outcome.String(),
		)
		c.ack(delivery)

	case sensor.IsValidationError(err):
		c.observe("invalid")
		c.logger.Warn("discarding invalid uplink",
			"routing_key", delivery.RoutingKey,
			"error", err,
		)
		c.ack(delivery)

	default:
		c.observe("error")
		c.logger.Error("failed to process uplink",
			"routing_key", delivery.RoutingKey,
			"error", err,
		)
		// Nack the message so it can be reprocessed
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
	}
}

func (c *Consumer) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
	}
}

func (c *Consumer) observe(result string) {
	if c.metrics != nil {
		c.metrics.MessagesTotal.WithLabelValues("amqp", result).Inc()
	}
}

// Stop stops consuming and waits for the in-flight message to finish.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping consumer")

	if c.cancel == nil {
		return nil
	}
	c.cancel()
	<-c.done

	c.logger.Info("consumer stopped")
	return nil
}

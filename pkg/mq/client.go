// Package mq provides a RabbitMQ client with automatic reconnection and error handling.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/radon-monitor/pkg/metrics"
)

// Options configures the topology the client declares on every (re)connect.
type Options struct {
	// QueueName is the queue to declare and consume from. Publish-only
	// clients may leave it empty.
	QueueName string
	// Exchange is the exchange messages are published to and the queue is
	// bound to. Empty means the default exchange.
	Exchange string
	// ExchangeKind is the kind used when declaring Exchange (default "topic").
	ExchangeKind string
	// BindingKeys are the routing keys QueueName is bound with on Exchange.
	BindingKeys []string
	// Durable declares a durable queue and exchange.
	Durable bool
}

// Client is a RabbitMQ client that handles connection management,
// automatic reconnection, and provides methods for publishing and consuming messages.
type Client struct {
	m               *sync.Mutex
	infolog         *slog.Logger
	errlog          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan bool
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	opts            Options
	isReady         bool
	closed          bool
	metrics         *metrics.MQMetrics // Optional metrics
}

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	// Initial backoff delay for Push retries.
	initialBackoff = 100 * time.Millisecond

	// Maximum backoff delay for Push retries.
	maxBackoff = 10 * time.Second

	// Backoff multiplier for exponential backoff.
	backoffMultiplier = 2

	// Maximum number of retry attempts before giving up.
	maxRetryAttempts = 5

	// Poll interval of WaitReady.
	readyPollInterval = 100 * time.Millisecond
)

var (
	errNotConnected       = errors.New("not connected to a server")
	errAlreadyClosed      = errors.New("already closed: not connected to the server")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	errNoQueue            = errors.New("no queue configured")
)

// New creates a client for a single queue on the default exchange, and
// automatically attempts to connect to the server.
func New(queueName, addr string, l *slog.Logger) *Client {
	return NewWithOptions(addr, Options{QueueName: queueName}, l)
}

// NewWithOptions creates a client with the given topology, and automatically
// attempts to connect to the server.
func NewWithOptions(addr string, opts Options, l *slog.Logger) *Client {
	if opts.Exchange != "" && opts.ExchangeKind == "" {
		opts.ExchangeKind = amqp.ExchangeTopic
	}
	client := Client{
		m:       &sync.Mutex{},
		infolog: l,
		errlog:  l,
		opts:    opts,
		done:    make(chan bool),
	}
	go client.handleReconnect(addr)
	return &client
}

// SetMetrics sets the metrics collector for this client.
// This should be called before the client starts processing messages.
func (client *Client) SetMetrics(m *metrics.MQMetrics) {
	client.metrics = m
}

// QueueName returns the consumed queue.
func (client *Client) QueueName() string {
	return client.opts.QueueName
}

// target names the client in metric labels.
func (client *Client) target() string {
	if client.opts.QueueName != "" {
		return client.opts.QueueName
	}
	return client.opts.Exchange
}

// handleReconnect will wait for a connection error on
// notifyConnClose, and then continuously attempt to reconnect.
func (client *Client) handleReconnect(addr string) {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		client.infolog.Info("attempting to connect")

		// Track reconnection attempt
		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			client.errlog.Error("failed to connect. Retrying...", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			break
		}
	}
}

// connect will create a new AMQP connection.
func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		// Update connection status metric
		if client.metrics != nil {
			client.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	client.changeConnection(conn)
	client.infolog.Info("connected")

	// Update connection status metric
	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(1)
	}

	return conn, nil
}

// handleReInit will wait for a channel error
// and then continuously attempt to re-initialize both channels.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		err := client.init(conn)
		if err != nil {
			client.errlog.Error("failed to initialize channel, retrying...", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.infolog.Info("connection closed, reconnecting...")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.infolog.Info("connection closed, reconnecting...")
			return false
		case <-client.notifyChanClose:
			client.infolog.Info("channel closed, re-running init...")
		}
	}
}

// init will initialize the channel and declare the configured topology.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	err = client.declare(ch)
	if client.metrics != nil {
		client.metrics.TopologyDeclarations.WithLabelValues(client.target(), metrics.Status(err)).Inc()
	}
	if err != nil {
		_ = ch.Close()
		return err
	}

	client.changeChannel(ch)
	client.m.Lock()
	client.isReady = true
	client.m.Unlock()
	client.infolog.Info("client init done",
		"queue", client.opts.QueueName,
		"exchange", client.opts.Exchange,
	)

	return nil
}

// declare declares the exchange, the queue and its bindings.
// Exchanges with the reserved "amq." prefix are only checked for existence.
func (client *Client) declare(ch *amqp.Channel) error {
	o := client.opts

	if o.Exchange != "" {
		var err error
		if strings.HasPrefix(o.Exchange, "amq.") {
			err = ch.ExchangeDeclarePassive(o.Exchange, o.ExchangeKind, true, false, false, false, nil)
		} else {
			err = ch.ExchangeDeclare(
				o.Exchange,
				o.ExchangeKind,
				o.Durable, // Durable
				false,     // Auto-deleted
				false,     // Internal
				false,     // No-wait
				nil,       // Arguments
			)
		}
		if err != nil {
			return err
		}
	}

	if o.QueueName == "" {
		return nil
	}

	if _, err := ch.QueueDeclare(
		o.QueueName,
		o.Durable, // Durable
		false,     // Delete when unused
		false,     // Exclusive
		false,     // No-wait
		nil,       // Arguments
	); err != nil {
		return err
	}

	if o.Exchange == "" {
		return nil
	}
	for _, key := range o.BindingKeys {
		if err := ch.QueueBind(o.QueueName, key, o.Exchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}

// changeConnection takes a new connection to the queue,
// and updates the close listener to reflect this.
func (client *Client) changeConnection(connection *amqp.Connection) {
	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

// changeChannel takes a new channel to the queue,
// and updates the channel listeners to reflect this.
func (client *Client) changeChannel(channel *amqp.Channel) {
	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

// WaitReady blocks until the client is connected and its topology is
// declared, the context is done, or the client is closed.
func (client *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		client.m.Lock()
		ready := client.isReady
		client.m.Unlock()
		if ready {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.done:
			return errShutdown
		case <-ticker.C:
		}
	}
}

// Push publishes data with the queue name as routing key, and waits for a
// confirmation. See PushWithKey.
func (client *Client) Push(ctx context.Context, data []byte) error {
	return client.PushWithKey(ctx, client.opts.QueueName, data)
}

// PushWithKey will publish data to the configured exchange with the given
// routing key, and wait for a confirmation.
// This will block until the server sends a confirmation. Errors are
// only returned if the push action itself fails, see UnsafePushWithKey.
// The context is used for cancellation and timeout.
// Uses exponential backoff retry when the client is not connected,
// allowing time for automatic reconnection to succeed.
// After maxRetryAttempts (5) failed attempts, returns a fatal error.
func (client *Client) PushWithKey(ctx context.Context, routingKey string, data []byte) error {
	target := client.target()

	// Track duration
	var timer *prometheus.Timer
	if client.metrics != nil {
		timer = prometheus.NewTimer(client.metrics.PushDuration.WithLabelValues(target))
		defer timer.ObserveDuration()
	}

	backoff := initialBackoff
	retryCount := 0

	// wait sleeps for the current backoff and grows it.
	wait := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.done:
			return errShutdown
		case <-time.After(backoff):
			backoff *= backoffMultiplier
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			retryCount++
			return nil
		}
	}

	for {
		// Check if max retries exceeded
		if retryCount >= maxRetryAttempts {
			client.errlog.Error("maximum retry attempts exceeded",
				"retry_count", retryCount,
				"max_attempts", maxRetryAttempts)

			// Track failure
			if client.metrics != nil {
				client.metrics.PushFailures.WithLabelValues(target, "max_retries_exceeded").Inc()
			}

			return errMaxRetriesExceeded
		}

		// Check if connected
		client.m.Lock()
		isReady := client.isReady
		client.m.Unlock()

		if !isReady {
			// Not connected - use exponential backoff to wait for reconnection
			client.infolog.Info("not connected, waiting for reconnection",
				"backoff", backoff,
				"retry_count", retryCount)

			if err := wait(); err != nil {
				return err
			}
			continue
		}

		// Attempt to push
		if err := client.UnsafePushWithKey(ctx, routingKey, data); err != nil {
			client.errlog.Error("push failed, retrying with backoff",
				"error", err,
				"backoff", backoff,
				"retry_count", retryCount)

			if err := wait(); err != nil {
				return err
			}
			continue
		}

		// Wait for confirmation
		select {
		case <-ctx.Done():
			// Track failure
			if client.metrics != nil {
				client.metrics.PushFailures.WithLabelValues(target, "context_canceled").Inc()
			}
			return ctx.Err()
		case confirm := <-client.notifyConfirm:
			if confirm.Ack {
				// Track success
				if client.metrics != nil {
					client.metrics.MessagesPushed.WithLabelValues(target).Inc()
				}

				if retryCount > 0 {
					client.infolog.Info("push confirmed after retries",
						"delivery_tag", confirm.DeliveryTag,
						"retry_count", retryCount)
				} else {
					client.infolog.Debug("push confirmed", "delivery_tag", confirm.DeliveryTag)
				}
				return nil
			}
			// Negative acknowledgment - retry with backoff
			client.errlog.Warn("push not acknowledged, retrying",
				"delivery_tag", confirm.DeliveryTag,
				"backoff", backoff)

			if err := wait(); err != nil {
				return err
			}
		}
	}
}

// UnsafePush publishes with the queue name as routing key without waiting
// for confirmation. See UnsafePushWithKey.
func (client *Client) UnsafePush(ctx context.Context, data []byte) error {
	return client.UnsafePushWithKey(ctx, client.opts.QueueName, data)
}

// UnsafePushWithKey will publish to the configured exchange without checking
// for confirmation. It returns an error if it fails to connect.
// No guarantees are provided for whether the server will
// receive the message. The context is used for cancellation and timeout.
func (client *Client) UnsafePushWithKey(ctx context.Context, routingKey string, data []byte) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	return ch.PublishWithContext(
		ctx,
		client.opts.Exchange, // Exchange
		routingKey,           // Routing key
		false,                // Mandatory
		false,                // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: client.deliveryMode(),
			Timestamp:    time.Now(),
			Body:         data,
		},
	)
}

func (client *Client) deliveryMode() uint8 {
	if client.opts.Durable {
		return amqp.Persistent
	}
	return amqp.Transient
}

// Consume will continuously put queue items on the channel.
// It is required to call delivery.Ack when it has been
// successfully processed, or delivery.Nack when it fails.
// Ignoring this will cause data to build up on the server.
// The returned channel is closed when the underlying AMQP channel closes;
// callers re-run WaitReady and Consume to resume after a reconnect.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	if client.opts.QueueName == "" {
		return nil, errNoQueue
	}

	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	if err := ch.Qos(
		1,     // prefetchCount
		0,     // prefetchSize
		false, // global
	); err != nil {
		return nil, err
	}

	return ch.Consume(
		client.opts.QueueName,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
}

// Close will cleanly shut down the channel and connection.
// It stops reconnection attempts even when the client never connected.
func (client *Client) Close() error {
	client.m.Lock()
	// we read and write isReady in two locations, so we grab the lock and hold onto
	// it until we are finished
	defer client.m.Unlock()

	if client.closed {
		return errAlreadyClosed
	}
	client.closed = true
	close(client.done)

	if !client.isReady {
		return nil
	}
	client.isReady = false

	// Update connection status metric
	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(0)
	}

	if err := client.channel.Close(); err != nil {
		return err
	}
	return client.connection.Close()
}

package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"procodus.dev/radon-monitor/internal/backend"
	"procodus.dev/radon-monitor/pkg/metrics"
	"procodus.dev/radon-monitor/pkg/mq"
)

// Transports selectable with ServerConfig.Transport.
const (
	TransportAMQP = "amqp"
	TransportGRPC = "grpc"
)

// ServerConfig holds the configuration for the producer server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// Transport is TransportAMQP (default) or TransportGRPC
	Transport string
	// RabbitMQURL is the connection string for RabbitMQ
	RabbitMQURL string
	// Exchange is the topic exchange uplinks are published to
	Exchange string
	// ApplicationID is the network server application of the devices
	ApplicationID string
	// GRPCAddr is the address of the ingest service
	GRPCAddr string
	// APIKey is the collector API key used with TransportGRPC
	APIKey string
	// DevEUIs lists the simulated devices; random devices are used when empty
	DevEUIs []string
	// Interval is the time between data point generation
	Interval time.Duration
	// ProducerCount is the number of concurrent producers
	ProducerCount int
	// DuplicateRate is the probability of re-sending an uplink
	DuplicateRate float64
	// SpikeRate is the probability of a reading spike
	SpikeRate float64
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.GeneratorMetrics
	// MQMetrics is the optional Prometheus metrics collector for MQ operations
	MQMetrics *metrics.MQMetrics
}

// Server manages multiple producer instances.
type Server struct {
	logger    *slog.Logger
	config    *ServerConfig
	producers []*Producer
	closers   []io.Closer
	wg        sync.WaitGroup
}

var (
	errInvalidProducerCount = errors.New("producer count must be greater than 0")
	errInvalidInterval      = errors.New("interval must be greater than 0")
	errLoggerRequired       = errors.New("logger is required")
)

// NewServer creates a new producer server with the given configuration.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.ProducerCount <= 0 {
		return nil, errInvalidProducerCount
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	if cfg.ApplicationID == "" {
		return nil, errors.New("application ID cannot be empty")
	}

	if cfg.Transport == "" {
		cfg.Transport = TransportAMQP
	}

	s := &Server{
		config:    cfg,
		producers: make([]*Producer, 0, cfg.ProducerCount),
		logger:    cfg.Logger,
	}

	// Create producer instances with their own connections
	for i := 0; i < cfg.ProducerCount; i++ {
		publisher, closer, err := s.newPublisher(i)
		if err != nil {
			s.closeClients()
			return nil, err
		}
		s.closers = append(s.closers, closer)

		producer, err := NewProducer(publisher, cfg.ApplicationID, cfg.DevEUIs)
		if err != nil {
			s.closeClients()
			return nil, err
		}
		producer.SetDuplicateRate(cfg.DuplicateRate)
		producer.SetSpikeRate(cfg.SpikeRate)

		// Enable producer metrics if configured
		if cfg.Metrics != nil {
			producer.SetMetrics(cfg.Metrics)
		}

		s.producers = append(s.producers, producer)

		s.logger.Info("created producer instance",
			"producer_id", i,
			"transport", cfg.Transport,
			"device_count", len(producer.Devices()),
		)
	}

	return s, nil
}

// newPublisher connects producer id to the configured transport.
func (s *Server) newPublisher(id int) (Publisher, io.Closer, error) {
	cfg := s.config
	switch cfg.Transport {
	case TransportAMQP:
		if cfg.RabbitMQURL == "" {
			return nil, nil, errors.New("rabbitmq URL cannot be empty")
		}
		if cfg.Exchange == "" {
			return nil, nil, errors.New("exchange cannot be empty")
		}

		client := mq.NewWithOptions(cfg.RabbitMQURL, mq.Options{
			Exchange: cfg.Exchange,
			Durable:  true,
		}, cfg.Logger.With(
			slog.String("component", "mq-client"),
			slog.Int("producer_id", id),
		))

		// Enable MQ metrics if configured
		if cfg.MQMetrics != nil {
			client.SetMetrics(cfg.MQMetrics)
		}

		publisher, err := NewAMQPPublisher(client, cfg.ApplicationID)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return publisher, client, nil

	case TransportGRPC:
		if cfg.GRPCAddr == "" {
			return nil, nil, errors.New("gRPC address cannot be empty")
		}

		conn, err := grpc.NewClient(cfg.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gRPC client: %w", err)
		}

		publisher, err := NewGRPCPublisher(backend.NewIngestClient(conn), cfg.APIKey)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return publisher, conn, nil

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// Run starts all producers and blocks until shutdown signal is received.
func (s *Server) Run(ctx context.Context) error {
	// Create context that can be canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	// Start all producers
	for i, producer := range s.producers {
		s.wg.Add(1)
		go s.runProducer(ctx, i, producer)
	}

	s.logger.Info("producer server started",
		"producer_count", len(s.producers),
		"interval", s.config.Interval,
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	// Wait for all producers to finish
	s.logger.Info("waiting for producers to shut down...")
	s.wg.Wait()

	s.logger.Info("closing clients...")
	s.closeClients()

	s.logger.Info("producer server stopped")
	return nil
}

// runProducer runs a single producer instance, generating data points at configured intervals.
func (s *Server) runProducer(ctx context.Context, id int, producer *Producer) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	producerLogger := s.logger.With(slog.Int("producer_id", id))
	producerLogger.Info("producer started")

	for {
		select {
		case <-ctx.Done():
			producerLogger.Info("producer shutting down")
			return

		case <-ticker.C:
			if err := producer.RandomDataPoint(ctx); err != nil {
				producerLogger.Error("failed to publish uplink",
					"error", err,
				)
				// Continue on error - don't stop the producer
				continue
			}

			producerLogger.Debug("uplink published")
		}
	}
}

// closeClients closes all connections concurrently.
func (s *Server) closeClients() {
	var wg sync.WaitGroup

	for i, closer := range s.closers {
		wg.Add(1)
		go func(id int, c io.Closer) {
			defer wg.Done()

			if err := c.Close(); err != nil {
				s.logger.Error("failed to close client",
					"producer_id", id,
					"error", err,
				)
				return
			}

			s.logger.Info("client closed", "producer_id", id)
		}(i, closer)
	}

	wg.Wait()
	s.closers = nil
}

// Shutdown initiates a graceful shutdown of the server.
// This is an alternative to sending OS signals.
func (s *Server) Shutdown() error {
	s.logger.Info("shutdown requested")

	s.closeClients()

	return nil
}

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"

	"procodus.dev/radon-monitor/internal/account"
	"procodus.dev/radon-monitor/internal/api"
	"procodus.dev/radon-monitor/internal/auth"
	"procodus.dev/radon-monitor/internal/notify"
	"procodus.dev/radon-monitor/internal/sensor"
	"procodus.dev/radon-monitor/internal/sensor/memstore"
	"procodus.dev/radon-monitor/pkg/logger"
	"procodus.dev/radon-monitor/pkg/metrics"
	"procodus.dev/radon-monitor/pkg/mq"
)

// Store backends selectable with ServerConfig.StoreKind.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Server wires the ingestion pipeline to its transports (HTTP, AMQP and gRPC)
// and owns their lifecycle.
type Server struct {
	logger     *slog.Logger
	db         *gorm.DB
	mqClient   *mq.Client
	consumer   *Consumer
	grpcServer *grpc.Server
	apiServer  *api.Server
	grpcErr    <-chan error
	httpErr    <-chan error
	config     *ServerConfig
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Registerer receives all metrics (the global registry when nil).
	Registerer prometheus.Registerer

	// StoreKind is StorePostgres (default) or StoreMemory.
	StoreKind string

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// RabbitMQ configuration. An empty URL disables broker consumption.
	RabbitMQURL   string
	Exchange      string
	QueueName     string
	ApplicationID string

	// Collector and user authentication
	CollectorAPIKey string
	JWTSecret       string
	JWTTTL          time.Duration
	AllowedOrigins  []string

	Thresholds sensor.Thresholds

	// SMTP configuration. An empty host logs alerts instead of mailing them.
	SMTP notify.SMTPConfig

	// Ports
	GRPCPort int
	HTTPPort int

	// Database port
	DBPort int
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	switch cfg.StoreKind {
	case "":
		cfg.StoreKind = StorePostgres
	case StorePostgres, StoreMemory:
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.StoreKind)
	}

	if cfg.StoreKind == StorePostgres {
		if cfg.DBHost == "" {
			return nil, errors.New("database host cannot be empty")
		}

		if cfg.DBPort <= 0 {
			return nil, errors.New("database port must be positive")
		}

		if cfg.DBUser == "" {
			return nil, errors.New("database user cannot be empty")
		}

		if cfg.DBName == "" {
			return nil, errors.New("database name cannot be empty")
		}
	}

	if cfg.RabbitMQURL != "" {
		if cfg.QueueName == "" {
			return nil, errors.New("queue name cannot be empty")
		}

		if cfg.Exchange == "" {
			return nil, errors.New("exchange cannot be empty")
		}

		if cfg.ApplicationID == "" {
			return nil, errors.New("application ID cannot be empty")
		}
	}

	if cfg.CollectorAPIKey == "" {
		return nil, errors.New("collector API key cannot be empty")
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT secret cannot be empty")
	}

	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid alert thresholds: %w", err)
	}

	if cfg.GRPCPort <= 0 {
		return nil, errors.New("gRPC port must be positive")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// stores returns the reading store and the account store of the configured
// backend.
func (s *Server) stores() (sensor.Store, account.Store, error) {
	if s.config.StoreKind == StoreMemory {
		s.logger.Warn("using in-memory store, data is lost on shutdown")
		mem := memstore.New()
		return mem, mem, nil
	}

	db, err := NewDB(&DBConfig{
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
		Logger:   s.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	s.logger.Info("database initialized successfully")

	store, err := NewStore(db)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create store: %w", err)
	}

	return store, store, nil
}

func (s *Server) notifier() (notify.Notifier, error) {
	if s.config.SMTP.Host == "" {
		s.logger.Warn("no SMTP host configured, alerts are only logged")
		return notify.NewLogNotifier(s.logger), nil
	}
	smtpCfg := s.config.SMTP
	return notify.NewSMTPNotifier(&smtpCfg)
}

// Run starts the backend server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting backend server")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	if err := s.start(ctx); err != nil {
		if shutdownErr := s.Shutdown(); shutdownErr != nil {
			return fmt.Errorf("%w; %w", err, shutdownErr)
		}
		return err
	}

	s.logger.Info("backend server started successfully")

	// Wait for shutdown signal or server error
	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-s.grpcErr:
		if err != nil {
			s.logger.Error("gRPC server error", "error", err)
			runErr = err
		}
	case err := <-s.httpErr:
		if err != nil {
			s.logger.Error("HTTP server error", "error", err)
			runErr = err
		}
	}
	cancel()

	// Shutdown
	if err := s.Shutdown(); err != nil {
		if runErr != nil {
			return fmt.Errorf("%w; %w", runErr, err)
		}
		return err
	}
	return runErr
}

// start builds every component and starts the transports.
func (s *Server) start(ctx context.Context) error {
	reg := s.config.Registerer
	ingestMetrics := metrics.NewIngestMetrics(reg)

	readings, accounts, err := s.stores()
	if err != nil {
		return err
	}

	notifier, err := s.notifier()
	if err != nil {
		return fmt.Errorf("failed to initialize notifier: %w", err)
	}

	evaluator, err := sensor.NewEvaluator(&sensor.EvaluatorConfig{
		Logger:     s.logger,
		Store:      readings,
		Notifier:   notifier,
		Thresholds: s.config.Thresholds,
		Metrics:    ingestMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize alert evaluator: %w", err)
	}

	pipeline, err := sensor.NewPipeline(&sensor.PipelineConfig{
		Logger:    s.logger,
		Store:     readings,
		Evaluator: evaluator,
		Metrics:   ingestMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	aggregator, err := sensor.NewAggregator(readings)
	if err != nil {
		return fmt.Errorf("failed to initialize aggregator: %w", err)
	}

	accountService, err := account.NewService(&account.ServiceConfig{
		Logger:     s.logger,
		Store:      accounts,
		Aggregator: aggregator,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize account service: %w", err)
	}

	ttl := s.config.JWTTTL
	if ttl <= 0 {
		ttl = auth.DefaultTokenTTL
	}
	tokens, err := auth.NewTokenIssuer(s.config.JWTSecret, ttl)
	if err != nil {
		return fmt.Errorf("failed to initialize token issuer: %w", err)
	}

	if err := s.startConsumer(ctx, pipeline, ingestMetrics); err != nil {
		return err
	}

	if err := s.startGRPC(pipeline, ingestMetrics); err != nil {
		return err
	}

	apiServer, err := api.NewServer(&api.ServerConfig{
		Logger:          s.logger,
		Ingester:        pipeline,
		Accounts:        accountService,
		Tokens:          tokens,
		CollectorAPIKey: s.config.CollectorAPIKey,
		AllowedOrigins:  s.config.AllowedOrigins,
		Metrics:         metrics.NewAPIMetrics(reg),
		IngestMetrics:   ingestMetrics,
		HTTPPort:        s.config.HTTPPort,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP API: %w", err)
	}
	s.apiServer = apiServer
	s.httpErr = apiServer.Start()

	return nil
}

// startConsumer connects to RabbitMQ and subscribes to the uplink topic.
func (s *Server) startConsumer(ctx context.Context, ingester sensor.Ingester, m *metrics.IngestMetrics) error {
	if s.config.RabbitMQURL == "" {
		s.logger.Warn("no RabbitMQ URL configured, broker consumption disabled")
		return nil
	}

	bindingKey := UplinkBindingKey(s.config.ApplicationID)
	s.mqClient = mq.NewWithOptions(s.config.RabbitMQURL, mq.Options{
		QueueName:   s.config.QueueName,
		Exchange:    s.config.Exchange,
		BindingKeys: []string{bindingKey},
		Durable:     true,
	}, logger.Component(s.logger, "mq").With("queue", s.config.QueueName))
	s.mqClient.SetMetrics(metrics.NewMQMetrics(s.config.Registerer))

	consumer, err := NewConsumer(&ConsumerConfig{
		Logger:   s.logger,
		Client:   s.mqClient,
		Ingester: ingester,
		Metrics:  m,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}
	s.consumer = consumer

	s.logger.Info("subscribing to uplinks",
		"exchange", s.config.Exchange,
		"binding_key", bindingKey,
	)

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	return nil
}

// startGRPC serves the ingest service and the standard health service.
func (s *Server) startGRPC(ingester sensor.Ingester, m *metrics.IngestMetrics) error {
	ingestService, err := NewIngestService(s.logger, ingester, m)
	if err != nil {
		return fmt.Errorf("failed to initialize gRPC service: %w", err)
	}

	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(APIKeyInterceptor(s.config.CollectorAPIKey)))
	RegisterIngestServer(s.grpcServer, ingestService)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(IngestServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.grpcServer, healthServer)

	grpcAddr := fmt.Sprintf(":%d", s.config.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}

	s.logger.Info("starting gRPC server", "address", grpcAddr)

	grpcErr := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			grpcErr <- fmt.Errorf("gRPC server error: %w", err)
		}
		close(grpcErr)
	}()
	s.grpcErr = grpcErr

	return nil
}

// Shutdown gracefully shuts down the server in reverse start order.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down backend server")

	var errs []error

	// Stop HTTP server
	if s.apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.apiServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to stop HTTP server", "error", err)
			errs = append(errs, err)
		}
		cancel()
	}

	// Stop gRPC server
	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		s.grpcServer.GracefulStop()
		s.logger.Info("gRPC server stopped")
	}

	// Stop consumer
	if s.consumer != nil {
		s.logger.Info("stopping consumer")
		if err := s.consumer.Stop(); err != nil {
			s.logger.Error("failed to stop consumer", "error", err)
			errs = append(errs, fmt.Errorf("consumer shutdown error: %w", err))
		}
	}

	// Close broker connection
	if s.mqClient != nil {
		if err := s.mqClient.Close(); err != nil {
			s.logger.Error("failed to close RabbitMQ client", "error", err)
			errs = append(errs, fmt.Errorf("rabbitmq close error: %w", err))
		}
	}

	// Close database
	if s.db != nil {
		if err := CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("backend server shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("backend server shutdown completed successfully")
	return nil
}

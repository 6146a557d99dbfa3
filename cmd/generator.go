package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/radon-monitor/internal/producer"
	"procodus.dev/radon-monitor/pkg/metrics"
)

var generatorCmd = &cobra.Command{
	Use:   "generator",
	Short: "Run the uplink generator",
	Long: `Run the uplink generator that:
- Simulates radon sensors with a random walk and occasional spikes
- Publishes uplinks to the RabbitMQ topic exchange or the gRPC ingest service
- Re-sends a share of uplinks to exercise deduplication
- Supports multiple concurrent producers`,
	RunE: runGenerator,
}

func init() {
	rootCmd.AddCommand(generatorCmd)

	// Generator-specific flags
	generatorCmd.Flags().String("transport", producer.TransportAMQP, "Uplink transport (amqp, grpc)")
	generatorCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	generatorCmd.Flags().String("exchange", "amq.topic", "Topic exchange uplinks are published to")
	generatorCmd.Flags().String("application-id", "radon", "Network server application ID")
	generatorCmd.Flags().String("grpc-addr", "localhost:9090", "Ingest service address for the grpc transport")
	generatorCmd.Flags().String("api-key", "", "Collector API key for the grpc transport")
	generatorCmd.Flags().StringSlice("devices", nil, "Device EUIs to simulate (random when empty)")
	generatorCmd.Flags().Int("producer-count", 1, "Number of concurrent producers")
	generatorCmd.Flags().Duration("interval", 5*time.Second, "Interval between uplinks")
	generatorCmd.Flags().Float64("duplicate-rate", 0.05, "Probability of re-sending an uplink")
	generatorCmd.Flags().Float64("spike-rate", 0.03, "Probability of a reading spike")
	generatorCmd.Flags().Int("metrics-port", 0, "Port serving /metrics (disabled when 0)")

	// Bind flags to viper
	_ = viper.BindPFlag("generator.transport", generatorCmd.Flags().Lookup("transport"))
	_ = viper.BindPFlag("generator.rabbitmq.url", generatorCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("generator.rabbitmq.exchange", generatorCmd.Flags().Lookup("exchange"))
	_ = viper.BindPFlag("generator.application_id", generatorCmd.Flags().Lookup("application-id"))
	_ = viper.BindPFlag("generator.grpc.addr", generatorCmd.Flags().Lookup("grpc-addr"))
	_ = viper.BindPFlag("generator.grpc.api_key", generatorCmd.Flags().Lookup("api-key"))
	_ = viper.BindPFlag("generator.devices", generatorCmd.Flags().Lookup("devices"))
	_ = viper.BindPFlag("generator.producer_count", generatorCmd.Flags().Lookup("producer-count"))
	_ = viper.BindPFlag("generator.interval", generatorCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("generator.duplicate_rate", generatorCmd.Flags().Lookup("duplicate-rate"))
	_ = viper.BindPFlag("generator.spike_rate", generatorCmd.Flags().Lookup("spike-rate"))
	_ = viper.BindPFlag("generator.metrics.port", generatorCmd.Flags().Lookup("metrics-port"))
}

func runGenerator(_ *cobra.Command, _ []string) error {
	logger := GetLogger("generator")
	logger.Info("starting generator service")

	// Create producer configuration from viper
	config := &producer.ServerConfig{
		Logger:        logger,
		Transport:     viper.GetString("generator.transport"),
		RabbitMQURL:   viper.GetString("generator.rabbitmq.url"),
		Exchange:      viper.GetString("generator.rabbitmq.exchange"),
		ApplicationID: viper.GetString("generator.application_id"),
		GRPCAddr:      viper.GetString("generator.grpc.addr"),
		APIKey:        viper.GetString("generator.grpc.api_key"),
		DevEUIs:       viper.GetStringSlice("generator.devices"),
		ProducerCount: viper.GetInt("generator.producer_count"),
		Interval:      viper.GetDuration("generator.interval"),
		DuplicateRate: viper.GetFloat64("generator.duplicate_rate"),
		SpikeRate:     viper.GetFloat64("generator.spike_rate"),
	}

	metricsPort := viper.GetInt("generator.metrics.port")
	if metricsPort > 0 {
		config.Metrics = metrics.NewGeneratorMetrics(nil)
		config.MQMetrics = metrics.NewMQMetrics(nil)
	}

	// Create and run server
	server, err := producer.NewServer(config)
	if err != nil {
		logger.Error("failed to create generator server", "error", err)
		return err
	}

	logger.Info("generator server configuration",
		"transport", config.Transport,
		"rabbitmq_url", config.RabbitMQURL,
		"exchange", config.Exchange,
		"application_id", config.ApplicationID,
		"grpc_addr", config.GRPCAddr,
		"device_count", len(config.DevEUIs),
		"producer_count", config.ProducerCount,
		"interval", config.Interval,
	)

	if metricsPort > 0 {
		metricsServer := serveMetrics(logger, metricsPort)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(ctx)
		}()
	}

	if err := server.Run(context.Background()); err != nil {
		logger.Error("generator server error", "error", err)
		return err
	}

	logger.Info("generator server stopped")
	return nil
}

// serveMetrics exposes the Prometheus registry on port in the background.
func serveMetrics(logger *slog.Logger, port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	return srv
}

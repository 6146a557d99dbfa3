package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/radon-monitor/internal/backend"
	"procodus.dev/radon-monitor/internal/notify"
	"procodus.dev/radon-monitor/internal/sensor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitoring service",
	Long: `Run the monitoring service that:
- Consumes sensor uplinks from the RabbitMQ topic exchange
- Accepts collector uploads over HTTP and gRPC
- Persists readings to PostgreSQL, dropping duplicates
- Emails device owners when a reading crosses a threshold
- Serves the user, device and dashboard HTTP API`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	defaults := sensor.DefaultThresholds()

	// Serve-specific flags
	serveCmd.Flags().String("store", backend.StorePostgres, "Storage backend (postgres, memory)")
	serveCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	serveCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	serveCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	serveCmd.Flags().String("db-password", "", "PostgreSQL password")
	serveCmd.Flags().String("db-name", "radon", "PostgreSQL database name")
	serveCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	serveCmd.Flags().String("rabbitmq-url", "", "RabbitMQ URL (broker consumption disabled when empty)")
	serveCmd.Flags().String("exchange", "amq.topic", "Topic exchange the network server publishes to")
	serveCmd.Flags().String("queue-name", "radon-uplinks", "RabbitMQ queue name for sensor uplinks")
	serveCmd.Flags().String("application-id", "radon", "Network server application ID")
	serveCmd.Flags().Int("http-port", 8000, "HTTP server port")
	serveCmd.Flags().Int("grpc-port", 9090, "gRPC server port")
	serveCmd.Flags().String("collector-api-key", "", "API key required from collectors")
	serveCmd.Flags().String("jwt-secret", "", "Secret used to sign access tokens")
	serveCmd.Flags().Duration("jwt-ttl", 24*time.Hour, "Access token lifetime")
	serveCmd.Flags().StringSlice("allowed-origins", nil, "CORS allowed origins")
	serveCmd.Flags().Float64("warning-threshold", defaults.Warning, "Reading that raises a warning")
	serveCmd.Flags().Float64("alert-threshold", defaults.Alert, "Reading that raises an alert")
	serveCmd.Flags().String("smtp-host", "", "SMTP host (alerts are logged when empty)")
	serveCmd.Flags().Int("smtp-port", 587, "SMTP port")
	serveCmd.Flags().String("smtp-username", "", "SMTP username")
	serveCmd.Flags().String("smtp-password", "", "SMTP password")
	serveCmd.Flags().String("smtp-from", "alerts@radon-monitor.local", "Sender address of alert emails")
	serveCmd.Flags().Duration("smtp-timeout", notify.DefaultTimeout, "Deadline of a single SMTP session")

	// Bind flags to viper
	for key, flag := range map[string]string{
		"serve.store":                    "store",
		"serve.db.host":                  "db-host",
		"serve.db.port":                  "db-port",
		"serve.db.user":                  "db-user",
		"serve.db.password":              "db-password",
		"serve.db.name":                  "db-name",
		"serve.db.sslmode":               "db-sslmode",
		"serve.rabbitmq.url":             "rabbitmq-url",
		"serve.rabbitmq.exchange":        "exchange",
		"serve.rabbitmq.queue_name":      "queue-name",
		"serve.rabbitmq.application_id":  "application-id",
		"serve.http.port":                "http-port",
		"serve.grpc.port":                "grpc-port",
		"serve.collector_api_key":        "collector-api-key",
		"serve.jwt.secret":               "jwt-secret",
		"serve.jwt.ttl":                  "jwt-ttl",
		"serve.http.allowed_origins":     "allowed-origins",
		"serve.alerts.warning_threshold": "warning-threshold",
		"serve.alerts.alert_threshold":   "alert-threshold",
		"serve.smtp.host":                "smtp-host",
		"serve.smtp.port":                "smtp-port",
		"serve.smtp.username":            "smtp-username",
		"serve.smtp.password":            "smtp-password",
		"serve.smtp.from":                "smtp-from",
		"serve.smtp.timeout":             "smtp-timeout",
	} {
		_ = viper.BindPFlag(key, serveCmd.Flags().Lookup(flag))
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := GetLogger("serve")
	logger.Info("starting monitoring service")

	// Create server configuration from viper
	config := &backend.ServerConfig{
		Logger:          logger,
		StoreKind:       viper.GetString("serve.store"),
		DBHost:          viper.GetString("serve.db.host"),
		DBPort:          viper.GetInt("serve.db.port"),
		DBUser:          viper.GetString("serve.db.user"),
		DBPassword:      viper.GetString("serve.db.password"),
		DBName:          viper.GetString("serve.db.name"),
		DBSSLMode:       viper.GetString("serve.db.sslmode"),
		RabbitMQURL:     viper.GetString("serve.rabbitmq.url"),
		Exchange:        viper.GetString("serve.rabbitmq.exchange"),
		QueueName:       viper.GetString("serve.rabbitmq.queue_name"),
		ApplicationID:   viper.GetString("serve.rabbitmq.application_id"),
		CollectorAPIKey: viper.GetString("serve.collector_api_key"),
		JWTSecret:       viper.GetString("serve.jwt.secret"),
		JWTTTL:          viper.GetDuration("serve.jwt.ttl"),
		AllowedOrigins:  viper.GetStringSlice("serve.http.allowed_origins"),
		Thresholds: sensor.Thresholds{
			Warning: viper.GetFloat64("serve.alerts.warning_threshold"),
			Alert:   viper.GetFloat64("serve.alerts.alert_threshold"),
		},
		SMTP: notify.SMTPConfig{
			Host:     viper.GetString("serve.smtp.host"),
			Port:     viper.GetInt("serve.smtp.port"),
			Username: viper.GetString("serve.smtp.username"),
			Password: viper.GetString("serve.smtp.password"),
			From:     viper.GetString("serve.smtp.from"),
			Timeout:  viper.GetDuration("serve.smtp.timeout"),
		},
		HTTPPort: viper.GetInt("serve.http.port"),
		GRPCPort: viper.GetInt("serve.grpc.port"),
	}

	// Create and run server
	server, err := backend.NewServer(config)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return err
	}

	logger.Info("server configuration",
		"store", config.StoreKind,
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"rabbitmq_url", config.RabbitMQURL,
		"exchange", config.Exchange,
		"queue", config.QueueName,
		"application_id", config.ApplicationID,
		"http_port", config.HTTPPort,
		"grpc_port", config.GRPCPort,
		"warning_threshold", config.Thresholds.Warning,
		"alert_threshold", config.Thresholds.Alert,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"procodus.dev/radon-monitor/pkg/logger"
)

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml) and environment variables.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in current directory and /etc/radon-monitor/
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/radon-monitor/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// Environment variables, e.g. RADON_MONITOR_SERVE_DB_HOST
	viper.SetEnvPrefix("RADON_MONITOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			// Config file not found; rely on env vars and defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates a slog.Logger for service based on configuration.
func GetLogger(service string) *slog.Logger {
	format, err := logger.ParseFormat(viper.GetString("log.format"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v, falling back to json\n", err)
		format = logger.FormatJSON
	}

	return logger.New(&logger.Config{
		Output:    os.Stdout,
		Format:    format,
		Service:   service,
		Level:     logger.ParseLevel(viper.GetString("log.level")),
		AddSource: viper.GetBool("log.add_source"),
	})
}

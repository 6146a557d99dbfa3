package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connection pool defaults applied when DBConfig leaves them zero.
const (
	defaultMaxOpenConns = 25
	defaultMaxIdleConns = 5
	connMaxLifetime     = time.Hour

	// PostgreSQL usually starts next to the service; give it time to accept
	// connections before failing.
	connectAttempts   = 5
	connectRetryDelay = 2 * time.Second
	pingTimeout       = 5 * time.Second
)

// DBConfig holds the database configuration.
type DBConfig struct {
	Logger       *slog.Logger
	Host         string
	User         string
	Password     string
	DBName       string
	SSLMode      string
	Port         int
	MaxOpenConns int
	MaxIdleConns int
}

// DSN returns the libpq connection string.
func (c *DBConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
}

// NewDB connects to PostgreSQL, retrying while the server is starting, and
// migrates the schema.
func NewDB(cfg *DBConfig) (*gorm.DB, error) {
	if cfg == nil {
		return nil, errors.New("database config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	log := cfg.Logger.With("host", cfg.Host, "port", cfg.Port, "dbname", cfg.DBName)

	var (
		db  *gorm.DB
		err error
	)
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		db, err = open(cfg)
		if err == nil {
			break
		}
		log.Warn("database not reachable", "attempt", attempt, "error", err)
		if attempt < connectAttempts {
			time.Sleep(connectRetryDelay)
		}
	}
	if err != nil {
		return nil, err
	}

	log.Info("database connection established")

	if err := runMigrations(db, cfg.Logger); err != nil {
		_ = CloseDB(db, cfg.Logger)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// open opens a pooled connection and pings it once.
func open(cfg *DBConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		// Queries are logged through slog by the callers.
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		// Report unique violations as gorm.ErrDuplicatedKey.
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	maxOpen, maxIdle := cfg.MaxOpenConns, cfg.MaxIdleConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(min(maxIdle, maxOpen))
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// runMigrations creates or updates the schema of all models. Deduplication
// relies on the unique index of sensor_readings.deduplication_id, so its
// presence is checked after migrating.
func runMigrations(db *gorm.DB, logger *slog.Logger) error {
	logger.Info("running database migrations")

	if err := db.AutoMigrate(
		&User{},
		&UserProfile{},
		&Device{},
		&SensorReading{},
	); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	if !db.Migrator().HasIndex(&SensorReading{}, "DeduplicationID") {
		return errors.New("unique index on sensor_readings.deduplication_id is missing")
	}

	logger.Info("database migrations completed")
	return nil
}

// CloseDB closes the database connection.
func CloseDB(db *gorm.DB, logger *slog.Logger) error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	logger.Info("database connection closed")
	return nil
}

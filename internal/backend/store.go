package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"procodus.dev/radon-monitor/internal/account"
	"procodus.dev/radon-monitor/internal/sensor"
)

// Store implements sensor.Store and account.Store on PostgreSQL.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store instance.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	return &Store{db: db}, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sensor.ErrNotFound
	}
	return err
}

// FindDeviceBySerial implements sensor.Store.
func (s *Store) FindDeviceBySerial(ctx context.Context, serial string) (*sensor.Device, error) {
	var d Device
	if err := s.db.WithContext(ctx).Where("serial_number = ?", serial).First(&d).Error; err != nil {
		return nil, notFound(err)
	}
	return d.toSensor(), nil
}

// InsertReadingIfAbsent implements sensor.Store with INSERT ... ON CONFLICT
// DO NOTHING on the deduplication ID. Concurrent inserts of one key block on
// the unique index until the first commits; the others affect no rows.
func (s *Store) InsertReadingIfAbsent(ctx context.Context, r sensor.Reading) (*sensor.Reading, bool, error) {
	row := SensorReading{
		DeviceID:        r.DeviceID,
		Value:           r.Value,
		RSSI:            r.RSSI,
		Timestamp:       r.Timestamp.UTC(),
		DeduplicationID: r.DeduplicationID,
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "deduplication_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to insert reading: %w", res.Error)
	}

	if res.RowsAffected == 1 {
		return row.toSensor(), true, nil
	}

	var existing SensorReading
	if err := s.db.WithContext(ctx).
		Where("deduplication_id = ?", r.DeduplicationID).
		First(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("failed to load existing reading: %w", err)
	}
	return existing.toSensor(), false, nil
}

// ReadingsForDevice implements sensor.Store.
func (s *Store) ReadingsForDevice(ctx context.Context, deviceID uint, since *time.Time, order sensor.Order) ([]sensor.Reading, error) {
	q := s.db.WithContext(ctx).Where("device_id = ?", deviceID)
	if since != nil {
		q = q.Where("timestamp >= ?", since.UTC())
	}
	if order == sensor.OrderAsc {
		q = q.Order("timestamp ASC, id ASC")
	} else {
		q = q.Order("timestamp DESC, id DESC")
	}

	var rows []SensorReading
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}

	out := make([]sensor.Reading, len(rows))
	for i := range rows {
		out[i] = *rows[i].toSensor()
	}
	return out, nil
}

// LatestReading implements sensor.Store.
func (s *Store) LatestReading(ctx context.Context, deviceID uint) (*sensor.Reading, error) {
	var row SensorReading
	if err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("timestamp DESC, id DESC").
		First(&row).Error; err != nil {
		return nil, notFound(err)
	}
	return row.toSensor(), nil
}

type recipientRow struct {
	Email         string
	UserID        uint
	EmailVerified bool
	AlertsEnabled bool
}

const recipientColumns = "users.id AS user_id, users.email, users.email_verified, " +
	"COALESCE(user_profiles.alert_email_enabled, FALSE) AS alerts_enabled"

// AlertRecipients implements sensor.Store. Users without a profile count as
// having alerts disabled.
func (s *Store) AlertRecipients(ctx context.Context, deviceID uint) ([]sensor.Recipient, error) {
	var rows []recipientRow
	err := s.db.WithContext(ctx).
		Table("users").
		Select(recipientColumns).
		Joins("JOIN device_users ON device_users.user_id = users.id").
		Joins("LEFT JOIN user_profiles ON user_profiles.user_id = users.id").
		Where("device_users.device_id = ?", deviceID).
		Order("users.id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query alert recipients: %w", err)
	}

	out := make([]sensor.Recipient, len(rows))
	for i, r := range rows {
		out[i] = sensor.Recipient{
			UserID:        r.UserID,
			Email:         r.Email,
			EmailVerified: r.EmailVerified,
			AlertsEnabled: r.AlertsEnabled,
		}
	}
	return out, nil
}

var (
	_ sensor.Store  = (*Store)(nil)
	_ account.Store = (*Store)(nil)
)

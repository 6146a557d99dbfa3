package sensor

import (
	"context"
	"time"
)

// Device is a registered sensor device.
type Device struct {
	CreatedAt    time.Time
	UpdatedAt    time.Time
	SerialNumber string
	ID           uint
}

// Reading is a persisted sensor reading. Readings are immutable.
type Reading struct {
	Timestamp       time.Time
	DeduplicationID string
	Value           int64
	RSSI            float64
	DeviceID        uint
	ID              uint
}

// Recipient is a user associated with a device, as seen by the alert evaluator.
type Recipient struct {
	Email         string
	UserID        uint
	AlertsEnabled bool
	EmailVerified bool
}

// Eligible reports whether the recipient should receive threshold alerts.
func (r Recipient) Eligible() bool {
	return r.AlertsEnabled && r.EmailVerified && r.Email != ""
}

// Order selects the timestamp ordering of ReadingsForDevice.
type Order int

const (
	// OrderDesc returns the newest reading first.
	OrderDesc Order = iota
	// OrderAsc returns the oldest reading first.
	OrderAsc
)

// Store is the persistence boundary of the sensor core.
type Store interface {
	// FindDeviceBySerial returns ErrNotFound for unknown serials.
	FindDeviceBySerial(ctx context.Context, serial string) (*Device, error)

	// InsertReadingIfAbsent stores r unless a reading with the same
	// deduplication ID exists. It must be atomic on the deduplication ID:
	// concurrent callers with the same key see exactly one created=true and
	// never a uniqueness error.
	InsertReadingIfAbsent(ctx context.Context, r Reading) (stored *Reading, created bool, err error)

	// ReadingsForDevice returns readings with Timestamp >= *since (all when
	// since is nil) in the given order.
	ReadingsForDevice(ctx context.Context, deviceID uint, since *time.Time, order Order) ([]Reading, error)

	// LatestReading returns ErrNotFound when the device has no readings.
	LatestReading(ctx context.Context, deviceID uint) (*Reading, error)

	// AlertRecipients returns every user associated with the device.
	AlertRecipients(ctx context.Context, deviceID uint) ([]Recipient, error)
}

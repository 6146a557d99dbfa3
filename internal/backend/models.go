// Package backend provides the radon-monitor server: PostgreSQL persistence,
// the RabbitMQ uplink consumer, the gRPC ingest service and the process
// lifecycle tying them to the HTTP API.
package backend

import (
	"time"

	"procodus.dev/radon-monitor/internal/account"
	"procodus.dev/radon-monitor/internal/sensor"
)

// User is a registered account.
type User struct {
	CreatedAt     time.Time    `gorm:"autoCreateTime"`
	UpdatedAt     time.Time    `gorm:"autoUpdateTime"`
	Profile       *UserProfile `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	Email         string       `gorm:"uniqueIndex;size:254;not null"`
	PasswordHash  string       `gorm:"not null"`
	Devices       []Device     `gorm:"many2many:device_users"`
	ID            uint         `gorm:"primaryKey"`
	EmailVerified bool         `gorm:"not null"`
}

// TableName specifies the table name for User model.
func (User) TableName() string {
	return "users"
}

// UserProfile holds contact details and the alert preference of a user.
type UserProfile struct {
	CreatedAt         time.Time `gorm:"autoCreateTime"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime"`
	Address           string    `gorm:"size:255;not null"`
	Phone             string    `gorm:"size:20;not null"`
	UserID            uint      `gorm:"uniqueIndex;not null"`
	ID                uint      `gorm:"primaryKey"`
	AlertEmailEnabled bool      `gorm:"not null"`
}

// TableName specifies the table name for UserProfile model.
func (UserProfile) TableName() string {
	return "user_profiles"
}

// Device is a sensor device, shared by any number of users.
type Device struct {
	CreatedAt    time.Time       `gorm:"autoCreateTime"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime"`
	SerialNumber string          `gorm:"uniqueIndex;size:100;not null"`
	Users        []User          `gorm:"many2many:device_users"`
	Readings     []SensorReading `gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE"`
	ID           uint            `gorm:"primaryKey"`
}

// TableName specifies the table name for Device model.
func (Device) TableName() string {
	return "devices"
}

// SensorReading is one stored uplink. DeduplicationID is unique across all
// devices.
type SensorReading struct {
	Timestamp       time.Time `gorm:"index:idx_device_timestamp,priority:2;not null"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	DeduplicationID string    `gorm:"uniqueIndex;size:255;not null"`
	Value           int64     `gorm:"not null"`
	RSSI            float64   `gorm:"column:rssi;not null"`
	DeviceID        uint      `gorm:"index:idx_device_timestamp,priority:1;not null"`
	ID              uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for SensorReading model.
func (SensorReading) TableName() string {
	return "sensor_readings"
}

func (d *Device) toSensor() *sensor.Device {
	return &sensor.Device{
		ID:           d.ID,
		SerialNumber: d.SerialNumber,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func (r *SensorReading) toSensor() *sensor.Reading {
	return &sensor.Reading{
		ID:              r.ID,
		DeviceID:        r.DeviceID,
		Value:           r.Value,
		RSSI:            r.RSSI,
		Timestamp:       r.Timestamp.UTC(),
		DeduplicationID: r.DeduplicationID,
	}
}

func (u *User) toAccount() *account.User {
	return &account.User{
		ID:            u.ID,
		Email:         u.Email,
		PasswordHash:  u.PasswordHash,
		EmailVerified: u.EmailVerified,
		CreatedAt:     u.CreatedAt,
	}
}

func (p *UserProfile) toAccount() *account.Profile {
	return &account.Profile{
		UserID:            p.UserID,
		Address:           p.Address,
		Phone:             p.Phone,
		AlertEmailEnabled: p.AlertEmailEnabled,
	}
}

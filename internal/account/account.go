// Package account implements user registration, profiles and the
// association between users and sensor devices.
package account

import (
	"context"
	"errors"
	"time"

	"procodus.dev/radon-monitor/internal/sensor"
)

var (
	// ErrNotFound is returned for missing users and for devices the caller
	// is not associated with.
	ErrNotFound = sensor.ErrNotFound
	// ErrEmailTaken is returned when registering an existing email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrDeviceAlreadyAdded is returned when a user adds a device they
	// already own.
	ErrDeviceAlreadyAdded = errors.New("device already added")
	// ErrWrongPassword is returned by ChangePassword for a wrong old password.
	ErrWrongPassword = errors.New("wrong password")
)

// InputError reports an invalid request field.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	return e.Field + ": " + e.Message
}

// User is a registered account.
type User struct {
	CreatedAt     time.Time
	Email         string
	PasswordHash  string
	ID            uint
	EmailVerified bool
}

// Profile holds the contact details and alert preference of a user.
type Profile struct {
	Address           string
	Phone             string
	UserID            uint
	AlertEmailEnabled bool
}

// DefaultProfile is the profile created with every new user.
func DefaultProfile() Profile {
	return Profile{AlertEmailEnabled: true}
}

// ProfileUpdate is a partial profile change. Nil fields are left untouched.
type ProfileUpdate struct {
	Address           *string
	Phone             *string
	AlertEmailEnabled *bool
}

// OwnedDevice is a device together with the IDs of its associated users.
type OwnedDevice struct {
	UserIDs []uint
	sensor.Device
}

// Store persists accounts and device associations.
type Store interface {
	// CreateUser stores the user and its profile atomically. It returns
	// ErrEmailTaken when the email exists.
	CreateUser(ctx context.Context, u User, p Profile) (*User, error)
	UserByEmail(ctx context.Context, email string) (*User, error)
	UserByID(ctx context.Context, id uint) (*User, error)
	SetPasswordHash(ctx context.Context, userID uint, hash string) error

	Profile(ctx context.Context, userID uint) (*Profile, error)
	UpdateProfile(ctx context.Context, userID uint, update ProfileUpdate) (*Profile, error)

	// DevicesForUser lists the devices associated with the user by ID.
	DevicesForUser(ctx context.Context, userID uint) ([]OwnedDevice, error)
	// DeviceForUser returns ErrNotFound unless the user is associated.
	DeviceForUser(ctx context.Context, userID, deviceID uint) (*OwnedDevice, error)
	// DeviceBySerialForUser returns ErrNotFound unless the user is associated.
	DeviceBySerialForUser(ctx context.Context, userID uint, serial string) (*OwnedDevice, error)
	// AddDevice associates the user with the device, creating it when the
	// serial is new. It returns ErrDeviceAlreadyAdded when the user is
	// already associated.
	AddDevice(ctx context.Context, userID uint, serial string) (*OwnedDevice, error)
}

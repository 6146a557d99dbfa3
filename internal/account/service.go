package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"procodus.dev/radon-monitor/internal/auth"
	"procodus.dev/radon-monitor/internal/sensor"
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

// Longest accepted values of the account text fields, in characters.
const (
	MaxEmailLength   = 254
	MaxAddressLength = 255
	MaxPhoneLength   = 20
)

// Service implements the account use cases of the user-facing API.
type Service struct {
	logger     *slog.Logger
	store      Store
	aggregator *sensor.Aggregator
	now        func() time.Time
}

// ServiceConfig holds the configuration for the Service.
type ServiceConfig struct {
	Logger     *slog.Logger
	Store      Store
	Aggregator *sensor.Aggregator
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewService creates a new Service instance.
func NewService(cfg *ServiceConfig) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("service config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Aggregator == nil {
		return nil, errors.New("aggregator cannot be nil")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		logger:     cfg.Logger.With("component", "account"),
		store:      cfg.Store,
		aggregator: cfg.Aggregator,
		now:        now,
	}, nil
}

// Register creates a user and its default profile.
func (s *Service) Register(ctx context.Context, email, password string) (*User, error) {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, &InputError{Field: "email", Message: "Enter a valid email address."}
	}
	if err := CheckField("email", email, MaxEmailLength); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	user, err := s.store.CreateUser(ctx, User{
		Email:         email,
		PasswordHash:  hash,
		EmailVerified: true,
	}, DefaultProfile())
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("user registered", "user_id", user.ID)
	return user, nil
}

// Authenticate returns the user identified by email and password.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.store.UserByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		return nil, auth.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if err := auth.CheckPassword(user.PasswordHash, password); err != nil {
		return nil, err
	}
	return user, nil
}

// ProfileView is a profile together with the account email.
type ProfileView struct {
	Email string
	Profile
}

// Profile returns the profile of userID.
func (s *Service) Profile(ctx context.Context, userID uint) (*ProfileView, error) {
	user, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	profile, err := s.store.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &ProfileView{Email: user.Email, Profile: *profile}, nil
}

// UpdateProfile applies update to the profile of userID.
func (s *Service) UpdateProfile(ctx context.Context, userID uint, update ProfileUpdate) (*ProfileView, error) {
	user, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	profile, err := s.store.UpdateProfile(ctx, userID, update)
	if err != nil {
		return nil, err
	}
	return &ProfileView{Email: user.Email, Profile: *profile}, nil
}

// ChangePassword replaces the password of userID. The new password is
// validated before the old one is checked.
func (s *Service) ChangePassword(ctx context.Context, userID uint, oldPassword, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		err.Field = "new_password"
		return err
	}
	user, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := auth.CheckPassword(user.PasswordHash, oldPassword); err != nil {
		return ErrWrongPassword
	}

	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.SetPasswordHash(ctx, userID, hash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	s.logger.Info("password changed", "user_id", userID)
	return nil
}

// Devices lists the devices of userID.
func (s *Service) Devices(ctx context.Context, userID uint) ([]OwnedDevice, error) {
	return s.store.DevicesForUser(ctx, userID)
}

// Device returns a device of userID by its ID.
func (s *Service) Device(ctx context.Context, userID, deviceID uint) (*OwnedDevice, error) {
	return s.store.DeviceForUser(ctx, userID, deviceID)
}

// AddDevice associates userID with the device identified by serial.
func (s *Service) AddDevice(ctx context.Context, userID uint, serial string) (*OwnedDevice, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return nil, &InputError{Field: "serial_number", Message: "This field is required."}
	}
	if err := CheckField("serial_number", serial, sensor.MaxSerialLength); err != nil {
		return nil, err
	}

	device, err := s.store.AddDevice(ctx, userID, serial)
	if err != nil {
		return nil, err
	}

	s.logger.Info("device added", "user_id", userID, "device_serial", serial)
	return device, nil
}

// Dashboard returns the dashboard of a device associated with userID.
func (s *Service) Dashboard(ctx context.Context, userID uint, serial string) (*sensor.Dashboard, error) {
	device, err := s.store.DeviceBySerialForUser(ctx, userID, serial)
	if err != nil {
		return nil, err
	}
	return s.aggregator.Dashboard(ctx, &device.Device, s.now())
}

// CheckField maps a text column violation of value onto an InputError for
// field. It returns nil when value fits a column of maxLen characters.
func CheckField(field, value string, maxLen int) *InputError {
	err := sensor.CheckText(value, maxLen)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sensor.ErrTextTooLong):
		return &InputError{Field: field, Message: fmt.Sprintf("Ensure this field has no more than %d characters.", maxLen)}
	case errors.Is(err, sensor.ErrTextNUL):
		return &InputError{Field: field, Message: "Null characters are not allowed."}
	default:
		return &InputError{Field: field, Message: "Enter valid UTF-8 text."}
	}
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidatePassword enforces the password policy.
func ValidatePassword(password string) *InputError {
	if len(password) < MinPasswordLength {
		return &InputError{
			Field:   "password",
			Message: fmt.Sprintf("This password is too short. It must contain at least %d characters.", MinPasswordLength),
		}
	}
	if strings.IndexFunc(password, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 {
		return &InputError{Field: "password", Message: "This password is entirely numeric."}
	}
	return nil
}

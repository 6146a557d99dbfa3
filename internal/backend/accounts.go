package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"procodus.dev/radon-monitor/internal/account"
)

// CreateUser implements account.Store. The user and its profile are created
// in one transaction.
func (s *Store) CreateUser(ctx context.Context, u account.User, p account.Profile) (*account.User, error) {
	row := User{
		Email:         u.Email,
		PasswordHash:  u.PasswordHash,
		EmailVerified: u.EmailVerified,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return account.ErrEmailTaken
			}
			return err
		}

		profile := UserProfile{
			UserID:            row.ID,
			Address:           p.Address,
			Phone:             p.Phone,
			AlertEmailEnabled: p.AlertEmailEnabled,
		}
		return tx.Create(&profile).Error
	})
	if err != nil {
		return nil, err
	}

	return row.toAccount(), nil
}

// UserByEmail implements account.Store.
func (s *Store) UserByEmail(ctx context.Context, email string) (*account.User, error) {
	var u User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return u.toAccount(), nil
}

// UserByID implements account.Store.
func (s *Store) UserByID(ctx context.Context, id uint) (*account.User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, notFound(err)
	}
	return u.toAccount(), nil
}

// SetPasswordHash implements account.Store.
func (s *Store) SetPasswordHash(ctx context.Context, userID uint, hash string) error {
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Update("password_hash", hash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return account.ErrNotFound
	}
	return nil
}

// Profile implements account.Store.
func (s *Store) Profile(ctx context.Context, userID uint) (*account.Profile, error) {
	var p UserProfile
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return p.toAccount(), nil
}

// UpdateProfile implements account.Store.
func (s *Store) UpdateProfile(ctx context.Context, userID uint, update account.ProfileUpdate) (*account.Profile, error) {
	// A map is used so that false and empty values are written.
	changes := map[string]interface{}{}
	if update.Address != nil {
		changes["address"] = *update.Address
	}
	if update.Phone != nil {
		changes["phone"] = *update.Phone
	}
	if update.AlertEmailEnabled != nil {
		changes["alert_email_enabled"] = *update.AlertEmailEnabled
	}

	if len(changes) > 0 {
		res := s.db.WithContext(ctx).Model(&UserProfile{}).Where("user_id = ?", userID).Updates(changes)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to update profile: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, account.ErrNotFound
		}
	}

	return s.Profile(ctx, userID)
}

type deviceUser struct {
	DeviceID uint
	UserID   uint
}

// owned loads the user IDs of devices.
func (s *Store) owned(ctx context.Context, devices []Device) ([]account.OwnedDevice, error) {
	out := make([]account.OwnedDevice, len(devices))
	if len(devices) == 0 {
		return out, nil
	}

	ids := make([]uint, len(devices))
	for i := range devices {
		ids[i] = devices[i].ID
	}

	var links []deviceUser
	if err := s.db.WithContext(ctx).
		Table("device_users").
		Where("device_id IN ?", ids).
		Order("user_id").
		Scan(&links).Error; err != nil {
		return nil, fmt.Errorf("failed to query device users: %w", err)
	}

	users := make(map[uint][]uint, len(devices))
	for _, l := range links {
		users[l.DeviceID] = append(users[l.DeviceID], l.UserID)
	}

	for i := range devices {
		out[i] = account.OwnedDevice{
			Device:  *devices[i].toSensor(),
			UserIDs: users[devices[i].ID],
		}
	}
	return out, nil
}

func (s *Store) userDevices(ctx context.Context, userID uint) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&Device{}).
		Joins("JOIN device_users ON device_users.device_id = devices.id").
		Where("device_users.user_id = ?", userID)
}

// DevicesForUser implements account.Store.
func (s *Store) DevicesForUser(ctx context.Context, userID uint) ([]account.OwnedDevice, error) {
	var devices []Device
	if err := s.userDevices(ctx, userID).Order("devices.id").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	return s.owned(ctx, devices)
}

func (s *Store) ownedDevice(ctx context.Context, q *gorm.DB) (*account.OwnedDevice, error) {
	var d Device
	if err := q.First(&d).Error; err != nil {
		return nil, notFound(err)
	}
	owned, err := s.owned(ctx, []Device{d})
	if err != nil {
		return nil, err
	}
	return &owned[0], nil
}

// DeviceForUser implements account.Store.
func (s *Store) DeviceForUser(ctx context.Context, userID, deviceID uint) (*account.OwnedDevice, error) {
	return s.ownedDevice(ctx, s.userDevices(ctx, userID).Where("devices.id = ?", deviceID))
}

// DeviceBySerialForUser implements account.Store.
func (s *Store) DeviceBySerialForUser(ctx context.Context, userID uint, serial string) (*account.OwnedDevice, error) {
	return s.ownedDevice(ctx, s.userDevices(ctx, userID).Where("devices.serial_number = ?", serial))
}

// AddDevice implements account.Store.
func (s *Store) AddDevice(ctx context.Context, userID uint, serial string) (*account.OwnedDevice, error) {
	var device Device

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var users int64
		if err := tx.Model(&User{}).Where("id = ?", userID).Count(&users).Error; err != nil {
			return err
		}
		if users == 0 {
			return account.ErrNotFound
		}

		device = Device{SerialNumber: serial}
		if err := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "serial_number"}},
				DoNothing: true,
			}).
			Create(&device).Error; err != nil {
			return err
		}
		if device.ID == 0 {
			if err := tx.Where("serial_number = ?", serial).First(&device).Error; err != nil {
				return err
			}
		}

		var linked int64
		if err := tx.Table("device_users").
			Where("device_id = ? AND user_id = ?", device.ID, userID).
			Count(&linked).Error; err != nil {
			return err
		}
		if linked > 0 {
			return account.ErrDeviceAlreadyAdded
		}

		if err := tx.Table("device_users").Create(map[string]interface{}{
			"device_id": device.ID,
			"user_id":   userID,
		}).Error; err != nil {
			return err
		}

		return tx.Model(&device).Update("updated_at", time.Now().UTC()).Error
	})
	if err != nil {
		if errors.Is(err, account.ErrNotFound) || errors.Is(err, account.ErrDeviceAlreadyAdded) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to add device: %w", err)
	}

	return s.ownedDevice(ctx, s.db.WithContext(ctx).Where("id = ?", device.ID))
}

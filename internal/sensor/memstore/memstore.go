// Package memstore is an in-memory implementation of the sensor and account
// stores. It backs unit tests and the development mode of the server.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"procodus.dev/radon-monitor/internal/account"
	"procodus.dev/radon-monitor/internal/sensor"
)

// Store is a mutex-guarded in-memory store.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	devices  map[uint]*sensor.Device
	serials  map[string]uint
	readings map[uint][]sensor.Reading // by device ID
	dedup    map[string]sensor.Reading
	users    map[uint]*account.User
	emails   map[string]uint
	profiles map[uint]*account.Profile
	owners   map[uint][]uint // device ID to user IDs, in association order
	nextID   uint
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		now:      time.Now,
		devices:  make(map[uint]*sensor.Device),
		serials:  make(map[string]uint),
		readings: make(map[uint][]sensor.Reading),
		dedup:    make(map[string]sensor.Reading),
		users:    make(map[uint]*account.User),
		emails:   make(map[string]uint),
		profiles: make(map[uint]*account.Profile),
		owners:   make(map[uint][]uint),
	}
}

func (s *Store) id() uint {
	s.nextID++
	return s.nextID
}

// AddDeviceSerial registers a device without associating any user.
func (s *Store) AddDeviceSerial(serial string) *sensor.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.createDevice(serial)
	return &d
}

func (s *Store) createDevice(serial string) sensor.Device {
	if id, ok := s.serials[serial]; ok {
		return *s.devices[id]
	}
	now := s.now().UTC()
	d := &sensor.Device{ID: s.id(), SerialNumber: serial, CreatedAt: now, UpdatedAt: now}
	s.devices[d.ID] = d
	s.serials[serial] = d.ID
	return *d
}

// Associate links a user with a device.
func (s *Store) Associate(userID, deviceID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.owners[deviceID], userID) {
		s.owners[deviceID] = append(s.owners[deviceID], userID)
	}
}

// ReadingCount returns the number of stored readings.
func (s *Store) ReadingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dedup)
}

// FindDeviceBySerial implements sensor.Store.
func (s *Store) FindDeviceBySerial(_ context.Context, serial string) (*sensor.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.serials[serial]
	if !ok {
		return nil, sensor.ErrNotFound
	}
	d := *s.devices[id]
	return &d, nil
}

// InsertReadingIfAbsent implements sensor.Store.
func (s *Store) InsertReadingIfAbsent(_ context.Context, r sensor.Reading) (*sensor.Reading, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.dedup[r.DeduplicationID]; ok {
		return &existing, false, nil
	}
	r.ID = s.id()
	s.dedup[r.DeduplicationID] = r
	s.readings[r.DeviceID] = append(s.readings[r.DeviceID], r)
	return &r, true, nil
}

// ReadingsForDevice implements sensor.Store.
func (s *Store) ReadingsForDevice(_ context.Context, deviceID uint, since *time.Time, order sensor.Order) ([]sensor.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sensor.Reading, 0, len(s.readings[deviceID]))
	for _, r := range s.readings[deviceID] {
		if since != nil && r.Timestamp.Before(*since) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if order == sensor.OrderAsc {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// LatestReading implements sensor.Store.
func (s *Store) LatestReading(ctx context.Context, deviceID uint) (*sensor.Reading, error) {
	readings, err := s.ReadingsForDevice(ctx, deviceID, nil, sensor.OrderDesc)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, sensor.ErrNotFound
	}
	return &readings[0], nil
}

// AlertRecipients implements sensor.Store.
func (s *Store) AlertRecipients(_ context.Context, deviceID uint) ([]sensor.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sensor.Recipient, 0, len(s.owners[deviceID]))
	for _, uid := range s.owners[deviceID] {
		u := s.users[uid]
		if u == nil {
			continue
		}
		r := sensor.Recipient{UserID: uid, Email: u.Email, EmailVerified: u.EmailVerified}
		if p := s.profiles[uid]; p != nil {
			r.AlertsEnabled = p.AlertEmailEnabled
		}
		out = append(out, r)
	}
	return out, nil
}

// CreateUser implements account.Store.
func (s *Store) CreateUser(_ context.Context, u account.User, p account.Profile) (*account.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.emails[u.Email]; ok {
		return nil, account.ErrEmailTaken
	}
	u.ID = s.id()
	u.CreatedAt = s.now().UTC()
	p.UserID = u.ID
	s.users[u.ID] = &u
	s.emails[u.Email] = u.ID
	s.profiles[u.ID] = &p
	out := u
	return &out, nil
}

// UserByEmail implements account.Store.
func (s *Store) UserByEmail(_ context.Context, email string) (*account.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.emails[email]
	if !ok {
		return nil, account.ErrNotFound
	}
	u := *s.users[id]
	return &u, nil
}

// UserByID implements account.Store.
func (s *Store) UserByID(_ context.Context, id uint) (*account.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	out := *u
	return &out, nil
}

// SetPasswordHash implements account.Store.
func (s *Store) SetPasswordHash(_ context.Context, userID uint, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return account.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

// Profile implements account.Store.
func (s *Store) Profile(_ context.Context, userID uint) (*account.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, account.ErrNotFound
	}
	out := *p
	return &out, nil
}

// UpdateProfile implements account.Store.
func (s *Store) UpdateProfile(_ context.Context, userID uint, update account.ProfileUpdate) (*account.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, account.ErrNotFound
	}
	if update.Address != nil {
		p.Address = *update.Address
	}
	if update.Phone != nil {
		p.Phone = *update.Phone
	}
	if update.AlertEmailEnabled != nil {
		p.AlertEmailEnabled = *update.AlertEmailEnabled
	}
	out := *p
	return &out, nil
}

func (s *Store) owned(deviceID uint) account.OwnedDevice {
	return account.OwnedDevice{
		Device:  *s.devices[deviceID],
		UserIDs: slices.Clone(s.owners[deviceID]),
	}
}

// DevicesForUser implements account.Store.
func (s *Store) DevicesForUser(_ context.Context, userID uint) ([]account.OwnedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]account.OwnedDevice, 0)
	for id, users := range s.owners {
		if slices.Contains(users, userID) {
			out = append(out, s.owned(id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeviceForUser implements account.Store.
func (s *Store) DeviceForUser(_ context.Context, userID, deviceID uint) (*account.OwnedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[deviceID]; !ok || !slices.Contains(s.owners[deviceID], userID) {
		return nil, account.ErrNotFound
	}
	d := s.owned(deviceID)
	return &d, nil
}

// DeviceBySerialForUser implements account.Store.
func (s *Store) DeviceBySerialForUser(_ context.Context, userID uint, serial string) (*account.OwnedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.serials[serial]
	if !ok || !slices.Contains(s.owners[id], userID) {
		return nil, account.ErrNotFound
	}
	d := s.owned(id)
	return &d, nil
}

// AddDevice implements account.Store.
func (s *Store) AddDevice(_ context.Context, userID uint, serial string) (*account.OwnedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return nil, account.ErrNotFound
	}
	d := s.createDevice(serial)
	if slices.Contains(s.owners[d.ID], userID) {
		return nil, account.ErrDeviceAlreadyAdded
	}
	s.owners[d.ID] = append(s.owners[d.ID], userID)
	s.devices[d.ID].UpdatedAt = s.now().UTC()
	out := s.owned(d.ID)
	return &out, nil
}

var (
	_ sensor.Store  = (*Store)(nil)
	_ account.Store = (*Store)(nil)
)

package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Averaging windows.
const (
	Window24Hours = 24 * time.Hour
	Window7Days   = 7 * 24 * time.Hour
	Window30Days  = 30 * 24 * time.Hour
)

// RecentReading is the latest reading of a device. All fields are nil when
// the device has no readings.
type RecentReading struct {
	Value     *int64     `json:"value"`
	RSSI      *float64   `json:"rssi"`
	Timestamp *time.Time `json:"timestamp"`
}

// Averages holds the windowed mean values. A nil field means the window
// holds no readings.
type Averages struct {
	Last24Hours *float64 `json:"24_hours"`
	Last7Days   *float64 `json:"7_days"`
	Last30Days  *float64 `json:"30_days"`
}

// TrendPoint is one reading of the trend series.
type TrendPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     int64     `json:"value"`
	RSSI      float64   `json:"rssi"`
}

// Dashboard is the per-device summary.
type Dashboard struct {
	RecentReading RecentReading `json:"recent_reading"`
	Averages      Averages      `json:"averages"`
	Trend         []TrendPoint  `json:"trend"`
}

// Aggregator computes device dashboards from the reading store.
type Aggregator struct {
	store Store
}

// NewAggregator creates a new Aggregator instance.
func NewAggregator(store Store) (*Aggregator, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	return &Aggregator{store: store}, nil
}

// Dashboard summarizes the readings of device as of now. A window includes
// readings with timestamp >= now - window.
func (a *Aggregator) Dashboard(ctx context.Context, device *Device, now time.Time) (*Dashboard, error) {
	since := now.Add(-Window30Days)
	readings, err := a.store.ReadingsForDevice(ctx, device.ID, &since, OrderDesc)
	if err != nil {
		return nil, fmt.Errorf("failed to load readings for device %s: %w", device.SerialNumber, err)
	}

	d := &Dashboard{Trend: make([]TrendPoint, 0, len(readings))}

	var latest *Reading
	if len(readings) > 0 {
		latest = &readings[0]
	} else {
		// Readings older than the trend window still count as most recent.
		latest, err = a.store.LatestReading(ctx, device.ID)
		if errors.Is(err, ErrNotFound) {
			latest = nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to load latest reading for device %s: %w", device.SerialNumber, err)
		}
	}
	if latest != nil {
		value, rssi, ts := latest.Value, latest.RSSI, latest.Timestamp
		d.RecentReading = RecentReading{Value: &value, RSSI: &rssi, Timestamp: &ts}
	}

	d.Averages = Averages{
		Last24Hours: average(readings, now.Add(-Window24Hours)),
		Last7Days:   average(readings, now.Add(-Window7Days)),
		Last30Days:  average(readings, since),
	}

	for i := len(readings) - 1; i >= 0; i-- {
		r := readings[i]
		d.Trend = append(d.Trend, TrendPoint{Timestamp: r.Timestamp, Value: r.Value, RSSI: r.RSSI})
	}

	return d, nil
}

// average returns the mean value of readings at or after since, rounded to
// two decimals, or nil when there are none.
func average(readings []Reading, since time.Time) *float64 {
	var (
		sum   float64
		count int
	)
	for _, r := range readings {
		if r.Timestamp.Before(since) {
			continue
		}
		sum += float64(r.Value)
		count++
	}
	if count == 0 {
		return nil
	}
	avg := RoundHundredths(sum / float64(count))
	return &avg
}

// RoundHundredths rounds x to two decimals, half away from zero.
func RoundHundredths(x float64) float64 {
	return math.Round(x*100) / 100
}

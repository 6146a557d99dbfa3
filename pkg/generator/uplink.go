// Package generator produces synthetic LoRaWAN uplink events in the
// ChirpStack JSON format for load and demo runs.
package generator

import (
	"encoding/base64"
	"math"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
)

// Simulation defaults, in the sensor's native unit (Bq/m3).
const (
	DefaultBaseline  = 100.0
	DefaultSpikeRate = 0.03
)

// Device is a simulated sensor.
type Device struct {
	DevEUI     string  `fake:"skip"`
	DevAddr    string  `fake:"skip"`
	DeviceName string  `fake:"skip"`
	GatewayID  string  `fake:"skip"`
	Location   string  `fake:"{city}, {state}"`
	Firmware   string  `fake:"{appversion}"`
	Latitude   float64 `fake:"{latitude}"`
	Longitude  float64 `fake:"{longitude}"`
}

// NewDevice returns a device with a random EUI-64.
func NewDevice() *Device {
	return NewDeviceWithEUI(RandomEUI())
}

// NewDeviceWithEUI returns a device with the given EUI and random metadata.
func NewDeviceWithEUI(devEUI string) *Device {
	var device Device
	if err := gofakeit.Struct(&device); err != nil {
		return nil
	}
	device.DevEUI = devEUI
	device.DevAddr = gofakeit.Regex("[0-9a-f]{8}")
	device.DeviceName = "radon-" + devEUI
	device.GatewayID = RandomEUI()
	return &device
}

// RandomEUI returns 16 lowercase hex digits.
func RandomEUI() string {
	return gofakeit.Regex("[0-9a-f]{16}")
}

// Uplink is a ChirpStack "up" event. Only the fields the ingestion side
// reads are required; the rest make the payload realistic.
type Uplink struct {
	DeviceInfo      UplinkDeviceInfo `json:"deviceInfo"`
	Object          UplinkObject     `json:"object"`
	DeduplicationID string           `json:"deduplicationId"`
	Time            string           `json:"time"`
	DevAddr         string           `json:"devAddr"`
	Data            string           `json:"data"`
	RxInfo          []UplinkRxInfo   `json:"rxInfo"`
	FCnt            uint32           `json:"fCnt"`
	FPort           uint8            `json:"fPort"`
	Confirmed       bool             `json:"confirmed"`
}

// UplinkDeviceInfo identifies the sending device.
type UplinkDeviceInfo struct {
	ApplicationID   string `json:"applicationId"`
	ApplicationName string `json:"applicationName"`
	DeviceName      string `json:"deviceName"`
	DevEUI          string `json:"devEui"`
}

// UplinkObject is the codec output. The value is sent as a decimal string.
type UplinkObject struct {
	HexData string `json:"hexdata"`
}

// UplinkRxInfo is the reception metadata of one gateway.
type UplinkRxInfo struct {
	GatewayID string  `json:"gatewayId"`
	RSSI      float64 `json:"rssi"`
	SNR       float64 `json:"snr"`
}

// UplinkGenerator produces a plausible reading series for one device: a
// mean-reverting random walk around a baseline with occasional spikes.
// It is not safe for concurrent use.
type UplinkGenerator struct {
	device        *Device
	applicationID string
	baseline      float64
	spikeRate     float64
	value         float64
	fCnt          uint32
}

// NewUplinkGenerator creates a generator for device.
func NewUplinkGenerator(device *Device, applicationID string) *UplinkGenerator {
	baseline := DefaultBaseline + (gofakeit.Float64Range(0, 1)-0.5)*20
	return &UplinkGenerator{
		device:        device,
		applicationID: applicationID,
		baseline:      baseline,
		spikeRate:     DefaultSpikeRate,
		value:         baseline,
	}
}

// SetSpikeRate sets the probability of a spike per reading.
func (g *UplinkGenerator) SetSpikeRate(rate float64) {
	g.spikeRate = math.Max(0, math.Min(1, rate))
}

// Device returns the simulated device.
func (g *UplinkGenerator) Device() *Device {
	return g.device
}

// NextValue advances the series by one reading.
func (g *UplinkGenerator) NextValue() int64 {
	// Small step, pulled back towards the baseline
	step := (gofakeit.Float64Range(0, 1) - 0.5) * 10
	g.value += step + (g.baseline-g.value)*0.1
	g.value = math.Max(0, g.value)

	reading := g.value
	// Occasional spike well above the alert threshold
	if gofakeit.Float64Range(0, 1) < g.spikeRate {
		reading += 60 + gofakeit.Float64Range(0, 1)*120
	}
	return int64(math.Round(reading))
}

// NextRSSI returns a signal strength between -120 and -40 dBm.
func (g *UplinkGenerator) NextRSSI() float64 {
	return math.Round(-120 + gofakeit.Float64Range(0, 1)*80)
}

// Next returns the next uplink observed at t.
func (g *UplinkGenerator) Next(t time.Time) *Uplink {
	value := g.NextValue()
	g.fCnt++

	payload := strconv.FormatInt(value, 10)
	return &Uplink{
		DeduplicationID: uuid.NewString(),
		Time:            t.UTC().Format(time.RFC3339Nano),
		DeviceInfo: UplinkDeviceInfo{
			ApplicationID:   g.applicationID,
			ApplicationName: "radon-monitor",
			DeviceName:      g.device.DeviceName,
			DevEUI:          g.device.DevEUI,
		},
		DevAddr: g.device.DevAddr,
		FCnt:    g.fCnt,
		FPort:   1,
		Data:    base64.StdEncoding.EncodeToString([]byte(payload)),
		Object:  UplinkObject{HexData: payload},
		RxInfo: []UplinkRxInfo{{
			GatewayID: g.device.GatewayID,
			RSSI:      g.NextRSSI(),
			SNR:       math.Round((gofakeit.Float64Range(0, 1)*20-10)*10) / 10,
		}},
	}
}

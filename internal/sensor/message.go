// Package sensor implements the sensor reading ingestion pipeline, the
// threshold alert evaluator and the per-device dashboard aggregation.
package sensor

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Field paths reported by ValidationError, in reporting order.
const (
	FieldDeduplicationID = "deduplicationId"
	FieldTime            = "time"
	FieldDevEUI          = "deviceInfo.devEui"
	FieldHexData         = "object.hexdata"
	FieldRSSI            = "rxInfo[0].rssi"
)

// RawMessage is the uplink event published by the network server.
// Every field is optional at decode time so that validation can report all
// missing fields at once.
type RawMessage struct {
	DeviceInfo      *DeviceInfo `json:"deviceInfo,omitempty"`
	Object          *ObjectData `json:"object,omitempty"`
	DeduplicationID string      `json:"deduplicationId,omitempty"`
	Time            string      `json:"time,omitempty"`
	RxInfo          []RxInfo    `json:"rxInfo,omitempty"`
}

// DeviceInfo identifies the device that produced an uplink.
type DeviceInfo struct {
	DevEUI          string `json:"devEui,omitempty"`
	DeviceName      string `json:"deviceName,omitempty"`
	ApplicationID   string `json:"applicationId,omitempty"`
	ApplicationName string `json:"applicationName,omitempty"`
}

// ObjectData is the decoded application payload.
// HexData is a pointer because an absent field and an empty string are
// handled differently.
type ObjectData struct {
	HexData *string `json:"hexdata,omitempty"`
}

// RxInfo carries per-gateway reception metadata.
type RxInfo struct {
	RSSI      *float64 `json:"rssi,omitempty"`
	SNR       *float64 `json:"snr,omitempty"`
	GatewayID string   `json:"gatewayId,omitempty"`
}

// Uplink holds the fields extracted from a RawMessage that passed presence
// validation.
type Uplink struct {
	DeduplicationID string
	Time            string
	DevEUI          string
	HexData         string
	RSSI            float64
}

// DecodeRawMessage decodes a JSON uplink body.
// Malformed JSON and wrongly typed fields are reported as a ValidationError.
func DecodeRawMessage(data []byte) (*RawMessage, error) {
	var msg RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("malformed message: %v", err)}
	}
	return &msg, nil
}

// Extract pulls the required fields out of the message.
// Only the first rxInfo entry is consulted for the signal strength. The
// deduplication ID and the device EUI must fit their storage columns.
func (m *RawMessage) Extract() (*Uplink, error) {
	var (
		missing []string
		uplink  Uplink
		hexSet  bool
		rssiSet bool
	)

	uplink.DeduplicationID = m.DeduplicationID
	uplink.Time = m.Time
	if m.DeviceInfo != nil {
		uplink.DevEUI = m.DeviceInfo.DevEUI
	}
	if m.Object != nil && m.Object.HexData != nil {
		uplink.HexData = *m.Object.HexData
		hexSet = true
	}
	if len(m.RxInfo) > 0 && m.RxInfo[0].RSSI != nil {
		uplink.RSSI = *m.RxInfo[0].RSSI
		rssiSet = true
	}

	if uplink.DeduplicationID == "" {
		missing = append(missing, FieldDeduplicationID)
	}
	if uplink.Time == "" {
		missing = append(missing, FieldTime)
	}
	if uplink.DevEUI == "" {
		missing = append(missing, FieldDevEUI)
	}
	if !hexSet {
		missing = append(missing, FieldHexData)
	}
	if !rssiSet {
		missing = append(missing, FieldRSSI)
	}

	if len(missing) > 0 {
		return nil, &ValidationError{Fields: missing}
	}

	if err := CheckText(uplink.DeduplicationID, MaxDeduplicationIDLength); err != nil {
		return nil, &ValidationError{Reason: FieldDeduplicationID + ": " + err.Error()}
	}
	if err := CheckText(uplink.DevEUI, MaxSerialLength); err != nil {
		return nil, &ValidationError{Reason: FieldDevEUI + ": " + err.Error()}
	}
	return &uplink, nil
}

// Value parses the payload. The field is named hexdata upstream but carries
// a base-10 integer string. Surrounding whitespace and digit separators are
// rejected.
func (u *Uplink) Value() (int64, error) {
	v, err := strconv.ParseInt(u.HexData, 10, 64)
	if err != nil {
		return 0, &ValidationError{Reason: FieldHexData + " is not a base-10 integer: " + strconv.Quote(u.HexData)}
	}
	return v, nil
}

// naiveLayout accepts ISO-8601 timestamps without a zone offset; they are read as UTC.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// ObservedAt parses the observation timestamp.
func (u *Uplink) ObservedAt() (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, u.Time); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation(naiveLayout, u.Time, time.UTC); err == nil {
		return t, nil
	}
	return time.Time{}, &ValidationError{Reason: FieldTime + " is not an ISO-8601 timestamp: " + strconv.Quote(u.Time)}
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message type tags. One JSON object per text frame, newline-free.
const (
	TypeHello           = "hello"
	TypeSync            = "sync"
	TypeCapture         = "capture"
	TypeCaptureMetadata = "capture_metadata"
	TypeStatus          = "status"
)

var ErrUnknownType = errors.New("unknown message type")

// Hello is the optional first message a device sends after connecting.
// Devices that never send it stay registered under a placeholder name.
type Hello struct {
	Type            string `json:"type"`
	DeviceID        string `json:"device_id"`
	MAC             string `json:"mac,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	BoardType       string `json:"board_type,omitempty"`
}

// Sync announces the coordinator's wall clock so devices can compute their
// own offset. Not NTP; a hint.
type Sync struct {
	Type string  `json:"type"`
	Time float64 `json:"time"` // seconds since epoch
}

// Capture schedules a capture at a future instant on the device's
// offset-corrected clock.
type Capture struct {
	Type string  `json:"type"`
	Time float64 `json:"time"` // seconds since epoch, in the future
}

// DeviceTimes are device-local timestamps reported with capture metadata,
// in seconds since epoch on the device's corrected clock.
type DeviceTimes struct {
	CaptureRequestReceived float64 `json:"capture_request_received,omitempty"`
	CaptureStarted         float64 `json:"capture_started,omitempty"`
	CaptureCompleted       float64 `json:"capture_completed,omitempty"`
	ImageSent              float64 `json:"image_sent,omitempty"`
}

// CaptureMetadata is a device's self-reported telemetry for one capture.
// The coordinator never mutates it, only replaces it wholesale per device
// per session.
type CaptureMetadata struct {
	Type            string      `json:"type"`
	DeviceID        string      `json:"device_id"`
	MAC             string      `json:"mac,omitempty"`
	FirmwareVersion string      `json:"firmware_version,omitempty"`
	BoardType       string      `json:"board_type,omitempty"`
	RSSI            int         `json:"rssi,omitempty"`
	Resolution      int         `json:"resolution,omitempty"`
	JPEGQuality     int         `json:"jpeg_quality,omitempty"`
	ImageSize       int64       `json:"image_size,omitempty"`
	Times           DeviceTimes `json:"times,omitempty"`
}

// StatusReport is a device's reply to a status probe.
type StatusReport struct {
	Type            string `json:"type"`
	DeviceID        string `json:"device_id"`
	MAC             string `json:"mac,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	BoardType       string `json:"board_type,omitempty"`
	RSSI            int    `json:"rssi,omitempty"`
}

type envelope struct {
	Type string `json:"type"`
}

// Decode parses one inbound text frame into its typed variant.
//
// Unknown tags return ErrUnknownType (wrapped) so callers can log and keep
// the connection alive; extra fields inside known messages are tolerated for
// forward compatibility with newer firmware.
func Decode(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case TypeHello:
		var m Hello
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode hello: %w", err)
		}
		return m, nil
	case TypeSync:
		var m Sync
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode sync: %w", err)
		}
		return m, nil
	case TypeCapture:
		var m Capture
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode capture: %w", err)
		}
		return m, nil
	case TypeCaptureMetadata:
		var m CaptureMetadata
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode capture_metadata: %w", err)
		}
		return m, nil
	case TypeStatus:
		var m StatusReport
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode status: %w", err)
		}
		return m, nil
	case "":
		return nil, errors.New("missing message type")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// EpochSeconds converts t to float seconds since the Unix epoch, the wire
// representation devices expect.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromEpochSeconds converts wire time back to a time.Time.
func FromEpochSeconds(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second)))
}

func EncodeSync(now time.Time) ([]byte, error) {
	return json.Marshal(Sync{Type: TypeSync, Time: EpochSeconds(now)})
}

func EncodeCapture(at time.Time) ([]byte, error) {
	return json.Marshal(Capture{Type: TypeCapture, Time: EpochSeconds(at)})
}

// EncodeStatusRequest builds the probe that asks a device for a status report.
func EncodeStatusRequest() ([]byte, error) {
	return json.Marshal(envelope{Type: TypeStatus})
}

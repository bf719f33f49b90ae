package model

import (
	"strings"
	"time"
)

// DefaultName is the display name used until a reachable device reports its
// real name.
const DefaultName = "Twinkly light"

// Availability classifies whether a light currently responds on the network.
type Availability string

const (
	AvailabilityUnknown Availability = "unknown"
	AvailabilityOnline  Availability = "online"
	AvailabilityOffline Availability = "offline"
)

// Identity is the durable record of a configured light. ID is assigned once
// when the device is first set up and never changes afterwards, even across
// reboots, renames and periods of unreachability.
type Identity struct {
	ID          string    `json:"id"`
	Host        string    `json:"host"`
	HardwareID  string    `json:"hardware_id,omitempty"`
	DeviceName  string    `json:"device_name,omitempty"`
	ConfigName  string    `json:"config_name,omitempty"`
	ProductCode string    `json:"product_code,omitempty"`
	ProductName string    `json:"product_name,omitempty"`
	MAC         string    `json:"mac,omitempty"`
	LEDCount    int       `json:"led_count,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Name resolves the display name. An operator-assigned name wins, then the
// device-reported name, then the fixed placeholder.
func (i Identity) Name() string {
	if name := strings.TrimSpace(i.ConfigName); name != "" {
		return name
	}
	if name := strings.TrimSpace(i.DeviceName); name != "" {
		return name
	}
	return DefaultName
}

// LightState is the last accepted snapshot of a light's controllable state.
// Brightness is kept even while the light is off so a staged level survives
// until the next power-on.
type LightState struct {
	On           bool         `json:"on"`
	Brightness   int          `json:"brightness"`
	Availability Availability `json:"availability"`
	LastSeenAt   *time.Time   `json:"last_seen_at,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// PollResult records the outcome of a single poll cycle for diagnostics.
// Results are held in a bounded in-memory ring and never persisted.
type PollResult struct {
	At         time.Time `json:"at"`
	DurationMS int64     `json:"duration_ms"`
	OK         bool      `json:"ok"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	On         *bool     `json:"on,omitempty"`
	Brightness *int      `json:"brightness,omitempty"`
}

// DeviceView is the adapter-facing merge of identity, configuration and the
// cached state for one light. Reads that produce it never touch the network.
type DeviceView struct {
	ID           string       `json:"id"`
	Host         string       `json:"host"`
	Name         string       `json:"name"`
	HardwareID   string       `json:"hardware_id,omitempty"`
	ProductCode  string       `json:"product_code,omitempty"`
	ProductName  string       `json:"product_name,omitempty"`
	MAC          string       `json:"mac,omitempty"`
	LEDCount     int          `json:"led_count,omitempty"`
	On           bool         `json:"on"`
	Brightness   int          `json:"brightness"`
	Availability Availability `json:"availability"`
	LastSeenAt   *time.Time   `json:"last_seen_at,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

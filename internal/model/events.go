package model

import "time"

// Event types pushed to stream subscribers.
const (
	EventAvailabilityChanged = "availability_changed"
	EventStateChanged        = "state_changed"
	EventIdentityUpdated     = "identity_updated"
)

// AvailabilityEvent is emitted exactly once per availability transition.
type AvailabilityEvent struct {
	DeviceID string       `json:"device_id"`
	From     Availability `json:"from"`
	To       Availability `json:"to"`
	At       time.Time    `json:"at"`
}

// StateEvent is emitted whenever the cached state of a light changes.
type StateEvent struct {
	DeviceID string     `json:"device_id"`
	State    LightState `json:"state"`
}

// IdentityEvent is emitted when a light's identity record changes, for
// example when a placeholder name is replaced by the device-reported one.
type IdentityEvent struct {
	DeviceID string   `json:"device_id"`
	Name     string   `json:"name"`
	Identity Identity `json:"identity"`
}

package tracker

import (
	"github.com/dr1rrb/ha-twinkly/internal/model"
	"github.com/dr1rrb/ha-twinkly/internal/xled"
)

// Sink receives tracker callbacks. Implementations must be safe for
// concurrent use: calls come from the poll loop and from command paths.
type Sink interface {
	// AvailabilityChanged fires exactly once per availability transition.
	AvailabilityChanged(event model.AvailabilityEvent)
	// StateChanged fires whenever an accepted cache write changed values.
	StateChanged(event model.StateEvent)
	// DeviceInfoSeen reports the descriptor read alongside a successful poll.
	DeviceInfoSeen(deviceID string, info xled.DeviceInfo)
}

// NopSink discards all callbacks.
type NopSink struct{}

func (NopSink) AvailabilityChanged(model.AvailabilityEvent) {}
func (NopSink) StateChanged(model.StateEvent)               {}
func (NopSink) DeviceInfoSeen(string, xled.DeviceInfo)      {}

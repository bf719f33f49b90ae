package tracker

import (
	"sync"
	"time"

	"github.com/dr1rrb/ha-twinkly/internal/model"
)

// Cache holds the last accepted state snapshot for one light. Reads never
// touch the network. Writes carry an ordering timestamp: poll snapshots use
// the time the poll started, command confirmations use the time the command
// completed. A poll that was already in flight when a command landed
// therefore loses, and the cache keeps the newer command result.
type Cache struct {
	mu    sync.RWMutex
	state model.LightState
}

func NewCache() *Cache {
	return &Cache{state: model.LightState{Availability: model.AvailabilityUnknown}}
}

func (c *Cache) Snapshot() model.LightState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Cache) snapshotLocked() model.LightState {
	state := c.state
	if c.state.LastSeenAt != nil {
		seen := *c.state.LastSeenAt
		state.LastSeenAt = &seen
	}
	return state
}

// MarkContact records a successful exchange with the device. It moves
// LastSeenAt forward only; it never rewinds on late responses.
func (c *Cache) MarkContact(at time.Time) {
	c.mu.Lock()
	if c.state.LastSeenAt == nil || at.After(*c.state.LastSeenAt) {
		seen := at
		c.state.LastSeenAt = &seen
	}
	c.mu.Unlock()
}

// ApplySnapshot records a full device read. It reports whether the write was
// accepted and changed any value; stale writes are discarded.
func (c *Cache) ApplySnapshot(on bool, brightness int, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at.Before(c.state.UpdatedAt) {
		return false
	}
	changed := c.state.On != on || c.state.Brightness != brightness
	c.state.On = on
	c.state.Brightness = brightness
	c.state.UpdatedAt = at
	return changed
}

// ApplyPower records a confirmed power command.
func (c *Cache) ApplyPower(on bool, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at.Before(c.state.UpdatedAt) {
		return false
	}
	changed := c.state.On != on
	c.state.On = on
	c.state.UpdatedAt = at
	return changed
}

// ApplyBrightness records a confirmed brightness command. The level sticks
// even while the light is off, staging it for the next power-on.
func (c *Cache) ApplyBrightness(level int, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at.Before(c.state.UpdatedAt) {
		return false
	}
	changed := c.state.Brightness != level
	c.state.Brightness = level
	c.state.UpdatedAt = at
	return changed
}

// Restore seeds the cache from a persisted snapshot without emitting any
// ordering watermark newer than the stored one.
func (c *Cache) Restore(state model.LightState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

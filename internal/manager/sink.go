package manager

import (
	"errors"
	"strings"
	"time"

	"github.com/dr1rrb/ha-twinkly/internal/model"
	"github.com/dr1rrb/ha-twinkly/internal/storage"
	"github.com/dr1rrb/ha-twinkly/internal/tracker"
	"github.com/dr1rrb/ha-twinkly/internal/xled"
)

// The manager is the sink for every tracker it runs: callbacks persist the
// latest state and fan out to event subscribers. Callbacks for devices that
// were removed while the call was in flight are dropped.

func (m *Manager) AvailabilityChanged(event model.AvailabilityEvent) {
	tr := m.trackerByID(event.DeviceID)
	if tr == nil {
		return
	}
	m.persistState(event.DeviceID, tr.Snapshot())
	m.events.Broadcast(model.EventAvailabilityChanged, event)
}

func (m *Manager) StateChanged(event model.StateEvent) {
	if m.trackerByID(event.DeviceID) == nil {
		return
	}
	m.persistState(event.DeviceID, event.State)
	m.events.Broadcast(model.EventStateChanged, event)
}

// DeviceInfoSeen reconciles the identity row with a freshly read descriptor.
// When the hardware id turns out to belong to an identity recorded under an
// earlier host, that identity is adopted so the same physical light never
// ends up with two IDs.
func (m *Manager) DeviceInfoSeen(deviceID string, info xled.DeviceInfo) {
	m.mu.Lock()
	h := m.byID[deviceID]
	if h == nil || h.adopting {
		m.mu.Unlock()
		return
	}
	identity := h.identity
	m.mu.Unlock()

	if uid := info.UniqueID(); uid != "" && uid != identity.HardwareID {
		pctx, cancel := persistCtx()
		durable, err := m.repo.GetIdentityByHardwareID(pctx, uid)
		cancel()
		switch {
		case err == nil && durable.ID != deviceID:
			if owner := m.ownerOf(durable.ID); owner != nil {
				m.logger.Warn("hardware id already tracked under another host, skipping identity update",
					"device_id", deviceID, "hardware_id", uid)
				return
			}
			if m.beginAdoption(h, deviceID) {
				m.wg.Add(1)
				go m.adoptIdentity(h, durable, info)
			}
			return
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			m.logger.Warn("identity lookup failed", "device_id", deviceID, "err", err)
			return
		}
	}

	updated, changed := mergeDeviceInfo(identity, info)
	if !changed {
		return
	}
	updated.UpdatedAt = time.Now().UTC()

	pctx, cancel := persistCtx()
	err := m.repo.UpsertIdentity(pctx, updated)
	cancel()
	if err != nil {
		m.logger.Warn("identity update failed", "device_id", deviceID, "err", err)
		return
	}

	m.mu.Lock()
	registered := m.byID[deviceID] == h
	if registered {
		h.identity = updated
	}
	m.mu.Unlock()
	if !registered {
		return
	}

	if updated.Name() != identity.Name() {
		m.logger.Info("device name updated", "device_id", deviceID, "name", updated.Name())
	}
	m.events.Broadcast(model.EventIdentityUpdated, model.IdentityEvent{
		DeviceID: deviceID,
		Name:     updated.Name(),
		Identity: updated,
	})
}

func (m *Manager) beginAdoption(h *handle, deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byID[deviceID] != h || h.adopting || m.closed {
		return false
	}
	h.adopting = true
	return true
}

// adoptIdentity replaces a provisional identity with the durable one matched
// by hardware id. The running tracker is swapped out for one reporting under
// the adopted ID; the cached state carries over. Holding applyMu keeps the
// swap from interleaving with a concurrent inventory reconcile.
func (m *Manager) adoptIdentity(h *handle, durable model.Identity, info xled.DeviceInfo) {
	defer m.wg.Done()

	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	staleID := h.identity.ID
	cfg := h.cfg
	old := h.tracker
	m.mu.Unlock()

	merged, _ := mergeDeviceInfo(durable, info)
	merged.Host = cfg.Host
	merged.ConfigName = cfg.Name
	merged.UpdatedAt = time.Now().UTC()

	pctx, cancel := persistCtx()
	err := m.repo.MigrateIdentity(pctx, staleID, merged)
	cancel()
	if err != nil {
		m.logger.Warn("identity adoption failed", "device_id", staleID, "hardware_id", merged.HardwareID, "err", err)
		m.mu.Lock()
		h.adopting = false
		m.mu.Unlock()
		return
	}

	old.Stop()
	state := old.Snapshot()

	m.mu.Lock()
	delete(m.byID, staleID)
	if m.handles[cfg.Host] != h || m.closed {
		// Removed or shut down mid-adoption; the migrated row waits for the
		// device to come back.
		h.adopting = false
		m.mu.Unlock()
		return
	}
	replacement := tracker.New(merged.ID, cfg, h.client, m, m.logger)
	replacement.RestoreState(state)
	h.tracker = replacement
	h.identity = merged
	h.adopting = false
	m.byID[merged.ID] = h
	runCtx := m.runCtx
	m.mu.Unlock()

	m.persistState(merged.ID, state)
	replacement.Start(runCtx)

	m.logger.Info("existing identity adopted", "device_id", merged.ID, "previous_id", staleID,
		"host", cfg.Host, "hardware_id", merged.HardwareID)
	m.events.Broadcast(model.EventIdentityUpdated, model.IdentityEvent{
		DeviceID: merged.ID,
		Name:     merged.Name(),
		Identity: merged,
	})
}

func (m *Manager) persistState(id string, state model.LightState) {
	pctx, cancel := persistCtx()
	defer cancel()
	if err := m.repo.SaveState(pctx, id, state); err != nil {
		m.logger.Warn("state persist failed", "device_id", id, "err", err)
	}
}

// mergeDeviceInfo folds a device descriptor into an identity row. Empty
// descriptor fields never clear recorded values; older firmware omits some.
func mergeDeviceInfo(identity model.Identity, info xled.DeviceInfo) (model.Identity, bool) {
	updated := identity
	if uid := info.UniqueID(); uid != "" {
		updated.HardwareID = uid
	}
	if name := strings.TrimSpace(info.DeviceName); name != "" {
		updated.DeviceName = name
	}
	if info.ProductCode != "" {
		updated.ProductCode = info.ProductCode
	}
	if info.ProductName != "" {
		updated.ProductName = info.ProductName
	}
	if info.MAC != "" {
		updated.MAC = info.MAC
	}
	if info.LEDCount > 0 {
		updated.LEDCount = info.LEDCount
	}
	return updated, updated != identity
}

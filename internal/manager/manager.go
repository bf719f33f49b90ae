package manager

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dr1rrb/ha-twinkly/internal/model"
	"github.com/dr1rrb/ha-twinkly/internal/storage"
	"github.com/dr1rrb/ha-twinkly/internal/tracker"
	"github.com/dr1rrb/ha-twinkly/internal/xled"
)

var ErrUnknownDevice = errors.New("unknown device")

// persistTimeout bounds the local database writes done from tracker
// callbacks, which carry no request context of their own.
const persistTimeout = 5 * time.Second

// EventSink receives device events for fan-out to stream subscribers.
type EventSink interface {
	Broadcast(eventType string, payload any)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Broadcast(string, any) {}

// handle pairs a running tracker with the durable identity it reports under.
// All fields are guarded by Manager.mu; the tracker itself is safe to use
// outside the lock.
type handle struct {
	cfg      model.DeviceConfig
	client   tracker.Client
	tracker  *tracker.Tracker
	identity model.Identity
	adopting bool
}

// Manager owns one tracker per configured light. It reconciles the device
// inventory, resolves durable identities and fans tracker callbacks out to
// persistence and to event subscribers.
type Manager struct {
	repo   *storage.Repository
	events EventSink
	logger *slog.Logger

	// newClient is swapped out in tests.
	newClient func(cfg model.DeviceConfig) tracker.Client

	applyMu sync.Mutex

	mu      sync.Mutex
	runCtx  context.Context
	handles map[string]*handle // keyed by configured host
	byID    map[string]*handle
	closed  bool

	wg sync.WaitGroup
}

func New(repo *storage.Repository, events EventSink, logger *slog.Logger) *Manager {
	if events == nil {
		events = NopSink{}
	}
	return &Manager{
		repo:   repo,
		events: events,
		logger: logger,
		newClient: func(cfg model.DeviceConfig) tracker.Client {
			return xled.NewClient(cfg)
		},
		handles: make(map[string]*handle),
		byID:    make(map[string]*handle),
	}
}

// Apply reconciles the running trackers against the device inventory:
// missing devices are added, changed entries restarted with their new
// settings and removed entries stopped. Identity rows of removed devices are
// kept so a device that returns to the inventory gets its old ID back.
// Trackers started by this call live until ctx is cancelled or the device is
// removed.
func (m *Manager) Apply(ctx context.Context, devices []model.DeviceConfig) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	desired := make(map[string]model.DeviceConfig, len(devices))
	for _, cfg := range devices {
		if err := cfg.Validate(); err != nil {
			return err
		}
		desired[cfg.Host] = cfg
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("manager closed")
	}
	m.runCtx = ctx
	type removal struct {
		tr   *tracker.Tracker
		id   string
		host string
	}
	var removed []removal
	for host, h := range m.handles {
		if _, keep := desired[host]; keep {
			continue
		}
		delete(m.handles, host)
		delete(m.byID, h.identity.ID)
		removed = append(removed, removal{tr: h.tracker, id: h.identity.ID, host: host})
	}
	m.mu.Unlock()

	for _, r := range removed {
		r.tr.Stop()
		m.logger.Info("device removed", "device_id", r.id, "host", r.host)
	}

	var persisted map[string]model.LightState
	for host, cfg := range desired {
		m.mu.Lock()
		existing := m.handles[host]
		m.mu.Unlock()

		if existing != nil {
			if err := m.updateDevice(ctx, existing, cfg); err != nil {
				return err
			}
			continue
		}

		if persisted == nil {
			var err error
			if persisted, err = m.repo.LoadStates(ctx); err != nil {
				return err
			}
		}
		if err := m.addDevice(ctx, cfg, persisted); err != nil {
			return err
		}
	}
	return nil
}

// addDevice resolves the identity for a fresh inventory entry, seeds the
// tracker cache from the persisted state and starts polling.
func (m *Manager) addDevice(ctx context.Context, cfg model.DeviceConfig, persisted map[string]model.LightState) error {
	client := m.newClient(cfg)
	identity, err := m.resolveIdentity(ctx, cfg, client)
	if err != nil {
		return err
	}

	h := &handle{cfg: cfg, client: client, identity: identity}
	h.tracker = tracker.New(identity.ID, cfg, client, m, m.logger)
	if state, ok := persisted[identity.ID]; ok {
		h.tracker.RestoreState(state)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("manager closed")
	}
	m.handles[cfg.Host] = h
	m.byID[identity.ID] = h
	runCtx := m.runCtx
	m.mu.Unlock()

	h.tracker.Start(runCtx)
	m.logger.Info("device added", "device_id", identity.ID, "host", cfg.Host, "name", identity.Name())
	return nil
}

// resolveIdentity finds or creates the durable identity for a host. A
// reachable device is matched by its hardware identifier so a light that
// moved to a new address keeps its ID; an unreachable one gets a provisional
// identity that is reconciled once the device first answers.
func (m *Manager) resolveIdentity(ctx context.Context, cfg model.DeviceConfig, client tracker.Client) (model.Identity, error) {
	identity, err := m.repo.GetIdentityByHost(ctx, cfg.Host)
	switch {
	case err == nil:
		return m.syncConfigName(ctx, identity, cfg.Name)
	case !errors.Is(err, storage.ErrNotFound):
		return model.Identity{}, err
	}

	now := time.Now().UTC()
	identity = model.Identity{
		ID:         uuid.NewString(),
		Host:       cfg.Host,
		ConfigName: cfg.Name,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	probeCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout())
	info, probeErr := client.DeviceInfo(probeCtx)
	cancel()
	if probeErr != nil {
		m.logger.Info("device unreachable during setup, assigned provisional identity",
			"device_id", identity.ID, "host", cfg.Host, "err", probeErr)
		if err := m.repo.UpsertIdentity(ctx, identity); err != nil {
			return model.Identity{}, err
		}
		return identity, nil
	}

	if uid := info.UniqueID(); uid != "" {
		existing, err := m.repo.GetIdentityByHardwareID(ctx, uid)
		switch {
		case err == nil:
			if owner := m.ownerOf(existing.ID); owner != nil {
				m.logger.Warn("hardware id already tracked under another host, keeping identities separate",
					"hardware_id", uid, "host", cfg.Host, "other_host", owner.cfg.Host)
			} else {
				identity = existing
				identity.Host = cfg.Host
				identity.ConfigName = cfg.Name
				m.logger.Info("device matched by hardware id, keeping its identity",
					"device_id", identity.ID, "host", cfg.Host)
			}
		case !errors.Is(err, storage.ErrNotFound):
			return model.Identity{}, err
		}
	}

	identity, _ = mergeDeviceInfo(identity, info)
	identity.UpdatedAt = now
	if err := m.repo.UpsertIdentity(ctx, identity); err != nil {
		return model.Identity{}, err
	}
	return identity, nil
}

// syncConfigName persists an operator rename done through the inventory file.
func (m *Manager) syncConfigName(ctx context.Context, identity model.Identity, configName string) (model.Identity, error) {
	if identity.ConfigName == configName {
		return identity, nil
	}
	identity.ConfigName = configName
	identity.UpdatedAt = time.Now().UTC()
	if err := m.repo.UpsertIdentity(ctx, identity); err != nil {
		return model.Identity{}, err
	}
	m.events.Broadcast(model.EventIdentityUpdated, model.IdentityEvent{
		DeviceID: identity.ID,
		Name:     identity.Name(),
		Identity: identity,
	})
	return identity, nil
}

// updateDevice applies a changed inventory entry to a running handle. Only
// polling settings force a tracker restart; a rename is persisted in place.
func (m *Manager) updateDevice(ctx context.Context, h *handle, cfg model.DeviceConfig) error {
	m.mu.Lock()
	previous := h.cfg
	m.mu.Unlock()
	if previous == cfg {
		return nil
	}

	if previous.Name != cfg.Name {
		m.mu.Lock()
		identity := h.identity
		m.mu.Unlock()
		identity, err := m.syncConfigName(ctx, identity, cfg.Name)
		if err != nil {
			return err
		}
		m.mu.Lock()
		h.identity = identity
		m.mu.Unlock()
	}

	settingsChanged := previous.PollIntervalSec != cfg.PollIntervalSec ||
		previous.OfflineThreshold != cfg.OfflineThreshold ||
		previous.RequestTimeoutSec != cfg.RequestTimeoutSec

	m.mu.Lock()
	h.cfg = cfg
	m.mu.Unlock()

	if !settingsChanged {
		return nil
	}

	h.tracker.Stop()
	state := h.tracker.Snapshot()

	m.mu.Lock()
	replacement := tracker.New(h.identity.ID, cfg, h.client, m, m.logger)
	replacement.RestoreState(state)
	h.tracker = replacement
	runCtx := m.runCtx
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return nil
	}
	replacement.Start(runCtx)
	m.logger.Info("device settings updated", "device_id", h.identity.ID, "host", cfg.Host)
	return nil
}

// Close stops all trackers and waits for in-flight identity adoptions.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	trackers := make([]*tracker.Tracker, 0, len(m.handles))
	for _, h := range m.handles {
		trackers = append(trackers, h.tracker)
	}
	m.mu.Unlock()

	for _, tr := range trackers {
		tr.Stop()
	}
	m.wg.Wait()
}

// Devices returns the cached view of every tracked light, sorted by name.
// It never touches the network.
func (m *Manager) Devices() []model.DeviceView {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	views := make([]model.DeviceView, 0, len(handles))
	for _, h := range handles {
		views = append(views, m.viewOf(h))
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Name != views[j].Name {
			return views[i].Name < views[j].Name
		}
		return views[i].ID < views[j].ID
	})
	return views
}

// Device returns the cached view of one light.
func (m *Manager) Device(id string) (model.DeviceView, error) {
	h := m.handleByID(id)
	if h == nil {
		return model.DeviceView{}, ErrUnknownDevice
	}
	return m.viewOf(h), nil
}

// SetPower drives the light with the given ID.
func (m *Manager) SetPower(ctx context.Context, id string, on bool) error {
	tr := m.trackerByID(id)
	if tr == nil {
		return ErrUnknownDevice
	}
	return tr.SetPower(ctx, on)
}

// SetBrightness drives the brightness of the light with the given ID.
func (m *Manager) SetBrightness(ctx context.Context, id string, level int) error {
	tr := m.trackerByID(id)
	if tr == nil {
		return ErrUnknownDevice
	}
	return tr.SetBrightness(ctx, level)
}

// PollHistory returns the retained poll diagnostics for one light.
func (m *Manager) PollHistory(id string) ([]model.PollResult, error) {
	tr := m.trackerByID(id)
	if tr == nil {
		return nil, ErrUnknownDevice
	}
	return tr.PollHistory(), nil
}

// Refresh schedules an immediate poll for every tracked light.
func (m *Manager) Refresh() {
	m.mu.Lock()
	trackers := make([]*tracker.Tracker, 0, len(m.handles))
	for _, h := range m.handles {
		trackers = append(trackers, h.tracker)
	}
	m.mu.Unlock()

	for _, tr := range trackers {
		tr.Refresh()
	}
}

// RefreshDevice schedules an immediate poll for one light.
func (m *Manager) RefreshDevice(id string) error {
	tr := m.trackerByID(id)
	if tr == nil {
		return ErrUnknownDevice
	}
	tr.Refresh()
	return nil
}

func (m *Manager) handleByID(id string) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

func (m *Manager) trackerByID(id string) *tracker.Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.byID[id]; h != nil {
		return h.tracker
	}
	return nil
}

func (m *Manager) ownerOf(id string) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

func (m *Manager) viewOf(h *handle) model.DeviceView {
	m.mu.Lock()
	identity := h.identity
	cfg := h.cfg
	tr := h.tracker
	m.mu.Unlock()

	state := tr.Snapshot()
	return model.DeviceView{
		ID:           identity.ID,
		Host:         cfg.Host,
		Name:         identity.Name(),
		HardwareID:   identity.HardwareID,
		ProductCode:  identity.ProductCode,
		ProductName:  identity.ProductName,
		MAC:          identity.MAC,
		LEDCount:     identity.LEDCount,
		On:           state.On,
		Brightness:   state.Brightness,
		Availability: state.Availability,
		LastSeenAt:   state.LastSeenAt,
		UpdatedAt:    state.UpdatedAt,
	}
}

// persistCtx builds the context used for database writes triggered by
// tracker callbacks. Writes keep working during shutdown so the last state
// survives a restart.
func persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), persistTimeout)
}

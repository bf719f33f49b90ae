package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dr1rrb/ha-twinkly/internal/model"
	"github.com/dr1rrb/ha-twinkly/internal/xled"
)

// Client is the device surface the tracker drives. Implementations must be
// safe for concurrent use.
type Client interface {
	DeviceInfo(ctx context.Context) (xled.DeviceInfo, error)
	State(ctx context.Context) (xled.State, error)
	SetPower(ctx context.Context, on bool) error
	SetBrightness(ctx context.Context, level int) error
}

// Tracker owns one light: it polls it on an interval, keeps the state cache
// current, classifies the device online or offline and routes commands.
// A single poll failure never flips availability; the device goes offline
// only after the configured number of consecutive failures, and a single
// successful exchange brings it back.
type Tracker struct {
	id     string
	cfg    model.DeviceConfig
	client Client
	cache  *Cache
	sink   Sink
	logger *slog.Logger

	refreshCh chan struct{}
	history   *pollHistory

	mu           sync.Mutex
	availability model.Availability
	failures     int
	cancel       context.CancelFunc

	startOnce sync.Once
	done      chan struct{}

	nowFn func() time.Time
}

func New(id string, cfg model.DeviceConfig, client Client, sink Sink, logger *slog.Logger) *Tracker {
	if sink == nil {
		sink = NopSink{}
	}
	return &Tracker{
		id:           id,
		cfg:          cfg,
		client:       client,
		cache:        NewCache(),
		sink:         sink,
		logger:       logger.With("device_id", id, "host", cfg.Host),
		refreshCh:    make(chan struct{}, 1),
		history:      newPollHistory(defaultHistorySize),
		availability: model.AvailabilityUnknown,
		done:         make(chan struct{}),
		nowFn:        time.Now,
	}
}

func (t *Tracker) ID() string                 { return t.id }
func (t *Tracker) Config() model.DeviceConfig { return t.cfg }

// Start launches the poll loop. The first poll runs immediately so a fresh
// device settles without waiting a full interval out.
func (t *Tracker) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		t.mu.Lock()
		t.cancel = cancel
		t.mu.Unlock()
		go t.run(runCtx)
	})
}

// Stop cancels the poll loop and waits for it to exit. It is safe to call
// multiple times and before Start.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-t.done
}

// Refresh schedules an immediate poll without waiting the interval out.
func (t *Tracker) Refresh() {
	select {
	case t.refreshCh <- struct{}{}:
	default:
	}
}

// Snapshot returns the cached state merged with the current availability.
// It never blocks on the network.
func (t *Tracker) Snapshot() model.LightState {
	state := t.cache.Snapshot()
	t.mu.Lock()
	state.Availability = t.availability
	t.mu.Unlock()
	return state
}

func (t *Tracker) Availability() model.Availability {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.availability
}

// PollHistory returns the retained poll diagnostics, newest first.
func (t *Tracker) PollHistory() []model.PollResult {
	return t.history.list()
}

// RestoreState seeds the cache from a persisted snapshot. Availability is
// not restored; it stays unknown until the first poll settles it.
func (t *Tracker) RestoreState(state model.LightState) {
	t.cache.Restore(state)
}

// SetPower drives the light. A confirmed command updates the cache with the
// completion time so a poll already in flight cannot overwrite it.
func (t *Tracker) SetPower(ctx context.Context, on bool) error {
	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout())
	defer cancel()

	err := t.client.SetPower(reqCtx, on)
	completed := t.nowFn()
	if err = t.recordCommandOutcome(err, completed); err != nil {
		return err
	}
	if t.cache.ApplyPower(on, completed) {
		t.emitState()
	}
	return nil
}

// SetBrightness drives the brightness level. The level sticks in the cache
// even while the light is off.
func (t *Tracker) SetBrightness(ctx context.Context, level int) error {
	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout())
	defer cancel()

	err := t.client.SetBrightness(reqCtx, level)
	completed := t.nowFn()
	if err = t.recordCommandOutcome(err, completed); err != nil {
		return err
	}
	if t.cache.ApplyBrightness(level, completed) {
		t.emitState()
	}
	return nil
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)

	t.pollOnce(ctx)
	for {
		timer := time.NewTimer(t.cfg.PollInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-t.refreshCh:
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		t.pollOnce(ctx)
	}
}

func (t *Tracker) pollOnce(ctx context.Context) {
	started := t.nowFn()
	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout())
	state, err := t.client.State(reqCtx)
	cancel()
	completed := t.nowFn()

	result := model.PollResult{
		At:         completed,
		DurationMS: completed.Sub(started).Milliseconds(),
		OK:         err == nil,
	}

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a device failure.
			return
		}
		result.ErrorKind = xled.Kind(err)
		result.Error = err.Error()
		t.history.add(result)
		t.recordFailure(err, completed)
		return
	}

	on, level := state.On, state.Brightness
	result.On = &on
	result.Brightness = &level
	t.history.add(result)

	t.cache.MarkContact(completed)
	t.recordSuccess(completed)
	// Snapshots are ordered by poll start: a command that completed while
	// this poll was in flight keeps precedence.
	if t.cache.ApplySnapshot(state.On, state.Brightness, started) {
		t.emitState()
	}

	t.refreshDeviceInfo(ctx)
}

// refreshDeviceInfo rides along on successful polls so device renames show
// up without a dedicated loop. Failures here do not count against
// availability; the state poll already succeeded.
func (t *Tracker) refreshDeviceInfo(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout())
	defer cancel()

	info, err := t.client.DeviceInfo(reqCtx)
	if err != nil {
		t.logger.Debug("device info refresh failed", "err", err)
		return
	}
	t.sink.DeviceInfoSeen(t.id, info)
}

func (t *Tracker) recordCommandOutcome(err error, at time.Time) error {
	switch {
	case err == nil:
		t.cache.MarkContact(at)
		t.recordSuccess(at)
		return nil
	case xled.IsValidation(err):
		// Never reached the network; no availability evidence either way.
		return err
	case xled.IsRejected(err):
		// The device answered, so the exchange still proves reachability.
		t.cache.MarkContact(at)
		t.recordSuccess(at)
		return err
	case errors.Is(err, context.Canceled):
		return err
	default:
		t.recordFailure(err, at)
		return err
	}
}

func (t *Tracker) recordSuccess(at time.Time) {
	t.mu.Lock()
	t.failures = 0
	previous := t.availability
	if previous == model.AvailabilityOnline {
		t.mu.Unlock()
		return
	}
	t.availability = model.AvailabilityOnline
	t.mu.Unlock()

	t.logger.Info("device online", "previous", string(previous))
	t.sink.AvailabilityChanged(model.AvailabilityEvent{
		DeviceID: t.id,
		From:     previous,
		To:       model.AvailabilityOnline,
		At:       at,
	})
}

func (t *Tracker) recordFailure(err error, at time.Time) {
	threshold := t.cfg.FailureThreshold()

	t.mu.Lock()
	t.failures++
	failures := t.failures
	previous := t.availability
	transition := previous != model.AvailabilityOffline && failures >= threshold
	if transition {
		t.availability = model.AvailabilityOffline
	}
	t.mu.Unlock()

	if !transition {
		t.logger.Warn("poll failed", "failures", failures, "threshold", threshold, "err", err)
		return
	}

	t.logger.Warn("device offline", "failures", failures, "err", err)
	t.sink.AvailabilityChanged(model.AvailabilityEvent{
		DeviceID: t.id,
		From:     previous,
		To:       model.AvailabilityOffline,
		At:       at,
	})
}

func (t *Tracker) emitState() {
	t.sink.StateChanged(model.StateEvent{DeviceID: t.id, State: t.Snapshot()})
}

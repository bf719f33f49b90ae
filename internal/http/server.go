package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dr1rrb/ha-twinkly/internal/manager"
	"github.com/dr1rrb/ha-twinkly/internal/model"
	"github.com/dr1rrb/ha-twinkly/internal/xled"
)

const (
	requestTimeout   = 20 * time.Second
	discoverTimeout  = 3 * time.Second
	maxDiscoverWait  = 30 * time.Second
	shutdownDeadline = 15 * time.Second
)

// DeviceService is the control surface the API exposes. Reads come from the
// cache; only commands reach the network.
type DeviceService interface {
	Devices() []model.DeviceView
	Device(id string) (model.DeviceView, error)
	SetPower(ctx context.Context, id string, on bool) error
	SetBrightness(ctx context.Context, id string, level int) error
	PollHistory(id string) ([]model.PollResult, error)
	Refresh()
	RefreshDevice(id string) error
}

// Discoverer scans the local network for lights.
type Discoverer func(ctx context.Context, opts xled.DiscoverOptions) ([]xled.DiscoveredDevice, error)

// API groups the HTTP handlers and their dependencies.
type API struct {
	devices  DeviceService
	hub      *Hub
	discover Discoverer
	logger   *slog.Logger
}

func New(devices DeviceService, hub *Hub, logger *slog.Logger) *API {
	return &API{devices: devices, hub: hub, discover: xled.Discover, logger: logger}
}

// Logger returns the request logger used by HTTP middleware.
func (a *API) Logger() *slog.Logger {
	return a.logger
}

// Handler builds the routing tree.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RecoverJSON(a.logger))
	r.Use(StripIngressPrefix)
	r.Use(RequestLogger(a))

	r.Get("/healthz", a.health)
	r.Route("/api", func(api chi.Router) {
		api.Get("/events", a.events)

		api.Group(func(api chi.Router) {
			api.Use(middleware.Timeout(requestTimeout))
			api.Get("/devices", a.listDevices)
			api.Get("/devices/{id}", a.getDevice)
			api.Post("/devices/{id}/power", a.setPower)
			api.Post("/devices/{id}/brightness", a.setBrightness)
			api.Get("/devices/{id}/polls", a.pollHistory)
			api.Post("/devices/{id}/refresh", a.refreshDevice)
			api.Post("/refresh", a.refresh)
			api.Get("/discover", a.discoverDevices)
		})
	})
	return r
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"devices":     len(a.devices.Devices()),
		"subscribers": a.hub.ClientCount(),
	})
}

func (a *API) events(w http.ResponseWriter, r *http.Request) {
	a.hub.ServeHTTP(w, r)
}

func (a *API) listDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": a.devices.Devices()})
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request) {
	view, err := a.devices.Device(chi.URLParam(r, "id"))
	if err != nil {
		a.writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) setPower(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		On *bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.On == nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", `Body must be {"on": true|false}`)
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.devices.SetPower(r.Context(), id, *payload.On); err != nil {
		a.writeDeviceError(w, err)
		return
	}
	view, err := a.devices.Device(id)
	if err != nil {
		a.writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) setBrightness(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Brightness *int `json:"brightness"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Brightness == nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", `Body must be {"brightness": 0..100}`)
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.devices.SetBrightness(r.Context(), id, *payload.Brightness); err != nil {
		a.writeDeviceError(w, err)
		return
	}
	view, err := a.devices.Device(id)
	if err != nil {
		a.writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) pollHistory(w http.ResponseWriter, r *http.Request) {
	history, err := a.devices.PollHistory(chi.URLParam(r, "id"))
	if err != nil {
		a.writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": history})
}

func (a *API) refreshDevice(w http.ResponseWriter, r *http.Request) {
	if err := a.devices.RefreshDevice(chi.URLParam(r, "id")); err != nil {
		a.writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) refresh(w http.ResponseWriter, _ *http.Request) {
	a.devices.Refresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) discoverDevices(w http.ResponseWriter, r *http.Request) {
	timeout := discoverTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 || parsed > maxDiscoverWait {
			writeError(w, http.StatusBadRequest, "invalid_timeout", "timeout must be a duration up to 30s")
			return
		}
		timeout = parsed
	}

	found, err := a.discover(r.Context(), xled.DiscoverOptions{Timeout: timeout})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "discover_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": found})
}

// writeDeviceError maps command failures to transport responses: unknown IDs
// are 404, validation failures 400, device rejections 422 and unreachable
// devices 502.
func (a *API) writeDeviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrUnknownDevice):
		writeError(w, http.StatusNotFound, "not_found", "Device not found")
	case xled.IsValidation(err):
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case xled.IsRejected(err):
		writeError(w, http.StatusUnprocessableEntity, "rejected", err.Error())
	case xled.IsUnreachable(err):
		writeError(w, http.StatusBadGateway, "unreachable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// RunServer starts the server and shuts it down when ctx is cancelled.
func RunServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "err", err)
			return err
		}
		return nil
	}
}

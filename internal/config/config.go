package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dr1rrb/ha-twinkly/internal/model"
)

const (
	defaultHTTPAddr              = ":8099"
	defaultDBPath                = "/data/twinkly.db"
	defaultDevicesPath           = "/data/devices.yaml"
	defaultConfigRefreshInterval = 30 * time.Second
)

// Config stores runtime settings. Service-level settings come from
// environment variables; the device inventory lives in a YAML file that can
// be edited and re-read without a restart.
type Config struct {
	HTTPAddr              string
	DBPath                string
	DevicesPath           string
	ConfigRefreshInterval time.Duration
	LogLevel              slog.Level

	Defaults model.DeviceDefaults
	Devices  []model.DeviceConfig
}

// Load builds Config from environment variables and reads the device
// inventory file. A missing inventory file is not an error: the service
// starts empty and picks the file up once it appears.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:              getenv("HTTP_ADDR", defaultHTTPAddr),
		DBPath:                getenv("DB_PATH", defaultDBPath),
		DevicesPath:           getenv("DEVICES_PATH", defaultDevicesPath),
		ConfigRefreshInterval: parseDuration("CONFIG_REFRESH_INTERVAL", defaultConfigRefreshInterval),
		LogLevel:              parseLogLevel(getenv("LOG_LEVEL", "info")),
		Defaults:              model.DefaultDeviceDefaults(),
	}

	inventory, err := LoadDevices(cfg.DevicesPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, err
	}
	cfg.Defaults = inventory.Defaults.Normalize()
	cfg.Devices = inventory.Normalized()
	return cfg, nil
}

// DBDir returns the target directory for DBPath.
func (c Config) DBDir() string {
	return filepath.Dir(c.DBPath)
}

// Inventory is the device list file.
type Inventory struct {
	Defaults model.DeviceDefaults `yaml:"defaults"`
	Devices  []model.DeviceConfig `yaml:"devices"`
}

// LoadDevices reads and validates the device inventory file.
func LoadDevices(path string) (Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Inventory{}, err
	}
	var inventory Inventory
	if err := yaml.Unmarshal(data, &inventory); err != nil {
		return Inventory{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := inventory.Validate(); err != nil {
		return Inventory{}, fmt.Errorf("invalid %s: %w", path, err)
	}
	return inventory, nil
}

func (i Inventory) Validate() error {
	seen := make(map[string]struct{}, len(i.Devices))
	for idx, device := range i.Devices {
		if err := device.Validate(); err != nil {
			return fmt.Errorf("device %d: %w", idx, err)
		}
		host := strings.TrimSpace(device.Host)
		if _, dup := seen[host]; dup {
			return fmt.Errorf("device %d: duplicate host %q", idx, host)
		}
		seen[host] = struct{}{}
	}
	return nil
}

// Normalized returns the device entries with trimmed hosts and the file
// defaults applied to unset fields.
func (i Inventory) Normalized() []model.DeviceConfig {
	defaults := i.Defaults.Normalize()
	out := make([]model.DeviceConfig, 0, len(i.Devices))
	for _, device := range i.Devices {
		device.Host = strings.TrimSpace(device.Host)
		out = append(out, device.WithDefaults(defaults))
	}
	return out
}

func getenv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

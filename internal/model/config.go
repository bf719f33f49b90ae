package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DeviceDefaults hold service-wide fallbacks applied to device entries that
// leave the matching field unset.
type DeviceDefaults struct {
	PollIntervalSec   int `yaml:"poll_interval_sec" json:"poll_interval_sec"`
	OfflineThreshold  int `yaml:"offline_threshold" json:"offline_threshold"`
	RequestTimeoutSec int `yaml:"request_timeout_sec" json:"request_timeout_sec"`
}

func DefaultDeviceDefaults() DeviceDefaults {
	return DeviceDefaults{
		PollIntervalSec:   30,
		OfflineThreshold:  3,
		RequestTimeoutSec: 10,
	}
}

func (d DeviceDefaults) Normalize() DeviceDefaults {
	defaults := DefaultDeviceDefaults()
	if d.PollIntervalSec <= 0 {
		d.PollIntervalSec = defaults.PollIntervalSec
	}
	if d.OfflineThreshold <= 0 {
		d.OfflineThreshold = defaults.OfflineThreshold
	}
	if d.RequestTimeoutSec <= 0 {
		d.RequestTimeoutSec = defaults.RequestTimeoutSec
	}
	return d
}

// DeviceConfig is one configured light. Host is the only required field; the
// rest fall back to the service defaults.
type DeviceConfig struct {
	Host              string `yaml:"host" json:"host"`
	Name              string `yaml:"name,omitempty" json:"name,omitempty"`
	PollIntervalSec   int    `yaml:"poll_interval_sec,omitempty" json:"poll_interval_sec,omitempty"`
	OfflineThreshold  int    `yaml:"offline_threshold,omitempty" json:"offline_threshold,omitempty"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec,omitempty" json:"request_timeout_sec,omitempty"`
}

func (c DeviceConfig) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("device host must not be empty")
	}
	return nil
}

// WithDefaults fills unset fields from the normalized service defaults.
func (c DeviceConfig) WithDefaults(d DeviceDefaults) DeviceConfig {
	d = d.Normalize()
	if c.PollIntervalSec <= 0 {
		c.PollIntervalSec = d.PollIntervalSec
	}
	if c.OfflineThreshold <= 0 {
		c.OfflineThreshold = d.OfflineThreshold
	}
	if c.RequestTimeoutSec <= 0 {
		c.RequestTimeoutSec = d.RequestTimeoutSec
	}
	return c
}

func (c DeviceConfig) PollInterval() time.Duration {
	interval := time.Duration(c.PollIntervalSec) * time.Second
	if interval < 5*time.Second {
		return 5 * time.Second
	}
	return interval
}

func (c DeviceConfig) FailureThreshold() int {
	if c.OfflineThreshold <= 0 {
		return 3
	}
	return c.OfflineThreshold
}

func (c DeviceConfig) RequestTimeout() time.Duration {
	timeout := time.Duration(c.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		return 10 * time.Second
	}
	return timeout
}

// BaseURL normalizes Host into the device API root. A bare host or host:port
// gets the plain HTTP scheme the lights speak; an explicit scheme is kept.
func (c DeviceConfig) BaseURL() string {
	raw := strings.TrimSpace(c.Host)
	if raw == "" {
		return "http:///xled/v1"
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil || strings.TrimSpace(parsed.Host) == "" {
		host := strings.TrimSpace(c.Host)
		host = strings.TrimPrefix(strings.TrimPrefix(host, "http://"), "https://")
		host = strings.Trim(host, "/")
		return "http://" + host + "/xled/v1"
	}

	scheme := strings.TrimSpace(parsed.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	path := strings.TrimSuffix(strings.TrimSpace(parsed.Path), "/")
	switch {
	case path == "", path == "/":
		path = "/xled/v1"
	case strings.HasSuffix(path, "/xled/v1"):
		// Keep an explicit API path (for example behind a reverse proxy).
	default:
		path = path + "/xled/v1"
	}

	return scheme + "://" + parsed.Host + path
}

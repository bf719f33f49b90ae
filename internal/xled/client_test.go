package xled

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dr1rrb/ha-twinkly/internal/model"
)

type fakeDevice struct {
	mu sync.Mutex

	token       string
	logins      int
	requests    int
	forceExpire bool

	mode                 string
	brightness           int
	dimming              string
	rejectBrightnessCode int

	info map[string]any
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		mode:       ModeMovie,
		brightness: 42,
		dimming:    "enabled",
		info: map[string]any{
			"product_name":  "Twinkly",
			"product_code":  "TWS250STP",
			"uuid":          "00000000-1111-2222-3333-444444444444",
			"mac":           "5C:CF:7F:00:00:01",
			"hw_id":         "002a",
			"device_name":   "Tree",
			"number_of_led": 250,
			"led_profile":   "RGB",
			"code":          1000,
		},
	}
}

func (d *fakeDevice) serve(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(d.handle))
	t.Cleanup(srv.Close)
	return srv
}

func (d *fakeDevice) handle(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests++

	writeBody := func(payload any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	}

	switch r.URL.Path {
	case "/xled/v1/login":
		d.logins++
		d.token = fmt.Sprintf("token-%d", d.logins)
		writeBody(map[string]any{
			"authentication_token":            d.token,
			"authentication_token_expires_in": 14400,
			"challenge-response":              "challenge-response-bytes",
			"code":                            1000,
		})
		return
	case "/xled/v1/gestalt":
		writeBody(d.info)
		return
	}

	if d.forceExpire {
		d.forceExpire = false
		d.token = ""
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if d.token == "" || r.Header.Get("X-Auth-Token") != d.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch r.URL.Path {
	case "/xled/v1/verify":
		writeBody(map[string]any{"code": 1000})
	case "/xled/v1/led/mode":
		if r.Method == http.MethodPost {
			var req struct {
				Mode string `json:"mode"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			d.mode = req.Mode
			writeBody(map[string]any{"code": 1000})
			return
		}
		writeBody(map[string]any{"mode": d.mode, "code": 1000})
	case "/xled/v1/led/out/brightness":
		if r.Method == http.MethodPost {
			if d.rejectBrightnessCode != 0 {
				writeBody(map[string]any{"code": d.rejectBrightnessCode})
				return
			}
			var req struct {
				Value int    `json:"value"`
				Type  string `json:"type"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			d.brightness = req.Value
			d.dimming = "enabled"
			writeBody(map[string]any{"code": 1000})
			return
		}
		writeBody(map[string]any{"value": d.brightness, "mode": d.dimming, "code": 1000})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func testClient(srv *httptest.Server) *Client {
	cfg := model.DeviceConfig{Host: srv.Listener.Addr().String(), RequestTimeoutSec: 2}
	return NewClient(cfg)
}

func TestStateReadsModeAndBrightness(t *testing.T) {
	device := newFakeDevice()
	srv := device.serve(t)
	client := testClient(srv)

	state, err := client.State(context.Background())
	if err != nil {
		t.Fatalf("State returned error: %v", err)
	}
	if !state.On {
		t.Fatalf("expected light on for mode %q", ModeMovie)
	}
	if state.Brightness != 42 {
		t.Fatalf("Brightness = %d, want 42", state.Brightness)
	}

	if _, err := client.State(context.Background()); err != nil {
		t.Fatalf("second State returned error: %v", err)
	}

	device.mu.Lock()
	defer device.mu.Unlock()
	if device.logins != 1 {
		t.Fatalf("expected session reuse with 1 login, got %d", device.logins)
	}
}

func TestStateDisabledDimmingReadsFullBrightness(t *testing.T) {
	device := newFakeDevice()
	device.dimming = "disabled"
	device.brightness = 13
	srv := device.serve(t)

	state, err := testClient(srv).State(context.Background())
	if err != nil {
		t.Fatalf("State returned error: %v", err)
	}
	if state.Brightness != 100 {
		t.Fatalf("Brightness = %d, want 100 when dimming is disabled", state.Brightness)
	}
}

func TestStateMissingModeIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xled/v1/login":
			_ = json.NewEncoder(w).Encode(map[string]any{"authentication_token": "t", "challenge-response": "r", "code": 1000})
		case "/xled/v1/verify":
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 1000})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 1000})
		}
	}))
	defer srv.Close()

	_, err := testClient(srv).State(context.Background())
	if !IsProtocol(err) {
		t.Fatalf("expected protocol error for missing mode, got %v", err)
	}
}

func TestSendReauthenticatesOnceOnExpiredToken(t *testing.T) {
	device := newFakeDevice()
	srv := device.serve(t)
	client := testClient(srv)

	if _, err := client.State(context.Background()); err != nil {
		t.Fatalf("priming State returned error: %v", err)
	}

	device.mu.Lock()
	device.forceExpire = true
	device.mu.Unlock()

	state, err := client.State(context.Background())
	if err != nil {
		t.Fatalf("State after token expiry returned error: %v", err)
	}
	if !state.On {
		t.Fatalf("expected light on after re-authentication")
	}

	device.mu.Lock()
	defer device.mu.Unlock()
	if device.logins != 2 {
		t.Fatalf("expected exactly one re-login, got %d logins", device.logins)
	}
}

func TestSetPowerWritesMode(t *testing.T) {
	device := newFakeDevice()
	srv := device.serve(t)
	client := testClient(srv)

	if err := client.SetPower(context.Background(), false); err != nil {
		t.Fatalf("SetPower(off) returned error: %v", err)
	}
	device.mu.Lock()
	mode := device.mode
	device.mu.Unlock()
	if mode != ModeOff {
		t.Fatalf("device mode = %q, want %q", mode, ModeOff)
	}

	if err := client.SetPower(context.Background(), true); err != nil {
		t.Fatalf("SetPower(on) returned error: %v", err)
	}
	device.mu.Lock()
	mode = device.mode
	device.mu.Unlock()
	if mode != ModeMovie {
		t.Fatalf("device mode = %q, want %q", mode, ModeMovie)
	}
}

func TestSetBrightnessValidatesBeforeNetwork(t *testing.T) {
	client := NewClient(model.DeviceConfig{Host: "127.0.0.1:1", RequestTimeoutSec: 1})

	for _, level := range []int{-1, 101} {
		err := client.SetBrightness(context.Background(), level)
		if !IsValidation(err) {
			t.Fatalf("SetBrightness(%d) = %v, want validation error", level, err)
		}
	}
}

func TestSetBrightnessRejectedByDevice(t *testing.T) {
	device := newFakeDevice()
	device.rejectBrightnessCode = 1103
	srv := device.serve(t)

	err := testClient(srv).SetBrightness(context.Background(), 50)
	if !IsRejected(err) {
		t.Fatalf("expected rejected error, got %v", err)
	}
	if Kind(err) != KindRejected {
		t.Fatalf("Kind = %q, want %q", Kind(err), KindRejected)
	}
}

func TestUnreachableDeviceClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.Listener.Addr().String()
	srv.Close()

	client := NewClient(model.DeviceConfig{Host: addr, RequestTimeoutSec: 1})
	_, err := client.State(context.Background())
	if !IsUnreachable(err) {
		t.Fatalf("expected unreachable error, got %v", err)
	}
	if Kind(err) != KindUnreachable {
		t.Fatalf("Kind = %q, want %q", Kind(err), KindUnreachable)
	}
}

func TestDeviceInfoFetchesDescriptor(t *testing.T) {
	device := newFakeDevice()
	srv := device.serve(t)

	info, err := testClient(srv).DeviceInfo(context.Background())
	if err != nil {
		t.Fatalf("DeviceInfo returned error: %v", err)
	}
	if info.DeviceName != "Tree" {
		t.Fatalf("DeviceName = %q, want %q", info.DeviceName, "Tree")
	}
	if info.LEDCount != 250 {
		t.Fatalf("LEDCount = %d, want 250", info.LEDCount)
	}

	device.mu.Lock()
	defer device.mu.Unlock()
	if device.logins != 0 {
		t.Fatalf("descriptor fetch must not authenticate, got %d logins", device.logins)
	}
}

func TestDeviceInfoUniqueID(t *testing.T) {
	tests := []struct {
		name string
		info DeviceInfo
		want string
	}{
		{name: "uuid preferred", info: DeviceInfo{UUID: "u", MAC: "m", HardwareID: "h"}, want: "u"},
		{name: "mac when uuid missing", info: DeviceInfo{MAC: "m", HardwareID: "h"}, want: "m"},
		{name: "hardware id last", info: DeviceInfo{HardwareID: "h"}, want: "h"},
		{name: "nothing reported", info: DeviceInfo{}, want: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.UniqueID(); got != tt.want {
				t.Fatalf("UniqueID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDiscoverParsesAnswers(t *testing.T) {
	responder, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen responder: %v", err)
	}
	defer responder.Close()

	go func() {
		buf := make([]byte, 64)
		n, from, err := responder.ReadFrom(buf)
		if err != nil || string(buf[:n]) != string(discoverProbe) {
			return
		}
		// 10.0.0.7 in reverse octet order, then OK and the name.
		answer := append([]byte{7, 0, 0, 10, 'O', 'K'}, []byte("Tree\x00")...)
		_, _ = responder.WriteTo(answer, from)
	}()

	devices, err := Discover(context.Background(), DiscoverOptions{
		Addr:    responder.LocalAddr().String(),
		Timeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	if devices[0].IP != "10.0.0.7" || devices[0].Name != "Tree" {
		t.Fatalf("unexpected answer: %+v", devices[0])
	}
}

func TestParseDiscoverAnswerRejectsGarbage(t *testing.T) {
	if _, ok := parseDiscoverAnswer([]byte("nope"), nil); ok {
		t.Fatalf("short payload must not parse")
	}
	if _, ok := parseDiscoverAnswer([]byte{1, 2, 3, 4, 'N', 'O', 'x'}, nil); ok {
		t.Fatalf("payload without OK marker must not parse")
	}
}

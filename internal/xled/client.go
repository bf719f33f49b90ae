package xled

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dr1rrb/ha-twinkly/internal/model"
)

const (
	defaultTimeout = 10 * time.Second

	authHeader = "X-Auth-Token"

	epLogin      = "login"
	epVerify     = "verify"
	epDeviceInfo = "gestalt"
	epMode       = "led/mode"
	epBrightness = "led/out/brightness"
)

var errUnauthorized = errors.New("authentication token expired")

// Client talks to a single light over its HTTP API. It owns the
// challenge/response session token and re-authenticates transparently once
// when the device expires it mid-session.
type Client struct {
	cfg        model.DeviceConfig
	base       string
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

func NewClient(cfg model.DeviceConfig) *Client {
	return NewClientWithHTTPClient(cfg, nil)
}

func NewClientWithHTTPClient(cfg model.DeviceConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.RequestTimeout()
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		cfg:        cfg,
		base:       strings.TrimSuffix(cfg.BaseURL(), "/"),
		httpClient: httpClient,
	}
}

func (c *Client) Host() string { return c.cfg.Host }

// DeviceInfo fetches the device descriptor. The endpoint is open, no session
// is required.
func (c *Client) DeviceInfo(ctx context.Context) (DeviceInfo, error) {
	var info DeviceInfo
	if err := c.do(ctx, http.MethodGet, epDeviceInfo, nil, &info, ""); err != nil {
		return DeviceInfo{}, err
	}
	return info, nil
}

// State reads the current power mode and brightness.
func (c *Client) State(ctx context.Context) (State, error) {
	var mode modeResponse
	if err := c.send(ctx, http.MethodGet, epMode, nil, &mode); err != nil {
		return State{}, err
	}
	if strings.TrimSpace(mode.Mode) == "" {
		return State{}, &ProtocolError{Host: c.cfg.Host, Op: epMode, Reason: "missing mode field"}
	}

	var brightness brightnessResponse
	if err := c.send(ctx, http.MethodGet, epBrightness, nil, &brightness); err != nil {
		return State{}, err
	}

	level := brightness.Value
	if !strings.EqualFold(brightness.Mode, "enabled") {
		// Dimming disabled means the light runs at full brightness.
		level = 100
	}
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}

	return State{
		On:         !strings.EqualFold(mode.Mode, ModeOff),
		Brightness: level,
	}, nil
}

// SetPower switches the light on or off. Powering on restores the last
// running movie.
func (c *Client) SetPower(ctx context.Context, on bool) error {
	mode := ModeOff
	if on {
		mode = ModeMovie
	}
	var status statusResponse
	return c.send(ctx, http.MethodPost, epMode, modeRequest{Mode: mode}, &status)
}

// SetBrightness sets the brightness percentage. The value is validated
// locally so an out-of-range request never reaches the device.
func (c *Client) SetBrightness(ctx context.Context, level int) error {
	if level < 0 || level > 100 {
		return &ValidationError{Field: "brightness", Reason: "must be between 0 and 100"}
	}
	var status statusResponse
	return c.send(ctx, http.MethodPost, epBrightness, brightnessRequest{Value: level, Type: "A"}, &status)
}

// send performs an authenticated exchange. On a token expiry it drops the
// session, authenticates again and retries the request exactly once.
func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	err = c.do(ctx, method, endpoint, payload, out, token)
	if !errors.Is(err, errUnauthorized) {
		return err
	}

	c.invalidateToken(token)
	token, err = c.ensureToken(ctx)
	if err != nil {
		return err
	}
	err = c.do(ctx, method, endpoint, payload, out, token)
	if errors.Is(err, errUnauthorized) {
		return &ProtocolError{Host: c.cfg.Host, Op: endpoint, Reason: "request unauthorized after re-authentication"}
	}
	return err
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}

	token, err := c.authenticate(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return token, nil
}

func (c *Client) invalidateToken(stale string) {
	c.mu.Lock()
	if c.token == stale {
		c.token = ""
	}
	c.mu.Unlock()
}

// authenticate runs the challenge/response login and verifies the issued
// token, as required before the device accepts it on other endpoints.
func (c *Client) authenticate(ctx context.Context) (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("generate login challenge: %w", err)
	}

	var login loginResponse
	payload := loginRequest{Challenge: base64.StdEncoding.EncodeToString(challenge)}
	if err := c.do(ctx, http.MethodPost, epLogin, payload, &login, ""); err != nil {
		return "", err
	}
	if strings.TrimSpace(login.AuthenticationToken) == "" {
		return "", &ProtocolError{Host: c.cfg.Host, Op: epLogin, Reason: "empty authentication token"}
	}

	var verify statusResponse
	verifyPayload := verifyRequest{ChallengeResponse: login.ChallengeResponse}
	if err := c.do(ctx, http.MethodPost, epVerify, verifyPayload, &verify, login.AuthenticationToken); err != nil {
		return "", err
	}
	return login.AuthenticationToken, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any, token string) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", endpoint, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+"/"+endpoint, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(authHeader, token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &UnreachableError{Host: c.cfg.Host, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", endpoint, errUnauthorized)
	case resp.StatusCode >= 500:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &ProtocolError{
			Host:   c.cfg.Host,
			Op:     endpoint,
			Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))),
		}
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &RejectedError{
			Host:    c.cfg.Host,
			Op:      endpoint,
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(string(detail)),
		}
	}

	if out == nil {
		out = &statusResponse{}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProtocolError{Host: c.cfg.Host, Op: endpoint, Reason: "malformed response body", Err: err}
	}

	if rc, ok := out.(coder); ok {
		// Older firmware omits the code on some reads; absence counts as OK.
		if code := rc.appCode(); code != 0 && code != codeOK {
			if method == http.MethodPost {
				return &RejectedError{Host: c.cfg.Host, Op: endpoint, Status: resp.StatusCode, Code: code}
			}
			return &ProtocolError{Host: c.cfg.Host, Op: endpoint, Reason: fmt.Sprintf("unexpected application code %d", code)}
		}
	}
	return nil
}

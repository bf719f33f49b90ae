package xled

import "strings"

// Application-level status codes returned in response bodies.
const codeOK = 1000

// LED operation modes relevant to power control. Anything other than "off"
// counts as powered on.
const (
	ModeOff   = "off"
	ModeMovie = "movie"
)

type wireStatus struct {
	Code int `json:"code"`
}

func (s wireStatus) appCode() int { return s.Code }

type coder interface {
	appCode() int
}

// DeviceInfo is the device descriptor returned by the gestalt endpoint.
type DeviceInfo struct {
	wireStatus

	ProductName     string `json:"product_name"`
	ProductCode     string `json:"product_code"`
	HardwareVersion string `json:"hardware_version"`
	HardwareID      string `json:"hw_id"`
	MAC             string `json:"mac"`
	UUID            string `json:"uuid"`
	DeviceName      string `json:"device_name"`
	LEDCount        int    `json:"number_of_led"`
	LEDProfile      string `json:"led_profile"`
	Copyright       string `json:"copyright"`
}

// UniqueID returns the most stable hardware identifier the device reports.
// Firmware generations differ in which fields they populate.
func (d DeviceInfo) UniqueID() string {
	for _, candidate := range []string{d.UUID, d.MAC, d.HardwareID} {
		if v := strings.TrimSpace(candidate); v != "" {
			return v
		}
	}
	return ""
}

// State is the controllable state read from a device.
type State struct {
	On         bool
	Brightness int
}

type loginRequest struct {
	Challenge string `json:"challenge"`
}

type loginResponse struct {
	wireStatus

	AuthenticationToken string `json:"authentication_token"`
	ExpiresIn           int    `json:"authentication_token_expires_in"`
	ChallengeResponse   string `json:"challenge-response"`
}

type verifyRequest struct {
	ChallengeResponse string `json:"challenge-response"`
}

type statusResponse struct {
	wireStatus
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type modeResponse struct {
	wireStatus

	Mode string `json:"mode"`
}

type brightnessRequest struct {
	Value int    `json:"value"`
	Type  string `json:"type"`
}

type brightnessResponse struct {
	wireStatus

	Value int    `json:"value"`
	Mode  string `json:"mode"`
}

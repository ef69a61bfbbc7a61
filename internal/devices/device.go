// Package devices models the devices that share a network and resolves the
// identity this device uses for the length of a session.
package devices

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type is the form factor a device reports to its peers.
type Type string

const (
	TypeMobile   Type = "mobile"
	TypeTablet   Type = "tablet"
	TypeDesktop  Type = "desktop"
	TypeSmartTV  Type = "smarttv"
	TypeWearable Type = "wearable"
	TypeConsole  Type = "console"
	TypeUnknown  Type = "unknown"
)

var knownTypes = map[Type]struct{}{
	TypeMobile:   {},
	TypeTablet:   {},
	TypeDesktop:  {},
	TypeSmartTV:  {},
	TypeWearable: {},
	TypeConsole:  {},
	TypeUnknown:  {},
}

// ErrMalformedDevice indicates a device payload without a usable name.
var ErrMalformedDevice = errors.New("devices: malformed device")

// ParseType maps a reported type onto the closed set, defaulting to TypeUnknown.
func ParseType(value string) Type {
	candidate := Type(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := knownTypes[candidate]; ok {
		return candidate
	}
	return TypeUnknown
}

// Device is the identity a browser session or agent presents to its network.
type Device struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Validate reports whether the device carries a non-blank name.
func (d Device) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name required", ErrMalformedDevice)
	}
	return nil
}

// Encode renders the device as the JSON document carried in auth requests.
func (d Device) Encode() string {
	encoded, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// ParseDevice decodes a JSON encoded device claim.
func ParseDevice(raw string) (Device, error) {
	var payload struct {
		Name *string `json:"name"`
		Type *string `json:"type"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Device{}, fmt.Errorf("%w: %v", ErrMalformedDevice, err)
	}
	if payload.Name == nil {
		return Device{}, fmt.Errorf("%w: name required", ErrMalformedDevice)
	}
	device := Device{Name: strings.TrimSpace(*payload.Name), Type: TypeUnknown}
	if payload.Type != nil {
		device.Type = ParseType(*payload.Type)
	}
	if err := device.Validate(); err != nil {
		return Device{}, err
	}
	return device, nil
}

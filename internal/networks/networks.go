// Package networks derives network identifiers and decides whether a new
// device may join a network.
package networks

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/MarcoPoloResearchLab/clipnet/internal/channels"
	"github.com/teris-io/shortid"
)

// DefaultMaxDevices is the roster size at which a network stops admitting devices.
const DefaultMaxDevices = 100

const (
	ipPrefix   = "ip-"
	linkPrefix = "link-"
)

var (
	// ErrCapacityExceeded indicates the network roster is full.
	ErrCapacityExceeded = errors.New("networks: network is full")
	// ErrMissingAddress indicates no client address was available to derive a network.
	ErrMissingAddress = errors.New("networks: client address required")
	// ErrInvalidNetworkID indicates a blank or unsafe link network identifier.
	ErrInvalidNetworkID = errors.New("networks: invalid network id")

	errMissingRosterSource = errors.New("networks: roster source required")
)

// FromIP returns the network identifier shared by every device behind ip.
func FromIP(ip string) (string, error) {
	trimmed := strings.TrimSpace(ip)
	if trimmed == "" {
		return "", ErrMissingAddress
	}
	if parsed := net.ParseIP(trimmed); parsed != nil {
		trimmed = parsed.String()
	}
	return ipPrefix + base64.RawURLEncoding.EncodeToString([]byte(trimmed)), nil
}

// IsIPNetwork reports whether networkID was derived from an address. Such a
// network belongs only to callers behind that address.
func IsIPNetwork(networkID string) bool {
	return strings.HasPrefix(networkID, ipPrefix)
}

// NewLinkID returns a random identifier for a network shared by link.
func NewLinkID() (string, error) {
	id, err := shortid.Generate()
	if err != nil {
		return "", err
	}
	return linkPrefix + id, nil
}

// ValidateID checks that a declared network identifier is usable in channel names.
func ValidateID(networkID string) error {
	if networkID == "" || strings.TrimSpace(networkID) != networkID {
		return ErrInvalidNetworkID
	}
	for _, r := range networkID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidNetworkID, r)
		}
	}
	return nil
}

// RosterSource lists the member identifiers currently present on a channel.
type RosterSource interface {
	MemberIDs(ctx context.Context, channel string) ([]string, error)
}

// AdmissionConfig configures an Admission.
type AdmissionConfig struct {
	Roster     RosterSource
	MaxDevices int
}

// Admission enforces the network capacity ceiling before any subscription.
type Admission struct {
	roster     RosterSource
	maxDevices int
}

// NewAdmission constructs an Admission.
func NewAdmission(cfg AdmissionConfig) (*Admission, error) {
	if cfg.Roster == nil {
		return nil, errMissingRosterSource
	}
	maxDevices := cfg.MaxDevices
	if maxDevices <= 0 {
		maxDevices = DefaultMaxDevices
	}
	return &Admission{roster: cfg.Roster, maxDevices: maxDevices}, nil
}

// MaxDevices reports the configured ceiling.
func (a *Admission) MaxDevices() int {
	return a.maxDevices
}

// Check returns the names currently present in the network, or
// ErrCapacityExceeded when one more device would break the ceiling.
func (a *Admission) Check(ctx context.Context, networkID string) ([]string, error) {
	if err := ValidateID(networkID); err != nil {
		return nil, err
	}
	members, err := a.roster.MemberIDs(ctx, channels.PresenceChannelName(networkID))
	if err != nil {
		return nil, fmt.Errorf("networks: roster query failed: %w", err)
	}
	if len(members) >= a.maxDevices {
		return nil, ErrCapacityExceeded
	}
	return members, nil
}

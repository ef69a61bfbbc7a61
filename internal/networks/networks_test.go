package networks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/clipnet/internal/channels"
)

type stubRoster struct {
	members   map[string][]string
	err       error
	requested []string
}

func (s *stubRoster) MemberIDs(_ context.Context, channel string) ([]string, error) {
	s.requested = append(s.requested, channel)
	if s.err != nil {
		return nil, s.err
	}
	return append([]string(nil), s.members[channel]...), nil
}

func TestFromIPIsDeterministicAndDistinct(t *testing.T) {
	first, err := FromIP("203.0.113.7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	again, _ := FromIP(" 203.0.113.7 ")
	other, _ := FromIP("203.0.113.8")
	if first != again {
		t.Fatalf("expected stable id, got %q and %q", first, again)
	}
	if first == other {
		t.Fatalf("expected distinct ids for distinct addresses")
	}
	if err := ValidateID(first); err != nil {
		t.Fatalf("derived id must be channel safe: %v", err)
	}

	v6, err := FromIP("2001:db8::1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateID(v6); err != nil {
		t.Fatalf("derived ipv6 id must be channel safe: %v", err)
	}
}

func TestNetworkKindsAreDistinguishable(t *testing.T) {
	address, err := FromIP("203.0.113.7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	link, err := NewLinkID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsIPNetwork(address) {
		t.Fatalf("expected %q to be an address network", address)
	}
	if IsIPNetwork(link) || !strings.HasPrefix(link, linkPrefix) {
		t.Fatalf("expected %q to be a link network", link)
	}
}

func TestFromIPRequiresAddress(t *testing.T) {
	if _, err := FromIP("  "); !errors.Is(err, ErrMissingAddress) {
		t.Fatalf("expected missing address error, got %v", err)
	}
}

func TestNewLinkIDIsValid(t *testing.T) {
	id, err := NewLinkID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateID(id); err != nil {
		t.Fatalf("link id %q must be valid: %v", id, err)
	}
}

func TestValidateIDRejectsUnsafeIdentifiers(t *testing.T) {
	for _, id := range []string{"", " abc", "a/b", "a b", "net.work"} {
		if err := ValidateID(id); !errors.Is(err, ErrInvalidNetworkID) {
			t.Fatalf("expected invalid id error for %q, got %v", id, err)
		}
	}
}

func TestAdmissionRefusesFullNetwork(t *testing.T) {
	members := make([]string, 0, DefaultMaxDevices)
	for i := 0; i < DefaultMaxDevices; i++ {
		members = append(members, fmt.Sprintf("Device %d", i))
	}
	roster := &stubRoster{members: map[string][]string{channels.PresenceChannelName("lan"): members}}
	admission, err := NewAdmission(AdmissionConfig{Roster: roster})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	if _, err := admission.Check(context.Background(), "lan"); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if len(roster.members[channels.PresenceChannelName("lan")]) != DefaultMaxDevices {
		t.Fatalf("roster must not be mutated by a refused join")
	}
}

func TestAdmissionReturnsKnownNames(t *testing.T) {
	roster := &stubRoster{members: map[string][]string{channels.PresenceChannelName("lan"): {"Red Fox", "Blue Owl"}}}
	admission, err := NewAdmission(AdmissionConfig{Roster: roster, MaxDevices: 3})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	names, err := admission.Check(context.Background(), "lan")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %v", names)
	}
	if roster.requested[0] != channels.PresenceChannelName("lan") {
		t.Fatalf("expected presence channel query, got %s", roster.requested[0])
	}
}

func TestAdmissionPropagatesRosterFailure(t *testing.T) {
	failure := errors.New("transport offline")
	admission, err := NewAdmission(AdmissionConfig{Roster: &stubRoster{err: failure}})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := admission.Check(context.Background(), "lan"); !errors.Is(err, failure) {
		t.Fatalf("expected wrapped roster failure, got %v", err)
	}
}

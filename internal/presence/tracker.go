// Package presence keeps the local view of which devices share a network.
package presence

import (
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/clipnet/internal/devices"
	"github.com/MarcoPoloResearchLab/clipnet/internal/realtime"
)

// State is the lifecycle position of a Tracker.
type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateSubscribed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition is returned when a lifecycle step does not apply to the current state.
var ErrInvalidTransition = errors.New("presence: invalid state transition")

// Tracker maintains the roster of peers seen on a presence channel.
// It is owned by a single session goroutine and is not safe for concurrent use.
type Tracker struct {
	self   string
	state  State
	reason string
	roster map[string]devices.Device
}

// NewTracker returns an idle tracker for self.
func NewTracker(self devices.Device) *Tracker {
	return &Tracker{
		self:   self.Name,
		state:  StateIdle,
		roster: make(map[string]devices.Device),
	}
}

// Begin moves an idle tracker to StateSubscribing.
func (t *Tracker) Begin() error {
	if t.state != StateIdle {
		return fmt.Errorf("%w: begin from %s", ErrInvalidTransition, t.state)
	}
	t.state = StateSubscribing
	return nil
}

// Subscribed seeds the roster from the subscription snapshot.
func (t *Tracker) Subscribed(members []realtime.Member) error {
	if t.state != StateSubscribing {
		return fmt.Errorf("%w: subscribed from %s", ErrInvalidTransition, t.state)
	}
	for _, member := range members {
		t.add(member)
	}
	t.state = StateSubscribed
	return nil
}

// Fail records a terminal subscription failure.
func (t *Tracker) Fail(reason string) {
	t.state = StateError
	t.reason = reason
}

// Apply folds a presence event into the roster and reports whether the roster changed.
func (t *Tracker) Apply(event realtime.Event) bool {
	if t.state != StateSubscribed || event.Member == nil {
		return false
	}
	switch event.Name {
	case realtime.EventMemberAdded:
		return t.add(*event.Member)
	case realtime.EventMemberRemoved:
		if _, ok := t.roster[event.Member.ID]; !ok {
			return false
		}
		delete(t.roster, event.Member.ID)
		return true
	default:
		return false
	}
}

func (t *Tracker) add(member realtime.Member) bool {
	if member.ID == "" || member.ID == t.self {
		return false
	}
	device := devices.Device{Name: member.ID, Type: devices.ParseType(member.Info.Type)}
	if existing, ok := t.roster[member.ID]; ok && existing == device {
		return false
	}
	t.roster[member.ID] = device
	return true
}

// State returns the current lifecycle state.
func (t *Tracker) State() State {
	return t.state
}

// Reason returns the failure reason once the tracker is in StateError.
func (t *Tracker) Reason() string {
	return t.reason
}

// Lookup returns the peer called name.
func (t *Tracker) Lookup(name string) (devices.Device, bool) {
	device, ok := t.roster[name]
	return device, ok
}

// Devices returns the roster sorted by name.
func (t *Tracker) Devices() []devices.Device {
	result := make([]devices.Device, 0, len(t.roster))
	for _, device := range t.roster {
		result = append(result, device)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

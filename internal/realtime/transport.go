// Package realtime implements the publish/subscribe transport with presence
// semantics that devices use to discover each other and receive shares.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

const (
	// EventMemberAdded is emitted on a presence channel when a member joins.
	EventMemberAdded = "realtime:member_added"
	// EventMemberRemoved is emitted on a presence channel when a member leaves.
	EventMemberRemoved = "realtime:member_removed"

	reservedEventPrefix = "realtime:"
)

var (
	// ErrSubscriptionRejected indicates the transport refused a grant.
	ErrSubscriptionRejected = errors.New("realtime: subscription rejected")
	// ErrAlreadySubscribed indicates a second subscription to the same channel on one connection.
	ErrAlreadySubscribed = errors.New("realtime: already subscribed")
	// ErrConnectionClosed indicates the connection was torn down.
	ErrConnectionClosed = errors.New("realtime: connection closed")
	// ErrInvalidPublish indicates a publish without channel or event name, or with a reserved name.
	ErrInvalidPublish = errors.New("realtime: invalid publish")
	// ErrNotPresenceChannel indicates a roster query against a non presence channel.
	ErrNotPresenceChannel = errors.New("realtime: not a presence channel")
)

// MemberInfo is the metadata published with a presence member.
type MemberInfo struct {
	Type string `json:"type"`
}

// Member is one entry of a presence channel roster.
type Member struct {
	ID   string     `json:"id"`
	Info MemberInfo `json:"info"`
}

// Event is delivered to subscribers of a channel. Member is set for the
// presence membership events.
type Event struct {
	Channel string
	Name    string
	Data    json.RawMessage
	Member  *Member
}

// Subscription is a scoped handle on one channel. Close releases it and
// closes Events.
type Subscription interface {
	Channel() string
	// Members is the roster snapshot taken atomically with the subscription.
	Members() []Member
	Events() <-chan Event
	Close() error
}

// Connection is a device's link to the transport.
type Connection interface {
	SocketID() string
	Subscribe(ctx context.Context, channel, grant string) (Subscription, error)
	Close() error
}

// Publisher is the server side of the transport.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload json.RawMessage) error
	MemberIDs(ctx context.Context, channel string) ([]string, error)
}

// IsMembershipEvent reports whether name announces a presence roster change.
func IsMembershipEvent(name string) bool {
	return name == EventMemberAdded || name == EventMemberRemoved
}

// IsReservedEvent reports whether name belongs to the transport itself.
func IsReservedEvent(name string) bool {
	return strings.HasPrefix(name, reservedEventPrefix)
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/clipnet/internal/auth"
	"github.com/MarcoPoloResearchLab/clipnet/internal/channels"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultBufferSize = 32

var errMissingGrantVerifier = errors.New("realtime: grant verifier required")

// GrantVerifier checks that a grant was minted for this socket and channel.
type GrantVerifier interface {
	VerifyGrant(token, socketID, channel string) (auth.GrantClaims, error)
}

// Recorder observes hub activity.
type Recorder interface {
	SubscriptionOpened(kind channels.Kind)
	SubscriptionClosed(kind channels.Kind)
	EventPublished(event string, subscribers int)
	EventDropped(event string)
}

// HubConfig configures a Hub.
type HubConfig struct {
	Verifier   GrantVerifier
	Recorder   Recorder
	Logger     *zap.Logger
	BufferSize int
}

// Hub is an in-process transport. It is safe for concurrent use.
type Hub struct {
	verifier   GrantVerifier
	recorder   Recorder
	logger     *zap.Logger
	bufferSize int

	mu       sync.Mutex
	channels map[string]*channelState
}

type channelState struct {
	kind        channels.Kind
	subscribers map[string]*hubSubscription
	members     map[string]*presenceMember
}

type presenceMember struct {
	member  Member
	sockets map[string]struct{}
}

// NewHub constructs a Hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Verifier == nil {
		return nil, errMissingGrantVerifier
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		verifier:   cfg.Verifier,
		recorder:   cfg.Recorder,
		logger:     logger,
		bufferSize: bufferSize,
		channels:   make(map[string]*channelState),
	}, nil
}

// Connect opens a connection with a fresh socket id. The connection is
// closed when ctx is done or Close is called.
func (h *Hub) Connect(ctx context.Context) (*HubConnection, error) {
	socketID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	conn := &HubConnection{
		hub:           h,
		socketID:      socketID.String(),
		subscriptions: make(map[string]*hubSubscription),
	}
	conn.stop = context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	return conn, nil
}

// Publish delivers an event to every current subscriber of channel. A
// subscriber whose buffer is full misses the event.
func (h *Hub) Publish(_ context.Context, channel, event string, payload json.RawMessage) error {
	if channel == "" || event == "" || IsReservedEvent(event) {
		return fmt.Errorf("%w: channel %q event %q", ErrInvalidPublish, channel, event)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	state := h.channels[channel]
	delivered := 0
	if state != nil {
		message := Event{Channel: channel, Name: event, Data: append(json.RawMessage(nil), payload...)}
		delivered = h.broadcastLocked(state, message, "")
	}
	if h.recorder != nil {
		h.recorder.EventPublished(event, delivered)
	}
	return nil
}

// MemberIDs returns the sorted member ids of a presence channel.
func (h *Hub) MemberIDs(_ context.Context, channel string) ([]string, error) {
	if channels.KindOf(channel) != channels.KindPresence {
		return nil, ErrNotPresenceChannel
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	state := h.channels[channel]
	if state == nil {
		return []string{}, nil
	}
	ids := make([]string, 0, len(state.members))
	for id := range state.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (h *Hub) subscribe(conn *HubConnection, channel, grant string) (*hubSubscription, error) {
	claims, err := h.verifier.VerifyGrant(grant, conn.socketID, channel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubscriptionRejected, err)
	}
	kind := channels.KindOf(channel)
	if kind == channels.KindPresence && (claims.Presence == nil || claims.Presence.UserID == "") {
		return nil, fmt.Errorf("%w: presence grant without member data", ErrSubscriptionRejected)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	state := h.channels[channel]
	if state == nil {
		state = &channelState{
			kind:        kind,
			subscribers: make(map[string]*hubSubscription),
			members:     make(map[string]*presenceMember),
		}
		h.channels[channel] = state
	}
	if _, exists := state.subscribers[conn.socketID]; exists {
		return nil, ErrAlreadySubscribed
	}

	subscription := &hubSubscription{
		hub:     h,
		conn:    conn,
		channel: channel,
		kind:    kind,
		stream:  make(chan Event, h.bufferSize),
	}

	if kind == channels.KindPresence {
		subscription.memberID = claims.Presence.UserID
		entry, known := state.members[subscription.memberID]
		if !known {
			entry = &presenceMember{
				member: Member{
					ID:   claims.Presence.UserID,
					Info: MemberInfo{Type: claims.Presence.UserInfo.Type},
				},
				sockets: make(map[string]struct{}),
			}
			state.members[subscription.memberID] = entry
		}
		entry.sockets[conn.socketID] = struct{}{}
		subscription.snapshot = snapshotMembers(state)
		if !known {
			member := entry.member
			h.broadcastLocked(state, Event{Channel: channel, Name: EventMemberAdded, Member: &member}, "")
		}
	}
	state.subscribers[conn.socketID] = subscription

	if h.recorder != nil {
		h.recorder.SubscriptionOpened(kind)
	}
	h.logger.Debug("subscription opened", zap.String("channel", channel), zap.String("socket_id", conn.socketID))
	return subscription, nil
}

func (h *Hub) unsubscribe(subscription *hubSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(subscription)
}

// detachLocked removes subscription from its channel and closes its stream.
// It runs once per subscription, whether the owner closed it or the hub
// evicted it.
func (h *Hub) detachLocked(subscription *hubSubscription) {
	if subscription.detached {
		return
	}
	subscription.detached = true

	state := h.channels[subscription.channel]
	if state != nil && state.subscribers[subscription.conn.socketID] == subscription {
		delete(state.subscribers, subscription.conn.socketID)
		if subscription.memberID != "" {
			if entry := state.members[subscription.memberID]; entry != nil {
				delete(entry.sockets, subscription.conn.socketID)
				if len(entry.sockets) == 0 {
					delete(state.members, subscription.memberID)
					member := entry.member
					h.broadcastLocked(state, Event{Channel: subscription.channel, Name: EventMemberRemoved, Member: &member}, "")
				}
			}
		}
		if len(state.subscribers) == 0 && len(state.members) == 0 {
			delete(h.channels, subscription.channel)
		}
	}
	close(subscription.stream)

	if h.recorder != nil {
		h.recorder.SubscriptionClosed(subscription.kind)
	}
	h.logger.Debug("subscription closed", zap.String("channel", subscription.channel), zap.String("socket_id", subscription.conn.socketID))
}

// broadcastLocked fans message out without blocking. Sends happen under the
// hub lock so every subscriber observes channel events in publish order.
// A subscriber that cannot take a membership event is evicted.
func (h *Hub) broadcastLocked(state *channelState, message Event, skipSocket string) int {
	delivered := 0
	var evicted []*hubSubscription
	for socketID, subscriber := range state.subscribers {
		if socketID == skipSocket {
			continue
		}
		select {
		case subscriber.stream <- message:
			delivered++
		default:
			if h.recorder != nil {
				h.recorder.EventDropped(message.Name)
			}
			h.logger.Warn("subscriber buffer full, event dropped",
				zap.String("channel", message.Channel),
				zap.String("event", message.Name),
				zap.String("socket_id", socketID))
			if IsMembershipEvent(message.Name) {
				evicted = append(evicted, subscriber)
			}
		}
	}
	for _, subscriber := range evicted {
		h.logger.Warn("subscriber evicted after missing a membership event",
			zap.String("channel", message.Channel),
			zap.String("socket_id", subscriber.conn.socketID))
		h.detachLocked(subscriber)
	}
	return delivered
}

func snapshotMembers(state *channelState) []Member {
	members := make([]Member, 0, len(state.members))
	for _, entry := range state.members {
		members = append(members, entry.member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members
}

// HubConnection is a Connection served directly by a Hub.
type HubConnection struct {
	hub      *Hub
	socketID string
	stop     func() bool

	mu            sync.Mutex
	closed        bool
	subscriptions map[string]*hubSubscription
}

// SocketID returns the identifier grants are bound to.
func (c *HubConnection) SocketID() string {
	return c.socketID
}

// Subscribe presents grant for channel.
func (c *HubConnection) Subscribe(ctx context.Context, channel, grant string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}
	if _, exists := c.subscriptions[channel]; exists {
		return nil, ErrAlreadySubscribed
	}
	subscription, err := c.hub.subscribe(c, channel, grant)
	if err != nil {
		return nil, err
	}
	c.subscriptions[channel] = subscription
	return subscription, nil
}

// Close releases every subscription of the connection.
func (c *HubConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subscriptions := make([]*hubSubscription, 0, len(c.subscriptions))
	for _, subscription := range c.subscriptions {
		subscriptions = append(subscriptions, subscription)
	}
	c.mu.Unlock()

	if c.stop != nil {
		c.stop()
	}
	for _, subscription := range subscriptions {
		_ = subscription.Close()
	}
	return nil
}

func (c *HubConnection) forget(channel string) {
	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()
}

type hubSubscription struct {
	hub      *Hub
	conn     *HubConnection
	channel  string
	kind     channels.Kind
	memberID string
	snapshot []Member
	stream   chan Event
	once     sync.Once
	detached bool
}

func (s *hubSubscription) Channel() string {
	return s.channel
}

func (s *hubSubscription) Members() []Member {
	return append([]Member(nil), s.snapshot...)
}

func (s *hubSubscription) Events() <-chan Event {
	return s.stream
}

func (s *hubSubscription) Close() error {
	s.once.Do(func() {
		s.conn.forget(s.channel)
		s.hub.unsubscribe(s)
	})
	return nil
}

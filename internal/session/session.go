// Package session runs one device's connection to its network: presence,
// the private share channel, and the shares the user sends.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/clipnet/internal/channels"
	"github.com/MarcoPoloResearchLab/clipnet/internal/clipboard"
	"github.com/MarcoPoloResearchLab/clipnet/internal/devices"
	"github.com/MarcoPoloResearchLab/clipnet/internal/presence"
	"github.com/MarcoPoloResearchLab/clipnet/internal/realtime"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateError
	StateClosed
)

var (
	// ErrSessionClosed is returned by calls made after Close.
	ErrSessionClosed = errors.New("session: closed")
	// ErrConnectionLost indicates the transport ended a subscription stream.
	ErrConnectionLost = errors.New("session: connection lost")
	// ErrUnknownDevice indicates a share target missing from the roster.
	ErrUnknownDevice = errors.New("session: unknown device")

	errMissingDialer     = errors.New("dialer required")
	errMissingAuthorizer = errors.New("authorizer required")
	errMissingSender     = errors.New("sender required")
	errMissingReceiver   = errors.New("receiver required")
)

// Dialer opens a transport connection.
type Dialer func(ctx context.Context) (realtime.Connection, error)

// Config configures Open.
type Config struct {
	Device     devices.Device
	NetworkID  string
	Dial       Dialer
	Authorizer Authorizer
	Sender     *clipboard.Sender
	Receiver   *clipboard.Receiver
	// OnRoster is called from the session goroutine after every roster change.
	OnRoster func([]devices.Device)
	Logger   *zap.Logger
}

// Session is a connected device. Run drives it; other methods are safe to
// call from any goroutine.
type Session struct {
	device    devices.Device
	networkID string
	sender    *clipboard.Sender
	receiver  *clipboard.Receiver
	onRoster  func([]devices.Device)
	logger    *zap.Logger

	conn     realtime.Connection
	presence realtime.Subscription
	private  realtime.Subscription
	tracker  *presence.Tracker

	commands  chan func()
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	state State
}

// Open connects the device and subscribes to both of its channels
// concurrently. The session counts as connected only once both
// subscriptions succeed; on any failure everything acquired is released.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.Device.Validate(); err != nil {
		return nil, err
	}
	if cfg.Dial == nil {
		return nil, errMissingDialer
	}
	if cfg.Authorizer == nil {
		return nil, errMissingAuthorizer
	}
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	if cfg.Receiver == nil {
		return nil, errMissingReceiver
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("device", cfg.Device.Name), zap.String("network_id", cfg.NetworkID))

	tracker := presence.NewTracker(cfg.Device)
	if err := tracker.Begin(); err != nil {
		return nil, err
	}

	conn, err := cfg.Dial(ctx)
	if err != nil {
		tracker.Fail(err.Error())
		return nil, fmt.Errorf("session: dial: %w", err)
	}

	presenceChannel := channels.PresenceChannelName(cfg.NetworkID)
	privateChannel := channels.PrivateChannelName(cfg.Device.Name, cfg.NetworkID)

	var presenceSubscription, privateSubscription realtime.Subscription
	group, groupCtx := errgroup.WithContext(ctx)
	subscribe := func(channel string, target *realtime.Subscription) func() error {
		return func() error {
			grant, err := cfg.Authorizer.Authorize(groupCtx, AuthRequest{
				Device:    cfg.Device,
				SocketID:  conn.SocketID(),
				Channel:   channel,
				NetworkID: cfg.NetworkID,
			})
			if err != nil {
				return fmt.Errorf("authorize %s: %w", channel, err)
			}
			subscription, err := conn.Subscribe(groupCtx, channel, grant)
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", channel, err)
			}
			*target = subscription
			return nil
		}
	}
	group.Go(subscribe(presenceChannel, &presenceSubscription))
	group.Go(subscribe(privateChannel, &privateSubscription))

	if err := group.Wait(); err != nil {
		for _, subscription := range []realtime.Subscription{presenceSubscription, privateSubscription} {
			if subscription != nil {
				_ = subscription.Close()
			}
		}
		_ = conn.Close()
		tracker.Fail(err.Error())
		logger.Warn("session failed to connect", zap.Error(err))
		return nil, fmt.Errorf("session: %w", err)
	}

	if err := tracker.Subscribed(presenceSubscription.Members()); err != nil {
		_ = presenceSubscription.Close()
		_ = privateSubscription.Close()
		_ = conn.Close()
		return nil, err
	}

	session := &Session{
		device:    cfg.Device,
		networkID: cfg.NetworkID,
		sender:    cfg.Sender,
		receiver:  cfg.Receiver,
		onRoster:  cfg.OnRoster,
		logger:    logger,
		conn:      conn,
		presence:  presenceSubscription,
		private:   privateSubscription,
		tracker:   tracker,
		commands:  make(chan func()),
		done:      make(chan struct{}),
		state:     StateConnected,
	}
	logger.Info("session connected", zap.Int("peers", len(tracker.Devices())))
	if session.onRoster != nil {
		session.onRoster(tracker.Devices())
	}
	return session, nil
}

// Device returns the identity this session joined with.
func (s *Session) Device() devices.Device {
	return s.device
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run processes transport events and commands until ctx ends, Close is
// called or the transport drops a stream. Every roster and notification
// mutation happens on the Run goroutine.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()
	presenceEvents := s.presence.Events()
	privateEvents := s.private.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case event, ok := <-presenceEvents:
			if !ok {
				return s.lost(s.presence.Channel())
			}
			if s.tracker.Apply(event) && s.onRoster != nil {
				s.onRoster(s.tracker.Devices())
			}
		case event, ok := <-privateEvents:
			if !ok {
				return s.lost(s.private.Channel())
			}
			if event.Name != clipboard.EventCopyToClipboard {
				s.logger.Debug("ignoring private event", zap.String("event", event.Name))
				continue
			}
			result := s.receiver.Receive(ctx, event)
			s.logger.Debug("share received", zap.String("from", result.From.Name), zap.Int("outcome", int(result.Outcome)))
		case command := <-s.commands:
			command()
		}
	}
}

func (s *Session) lost(channel string) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	s.mu.Lock()
	s.state = StateError
	s.mu.Unlock()
	s.logger.Warn("subscription stream ended", zap.String("channel", channel))
	return fmt.Errorf("%w: %s", ErrConnectionLost, channel)
}

// do runs command on the Run goroutine and waits for it.
func (s *Session) do(ctx context.Context, command func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		command()
	}
	select {
	case s.commands <- wrapped:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Devices returns the current roster.
func (s *Session) Devices(ctx context.Context) ([]devices.Device, error) {
	var roster []devices.Device
	if err := s.do(ctx, func() { roster = s.tracker.Devices() }); err != nil {
		return nil, err
	}
	return roster, nil
}

// Share sends the local clipboard to the peer called name.
func (s *Session) Share(ctx context.Context, name string) (clipboard.SendResult, error) {
	var result clipboard.SendResult
	var lookupErr error
	err := s.do(ctx, func() {
		target, ok := s.tracker.Lookup(name)
		if !ok {
			lookupErr = fmt.Errorf("%w: %s", ErrUnknownDevice, name)
			return
		}
		result = s.sender.Share(ctx, target)
	})
	if err != nil {
		return clipboard.SendResult{}, err
	}
	if lookupErr != nil {
		return clipboard.SendResult{}, lookupErr
	}
	return result, nil
}

// Close releases both subscriptions and the connection. It is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = errors.Join(s.presence.Close(), s.private.Close(), s.conn.Close())
		s.mu.Lock()
		if s.state != StateError {
			s.state = StateClosed
		}
		s.mu.Unlock()
		s.logger.Info("session closed")
	})
	return err
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const clientEventBufferSize = 64

var errUnexpectedHandshake = errors.New("realtime: unexpected handshake frame")

// DialOption customizes Dial.
type DialOption func(*dialOptions)

type dialOptions struct {
	dialer *websocket.Dialer
	header http.Header
	logger *zap.Logger
}

// WithDialer overrides the websocket dialer.
func WithDialer(dialer *websocket.Dialer) DialOption {
	return func(o *dialOptions) { o.dialer = dialer }
}

// WithHeader adds request headers to the websocket handshake.
func WithHeader(header http.Header) DialOption {
	return func(o *dialOptions) { o.header = header }
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) DialOption {
	return func(o *dialOptions) { o.logger = logger }
}

// Client is a Connection to a remote Gateway.
type Client struct {
	ws       *websocket.Conn
	socketID string
	logger   *zap.Logger

	writeMu sync.Mutex

	mu            sync.Mutex
	closed        bool
	pending       map[string]chan subscribeResult
	subscriptions map[string]*clientSubscription
	done          chan struct{}
}

type subscribeResult struct {
	members []Member
	err     error
}

// Dial connects to a Gateway and waits for the socket id.
func Dial(ctx context.Context, url string, opts ...DialOption) (*Client, error) {
	options := dialOptions{dialer: websocket.DefaultDialer, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&options)
	}

	ws, _, err := options.dialer.DialContext(ctx, url, options.header)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial failed: %w", err)
	}

	var handshake frame
	if err := ws.ReadJSON(&handshake); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("realtime: handshake failed: %w", err)
	}
	var established connectionEstablishedData
	if handshake.Event != frameConnectionEstablished || json.Unmarshal(handshake.Data, &established) != nil || established.SocketID == "" {
		_ = ws.Close()
		return nil, errUnexpectedHandshake
	}

	client := &Client{
		ws:            ws,
		socketID:      established.SocketID,
		logger:        options.logger.With(zap.String("socket_id", established.SocketID)),
		pending:       make(map[string]chan subscribeResult),
		subscriptions: make(map[string]*clientSubscription),
		done:          make(chan struct{}),
	}
	go client.readLoop()
	return client, nil
}

// SocketID returns the identifier assigned by the gateway.
func (c *Client) SocketID() string {
	return c.socketID
}

// Subscribe sends the grant and waits for the gateway's answer.
func (c *Client) Subscribe(ctx context.Context, channel, grant string) (Subscription, error) {
	result := make(chan subscribeResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if _, exists := c.subscriptions[channel]; exists {
		c.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	if _, exists := c.pending[channel]; exists {
		c.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	c.pending[channel] = result
	c.mu.Unlock()

	request, err := newFrame(frameSubscribe, channel, subscribeData{Auth: grant})
	if err == nil {
		err = c.write(request)
	}
	if err != nil {
		c.dropPending(channel)
		return nil, err
	}

	select {
	case outcome := <-result:
		if outcome.err != nil {
			return nil, outcome.err
		}
		c.mu.Lock()
		subscription := c.subscriptions[channel]
		c.mu.Unlock()
		if subscription == nil {
			return nil, ErrConnectionClosed
		}
		return subscription, nil
	case <-ctx.Done():
		c.dropPending(channel)
		return nil, ctx.Err()
	}
}

// Close tears down the websocket; every subscription stream is closed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Client) write(outgoing frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(outgoing)
}

func (c *Client) dropPending(channel string) {
	c.mu.Lock()
	delete(c.pending, channel)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		var incoming frame
		if err := c.ws.ReadJSON(&incoming); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("realtime connection lost", zap.Error(err))
			}
			return
		}
		if evicted := c.dispatch(incoming); evicted != "" {
			if request, err := newFrame(frameUnsubscribe, evicted, nil); err == nil {
				_ = c.write(request)
			}
		}
	}
}

// dispatch routes a frame and returns the channel of a subscription it had to
// end because a membership event could not be buffered.
func (c *Client) dispatch(incoming frame) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch incoming.Event {
	case frameSubscriptionSucceeded:
		waiter, ok := c.pending[incoming.Channel]
		if !ok {
			return ""
		}
		delete(c.pending, incoming.Channel)
		var data subscriptionSucceededData
		if err := json.Unmarshal(incoming.Data, &data); err != nil {
			waiter <- subscribeResult{err: fmt.Errorf("realtime: malformed subscription frame: %w", err)}
			return ""
		}
		c.subscriptions[incoming.Channel] = &clientSubscription{
			client:  c,
			channel: incoming.Channel,
			members: data.Members,
			stream:  make(chan Event, clientEventBufferSize),
		}
		waiter <- subscribeResult{members: data.Members}
	case frameSubscriptionError:
		waiter, ok := c.pending[incoming.Channel]
		if !ok {
			return ""
		}
		delete(c.pending, incoming.Channel)
		var data errorData
		_ = json.Unmarshal(incoming.Data, &data)
		waiter <- subscribeResult{err: fmt.Errorf("%w: %s", ErrSubscriptionRejected, data.Error)}
	case frameError:
		var data errorData
		_ = json.Unmarshal(incoming.Data, &data)
		c.logger.Warn("realtime gateway error", zap.String("error", data.Error))
	case frameSubscriptionEnded:
		if subscription := c.subscriptions[incoming.Channel]; subscription != nil {
			c.logger.Warn("subscription ended by gateway", zap.String("channel", incoming.Channel))
			c.endLocked(subscription)
		}
	default:
		subscription := c.subscriptions[incoming.Channel]
		if subscription == nil {
			return ""
		}
		event, err := frameEvent(incoming)
		if err != nil {
			c.logger.Warn("malformed realtime event", zap.String("event", incoming.Event), zap.Error(err))
			return ""
		}
		select {
		case subscription.stream <- event:
		default:
			c.logger.Warn("subscription buffer full, event dropped", zap.String("channel", incoming.Channel), zap.String("event", incoming.Event))
			if IsMembershipEvent(event.Name) {
				c.endLocked(subscription)
				return incoming.Channel
			}
		}
	}
	return ""
}

// endLocked closes a subscription stream without waiting for its owner.
func (c *Client) endLocked(subscription *clientSubscription) {
	delete(c.subscriptions, subscription.channel)
	close(subscription.stream)
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	for channel, waiter := range c.pending {
		waiter <- subscribeResult{err: ErrConnectionClosed}
		delete(c.pending, channel)
	}
	for channel, subscription := range c.subscriptions {
		close(subscription.stream)
		delete(c.subscriptions, channel)
	}
	c.mu.Unlock()
	_ = c.ws.Close()
	close(c.done)
}

type clientSubscription struct {
	client  *Client
	channel string
	members []Member
	stream  chan Event
	once    sync.Once
}

func (s *clientSubscription) Channel() string {
	return s.channel
}

func (s *clientSubscription) Members() []Member {
	return append([]Member(nil), s.members...)
}

func (s *clientSubscription) Events() <-chan Event {
	return s.stream
}

func (s *clientSubscription) Close() error {
	var err error
	s.once.Do(func() {
		client := s.client
		client.mu.Lock()
		current := client.subscriptions[s.channel]
		if current != s {
			client.mu.Unlock()
			return
		}
		delete(client.subscriptions, s.channel)
		close(s.stream)
		closed := client.closed
		client.mu.Unlock()

		if closed {
			return
		}
		request, frameErr := newFrame(frameUnsubscribe, s.channel, nil)
		if frameErr != nil {
			err = frameErr
			return
		}
		err = client.write(request)
	})
	return err
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultReadLimit    = 64 * 1024
	defaultPongWait     = 60 * time.Second
	defaultPingInterval = 25 * time.Second
	defaultWriteWait    = 10 * time.Second
	outboundBufferSize  = 64
)

var errMissingHub = errors.New("realtime: hub required")

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Hub          *Hub
	Logger       *zap.Logger
	CheckOrigin  func(r *http.Request) bool
	PingInterval time.Duration
	PongWait     time.Duration
}

// Gateway serves Hub connections over websocket.
type Gateway struct {
	hub          *Hub
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongWait     time.Duration
}

// NewGateway constructs a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	return &Gateway{
		hub:          cfg.Hub,
		logger:       logger,
		upgrader:     websocket.Upgrader{CheckOrigin: checkOrigin},
		pingInterval: pingInterval,
		pongWait:     pongWait,
	}, nil
}

// ServeHTTP upgrades the request and runs the connection until either side closes it.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := g.hub.Connect(ctx)
	if err != nil {
		g.logger.Error("hub connect failed", zap.Error(err))
		_ = ws.Close()
		return
	}

	session := &gatewaySession{
		gateway:  g,
		ws:       ws,
		conn:     conn,
		outbound: make(chan frame, outboundBufferSize),
		done:     make(chan struct{}),
		pumps:    make(map[string]Subscription),
	}
	session.run(ctx)
}

type gatewaySession struct {
	gateway  *Gateway
	ws       *websocket.Conn
	conn     *HubConnection
	outbound chan frame
	done     chan struct{}

	mu    sync.Mutex
	pumps map[string]Subscription
	wg    sync.WaitGroup
}

func (s *gatewaySession) run(ctx context.Context) {
	logger := s.gateway.logger.With(zap.String("socket_id", s.conn.SocketID()))
	defer func() {
		close(s.done)
		_ = s.conn.Close()
		s.wg.Wait()
		_ = s.ws.Close()
		logger.Debug("websocket closed")
	}()

	s.wg.Add(1)
	go s.writeLoop()

	established, err := newFrame(frameConnectionEstablished, "", connectionEstablishedData{SocketID: s.conn.SocketID()})
	if err != nil {
		logger.Error("encode connection frame failed", zap.Error(err))
		return
	}
	s.send(established)

	s.ws.SetReadLimit(defaultReadLimit)
	_ = s.ws.SetReadDeadline(time.Now().Add(s.gateway.pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(s.gateway.pongWait))
	})

	for {
		var incoming frame
		if err := s.ws.ReadJSON(&incoming); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(s.gateway.pongWait))
		s.handle(ctx, logger, incoming)
	}
}

func (s *gatewaySession) handle(ctx context.Context, logger *zap.Logger, incoming frame) {
	switch incoming.Event {
	case frameSubscribe:
		var data subscribeData
		if err := json.Unmarshal(incoming.Data, &data); err != nil || incoming.Channel == "" {
			s.sendError(frameSubscriptionError, incoming.Channel, "Invalid subscribe frame")
			return
		}
		subscription, err := s.conn.Subscribe(ctx, incoming.Channel, data.Auth)
		if err != nil {
			logger.Info("subscription rejected", zap.String("channel", incoming.Channel), zap.Error(err))
			s.sendError(frameSubscriptionError, incoming.Channel, err.Error())
			return
		}
		succeeded, err := newFrame(frameSubscriptionSucceeded, incoming.Channel, subscriptionSucceededData{Members: subscription.Members()})
		if err != nil {
			_ = subscription.Close()
			s.sendError(frameSubscriptionError, incoming.Channel, "Internal error")
			return
		}
		s.send(succeeded)
		s.startPump(subscription)
	case frameUnsubscribe:
		s.mu.Lock()
		subscription := s.pumps[incoming.Channel]
		delete(s.pumps, incoming.Channel)
		s.mu.Unlock()
		if subscription != nil {
			_ = subscription.Close()
		}
	default:
		s.sendError(frameError, incoming.Channel, "Unsupported frame")
	}
}

func (s *gatewaySession) startPump(subscription Subscription) {
	s.mu.Lock()
	s.pumps[subscription.Channel()] = subscription
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for event := range subscription.Events() {
			outgoing, err := eventFrame(event)
			if err != nil {
				continue
			}
			if !s.send(outgoing) {
				return
			}
		}
		s.endPump(subscription)
	}()
}

// endPump tells the client when the hub ended a subscription it did not ask
// to leave.
func (s *gatewaySession) endPump(subscription Subscription) {
	s.mu.Lock()
	current := s.pumps[subscription.Channel()]
	if current == subscription {
		delete(s.pumps, subscription.Channel())
	}
	s.mu.Unlock()
	if current != subscription {
		return
	}
	_ = subscription.Close()
	if ended, err := newFrame(frameSubscriptionEnded, subscription.Channel(), nil); err == nil {
		s.send(ended)
	}
}

func (s *gatewaySession) send(outgoing frame) bool {
	select {
	case s.outbound <- outgoing:
		return true
	case <-s.done:
		return false
	}
}

func (s *gatewaySession) sendError(event, channel, message string) {
	outgoing, err := newFrame(event, channel, errorData{Error: message})
	if err == nil {
		s.send(outgoing)
	}
}

// writeLoop is the only goroutine writing to the websocket.
func (s *gatewaySession) writeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.gateway.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case outgoing := <-s.outbound:
			_ = s.ws.SetWriteDeadline(time.Now().Add(defaultWriteWait))
			if err := s.ws.WriteJSON(outgoing); err != nil {
				_ = s.ws.Close()
				return
			}
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteWait)); err != nil {
				_ = s.ws.Close()
				return
			}
		case <-s.done:
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(defaultWriteWait))
			return
		}
	}
}

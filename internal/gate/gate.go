// Package gate decides which channels a device may subscribe to and mints the
// signed grants the transport verifies.
package gate

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/clipnet/internal/auth"
	"github.com/MarcoPoloResearchLab/clipnet/internal/channels"
	"github.com/MarcoPoloResearchLab/clipnet/internal/devices"
	"github.com/MarcoPoloResearchLab/clipnet/internal/networks"
	"go.uber.org/zap"
)

var errMissingGrantIssuer = errors.New("gate: grant issuer required")

// GrantIssuer signs subscription grants.
type GrantIssuer interface {
	IssueGrant(ctx context.Context, socketID, channel string, presence *auth.PresenceData) (auth.Grant, error)
}

// DecisionRecorder observes gate decisions.
type DecisionRecorder interface {
	RecordDecision(kind channels.Kind, code Code)
}

// Request is a subscription authorization request as received from a device.
// NetworkID is set for link networks; otherwise the network is derived from
// ClientIP. A declared address network must match ClientIP.
type Request struct {
	Device      *string
	SocketID    *string
	ChannelName *string
	NetworkID   string
	ClientIP    string
}

// Decision is a granted subscription.
type Decision struct {
	Device  devices.Device
	Network string
	Channel string
	Kind    channels.Kind
	Grant   auth.Grant
}

// Config configures a Gate.
type Config struct {
	Issuer   GrantIssuer
	Recorder DecisionRecorder
	Logger   *zap.Logger
}

// Gate is the only trust boundary of the system.
type Gate struct {
	issuer   GrantIssuer
	recorder DecisionRecorder
	logger   *zap.Logger
}

// New constructs a Gate.
func New(cfg Config) (*Gate, error) {
	if cfg.Issuer == nil {
		return nil, errMissingGrantIssuer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{issuer: cfg.Issuer, recorder: cfg.Recorder, logger: logger}, nil
}

// Authorize validates the request and, when the caller is entitled to the
// channel, mints a grant bound to the caller's socket.
func (g *Gate) Authorize(ctx context.Context, request Request) (Decision, error) {
	decision, err := g.authorize(ctx, request)
	kind := channels.KindUnknown
	if request.ChannelName != nil {
		kind = channels.KindOf(*request.ChannelName)
	}
	if err != nil {
		var gateErr *Error
		code := CodeInternal
		if errors.As(err, &gateErr) {
			code = gateErr.Code()
		}
		g.record(kind, code)
		g.logger.Info("subscription refused",
			zap.String("code", string(code)),
			zap.String("channel", valueOf(request.ChannelName)),
			zap.Error(err))
		return Decision{}, err
	}
	g.record(kind, "")
	g.logger.Debug("subscription granted",
		zap.String("channel", decision.Channel),
		zap.String("device", decision.Device.Name))
	return decision, nil
}

func (g *Gate) authorize(ctx context.Context, request Request) (Decision, error) {
	if request.Device == nil || request.SocketID == nil || request.ChannelName == nil ||
		strings.TrimSpace(*request.SocketID) == "" || strings.TrimSpace(*request.ChannelName) == "" {
		return Decision{}, newError(CodeInvalidPayload, "Invalid payload", nil)
	}
	socketID := *request.SocketID
	channel := *request.ChannelName

	device, err := devices.ParseDevice(*request.Device)
	if err != nil {
		return Decision{}, newError(CodeUnknownDevice, "Unknown device", err)
	}

	network, err := resolveNetwork(request)
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{Device: device, Network: network, Channel: channel, Kind: channels.KindOf(channel)}
	switch decision.Kind {
	case channels.KindPresence:
		if channel != channels.PresenceChannelName(network) {
			return Decision{}, newError(CodeForbiddenNetwork, "You can only subscribe to presence channels in your network", nil)
		}
		presence := &auth.PresenceData{
			UserID:   device.Name,
			UserInfo: auth.PresenceInfo{Type: string(device.Type)},
		}
		decision.Grant, err = g.issuer.IssueGrant(ctx, socketID, channel, presence)
	case channels.KindPrivate:
		if channel != channels.PrivateChannelName(device.Name, network) {
			return Decision{}, newError(CodeForbiddenChannel, "You can only subscribe to private channels related to your device", nil)
		}
		decision.Grant, err = g.issuer.IssueGrant(ctx, socketID, channel, nil)
	default:
		return Decision{}, newError(CodeForbiddenChannel, "Unsupported channel", nil)
	}
	if err != nil {
		return Decision{}, newError(CodeInternal, "Internal error", err)
	}
	return decision, nil
}

func resolveNetwork(request Request) (string, error) {
	if request.NetworkID != "" {
		if err := networks.ValidateID(request.NetworkID); err != nil {
			return "", newError(CodeInvalidPayload, "Invalid payload", err)
		}
		if !networks.IsIPNetwork(request.NetworkID) {
			return request.NetworkID, nil
		}
	}
	network, err := networks.FromIP(request.ClientIP)
	if err != nil {
		return "", newError(CodeInternal, "Failed to retrieve public IP address", err)
	}
	if request.NetworkID != "" && request.NetworkID != network {
		return "", newError(CodeForbiddenNetwork, "You can only subscribe to presence channels in your network", nil)
	}
	return network, nil
}

func (g *Gate) record(kind channels.Kind, code Code) {
	if g.recorder != nil {
		g.recorder.RecordDecision(kind, code)
	}
}

func valueOf(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

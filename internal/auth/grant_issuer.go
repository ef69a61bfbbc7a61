package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultGrantTTL = 5 * time.Minute
)

var (
	errMissingSigningSecret = errors.New("auth: signing secret must be provided")
	errMissingIssuer        = errors.New("auth: issuer must be provided")
	errMissingAudience      = errors.New("auth: audience must be provided")
	errNegativeTTL          = errors.New("auth: grant ttl must not be negative")
	errMissingSocketID      = errors.New("auth: socket id must be provided")
	errMissingChannel       = errors.New("auth: channel must be provided")

	// ErrInvalidGrant indicates a grant that failed signature or claim validation.
	ErrInvalidGrant = errors.New("auth: invalid grant")
	// ErrGrantMismatch indicates a valid grant presented for another subscription attempt.
	ErrGrantMismatch = errors.New("auth: grant does not match subscription")
)

// PresenceInfo is the member metadata other subscribers see in the roster.
type PresenceInfo struct {
	Type string `json:"type"`
}

// PresenceData is attached to presence channel grants.
type PresenceData struct {
	UserID   string       `json:"user_id"`
	UserInfo PresenceInfo `json:"user_info"`
}

// GrantClaims is the JWT payload of a subscription grant.
type GrantClaims struct {
	SocketID string        `json:"socket_id"`
	Channel  string        `json:"channel"`
	Presence *PresenceData `json:"presence,omitempty"`
	jwt.RegisteredClaims
}

// Grant is a signed authorization for one subscription attempt.
type Grant struct {
	Token       string
	ChannelData string
	ExpiresAt   time.Time
}

// GrantIssuerConfig configures the grant signer.
type GrantIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	GrantTTL      time.Duration
	Clock         func() time.Time
}

// GrantIssuer mints and verifies HS256 subscription grants.
type GrantIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

// NewGrantIssuer validates the configuration and constructs a GrantIssuer.
func NewGrantIssuer(cfg GrantIssuerConfig) (*GrantIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, errMissingAudience
	}
	if cfg.GrantTTL < 0 {
		return nil, errNegativeTTL
	}
	ttl := cfg.GrantTTL
	if ttl == 0 {
		ttl = defaultGrantTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &GrantIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// IssueGrant signs a grant bound to socketID and channel. Presence grants
// carry the member data the transport announces to the rest of the roster.
func (i *GrantIssuer) IssueGrant(_ context.Context, socketID, channel string, presence *PresenceData) (Grant, error) {
	if strings.TrimSpace(socketID) == "" {
		return Grant{}, errMissingSocketID
	}
	if strings.TrimSpace(channel) == "" {
		return Grant{}, errMissingChannel
	}

	grantID, err := uuid.NewV7()
	if err != nil {
		return Grant{}, err
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl).UTC()
	claims := GrantClaims{
		SocketID: socketID,
		Channel:  channel,
		Presence: presence,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        grantID.String(),
			Subject:   socketID,
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return Grant{}, err
	}

	grant := Grant{Token: signed, ExpiresAt: expiresAt}
	if presence != nil {
		channelData, err := json.Marshal(presence)
		if err != nil {
			return Grant{}, err
		}
		grant.ChannelData = string(channelData)
	}
	return grant, nil
}

// VerifyGrant checks the signature and expiry of a grant and that it was
// minted for exactly this socket and channel.
func (i *GrantIssuer) VerifyGrant(tokenString, socketID, channel string) (GrantClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return GrantClaims{}, ErrInvalidGrant
	}

	claims := &GrantClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return GrantClaims{}, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	if parsed == nil || !parsed.Valid {
		return GrantClaims{}, ErrInvalidGrant
	}
	if claims.SocketID != socketID || claims.Channel != channel {
		return GrantClaims{}, ErrGrantMismatch
	}
	return *claims, nil
}

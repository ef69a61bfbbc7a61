package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/clipnet/internal/devices"
)

// ErrAuthorizationRefused indicates the gate declined to mint a grant.
var ErrAuthorizationRefused = errors.New("session: authorization refused")

var errMissingServerURL = errors.New("server url required")

// AuthRequest asks the gate for a channel grant.
type AuthRequest struct {
	Device    devices.Device
	SocketID  string
	Channel   string
	NetworkID string
}

// Authorizer obtains grants for channel subscriptions.
type Authorizer interface {
	Authorize(ctx context.Context, request AuthRequest) (string, error)
}

// HTTPAuthorizer calls the gate endpoint of a clipnet server.
type HTTPAuthorizer struct {
	endpoint string
	http     *http.Client
}

// NewHTTPAuthorizer targets baseURL.
func NewHTTPAuthorizer(baseURL string, httpClient *http.Client) (*HTTPAuthorizer, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errMissingServerURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPAuthorizer{endpoint: trimmed + "/api/realtime/auth", http: httpClient}, nil
}

type authResponse struct {
	Auth  string `json:"auth"`
	Error string `json:"error"`
}

// Authorize posts request as a form and returns the grant.
func (a *HTTPAuthorizer) Authorize(ctx context.Context, request AuthRequest) (string, error) {
	form := url.Values{}
	form.Set("device", request.Device.Encode())
	form.Set("socket_id", request.SocketID)
	form.Set("channel_name", request.Channel)
	if request.NetworkID != "" {
		form.Set("network_id", request.NetworkID)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	httpRequest.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := a.http.Do(httpRequest)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	var payload authResponse
	if err := json.NewDecoder(io.LimitReader(response.Body, 64<<10)).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode authorization response: %w", err)
	}
	if response.StatusCode != http.StatusOK || payload.Auth == "" {
		return "", fmt.Errorf("%w: %s", ErrAuthorizationRefused, payload.Error)
	}
	return payload.Auth, nil
}

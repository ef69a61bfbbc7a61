package networks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var (
	// ErrLookupFailed indicates the server could not answer a network query.
	ErrLookupFailed = errors.New("networks: lookup failed")

	errMissingBaseURL = errors.New("networks: base url required")
)

// Roster is the server's answer to a network query.
type Roster struct {
	NetworkID  string   `json:"networkID"`
	AllDevices []string `json:"allDevices"`
	DeviceType string   `json:"deviceType"`
}

// Client queries the network endpoints of a clipnet server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient targets baseURL.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errMissingBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: trimmed, http: httpClient}, nil
}

// Local returns the network the server derives from the caller's address.
func (c *Client) Local(ctx context.Context) (string, error) {
	var payload struct {
		NetworkID string `json:"networkID"`
	}
	if err := c.get(ctx, "/api/networks/local", &payload); err != nil {
		return "", err
	}
	if payload.NetworkID == "" {
		return "", fmt.Errorf("%w: empty network id", ErrLookupFailed)
	}
	return payload.NetworkID, nil
}

// Lookup returns the roster of networkID, or ErrCapacityExceeded when the
// server refuses another device.
func (c *Client) Lookup(ctx context.Context, networkID string) (Roster, error) {
	var roster Roster
	if err := c.get(ctx, "/api/networks/"+url.PathEscape(networkID), &roster); err != nil {
		return Roster{}, err
	}
	return roster, nil
}

func (c *Client) get(ctx context.Context, path string, target any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer response.Body.Close()

	body := io.LimitReader(response.Body, 1<<20)
	switch response.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(body).Decode(target); err != nil {
			return fmt.Errorf("%w: %v", ErrLookupFailed, err)
		}
		return nil
	case http.StatusServiceUnavailable:
		return ErrCapacityExceeded
	case http.StatusBadRequest:
		return ErrInvalidNetworkID
	default:
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(body).Decode(&failure)
		return fmt.Errorf("%w: status %d %s", ErrLookupFailed, response.StatusCode, failure.Error)
	}
}

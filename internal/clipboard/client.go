package clipboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

const maxFetchedImageBytes = 32 << 20

var errMissingBaseURL = errors.New("base url required")

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL    string
	NetworkID  string
	HTTPClient *http.Client
}

// Client reaches the trigger and image endpoints of a clipnet server.
type Client struct {
	baseURL   string
	networkID string
	http      *http.Client
}

// NewClient validates cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, networkID: cfg.NetworkID, http: httpClient}, nil
}

type triggerResponse struct {
	LastDeviceName string `json:"lastDeviceName"`
	ClipboardError string `json:"clipboardError"`
}

// Share posts request to the network's trigger endpoint.
func (c *Client) Share(ctx context.Context, request ShareRequest) (Receipt, error) {
	form := url.Values{}
	form.Set("deviceName", request.DeviceName)
	form.Set("channel", request.Channel)
	form.Set("fromName", request.From.Name)
	form.Set("fromType", string(request.From.Type))
	form.Set("text", request.Text)

	endpoint := fmt.Sprintf("%s/api/networks/%s/clipboard", c.baseURL, url.PathEscape(c.networkID))
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Receipt{}, err
	}
	httpRequest.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := c.http.Do(httpRequest)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer response.Body.Close()

	var payload triggerResponse
	_ = json.NewDecoder(io.LimitReader(response.Body, 64<<10)).Decode(&payload)
	switch {
	case response.StatusCode == http.StatusOK:
		return Receipt{LastDeviceName: payload.LastDeviceName}, nil
	case response.StatusCode == http.StatusBadRequest:
		return Receipt{}, fmt.Errorf("%w: %s", ErrInvalidPayload, payload.ClipboardError)
	default:
		return Receipt{}, fmt.Errorf("%w: status %d %s", ErrTransport, response.StatusCode, payload.ClipboardError)
	}
}

type uploadResponse struct {
	ImageID string `json:"imageId"`
	Error   string `json:"error"`
}

// Upload stores png on the server and returns its id.
func (c *Client) Upload(ctx context.Context, png []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", "clipboard.png")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(png); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/images", &body)
	if err != nil {
		return "", err
	}
	httpRequest.Header.Set("Content-Type", writer.FormDataContentType())

	response, err := c.http.Do(httpRequest)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer response.Body.Close()

	var payload uploadResponse
	if err := json.NewDecoder(io.LimitReader(response.Body, 64<<10)).Decode(&payload); err != nil && response.StatusCode == http.StatusOK {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if response.StatusCode != http.StatusOK || payload.ImageID == "" {
		return "", fmt.Errorf("%w: image upload status %d %s", ErrTransport, response.StatusCode, payload.Error)
	}
	return payload.ImageID, nil
}

// Fetch downloads the image stored under imageID.
func (c *Client) Fetch(ctx context.Context, imageID string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/api/images/%s", c.baseURL, url.PathEscape(imageID))
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	response, err := c.http.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: image fetch status %d", ErrTransport, response.StatusCode)
	}
	return io.ReadAll(io.LimitReader(response.Body, maxFetchedImageBytes))
}

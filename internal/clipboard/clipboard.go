// Package clipboard moves clipboard contents between devices: the Sender
// originates a share, the Receiver applies one or files it as a notification.
package clipboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/clipnet/internal/devices"
	"github.com/MarcoPoloResearchLab/clipnet/internal/notifications"
)

// EventCopyToClipboard is the private channel event carrying a share.
const EventCopyToClipboard = "copy-to-clipboard"

const (
	imageMarker = "image:"
	textMarker  = "text:"
)

var (
	// ErrClipboardUnavailable indicates the local clipboard could not be read or was empty.
	ErrClipboardUnavailable = errors.New("clipboard: unavailable")
	// ErrFocusLost indicates a clipboard write refused because the device lacked focus or permission.
	ErrFocusLost = errors.New("clipboard: focus lost")
	// ErrInvalidPayload indicates the server refused a share as malformed.
	ErrInvalidPayload = errors.New("clipboard: invalid payload")
	// ErrTransport indicates the server could not hand the share to the transport.
	ErrTransport = errors.New("clipboard: transport error")
	// ErrMalformedShare indicates an inbound share event that could not be decoded.
	ErrMalformedShare = errors.New("clipboard: malformed share")
)

// Item is what a clipboard holds: text or PNG image bytes.
type Item struct {
	Text  string
	Image []byte
}

// Empty reports whether the item carries nothing to share.
func (i Item) Empty() bool {
	return strings.TrimSpace(i.Text) == "" && len(i.Image) == 0
}

// Clipboard is the host clipboard. Write calls report ErrFocusLost when the
// host refuses the write for lack of focus.
type Clipboard interface {
	Read(ctx context.Context) (Item, error)
	WriteText(ctx context.Context, text string) error
	WriteImage(ctx context.Context, png []byte) error
}

// BlobStore keeps shared images addressable by id.
type BlobStore interface {
	Upload(ctx context.Context, png []byte) (string, error)
	Fetch(ctx context.Context, imageID string) ([]byte, error)
}

// NotificationStore files shares that could not be applied live.
type NotificationStore interface {
	Add(ctx context.Context, from devices.Device, text string) (notifications.Notification, error)
}

// Level grades a user facing Message.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelError   Level = "error"
)

// Message is a transient, non-blocking notice for the user.
type Message struct {
	Level Level
	Text  string
}

// Notifier surfaces messages to the user.
type Notifier interface {
	Notify(message Message)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Message)

// Notify calls f.
func (f NotifierFunc) Notify(message Message) {
	f(message)
}

type discardNotifier struct{}

func (discardNotifier) Notify(Message) {}

// ShareEvent is the payload of a copy-to-clipboard event.
type ShareEvent struct {
	From devices.Device `json:"from"`
	Text string         `json:"text"`
}

// DecodeShareEvent parses an inbound payload.
func DecodeShareEvent(payload json.RawMessage) (ShareEvent, error) {
	var event ShareEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return ShareEvent{}, fmt.Errorf("%w: %v", ErrMalformedShare, err)
	}
	if err := event.From.Validate(); err != nil {
		return ShareEvent{}, fmt.Errorf("%w: %v", ErrMalformedShare, err)
	}
	event.From.Type = devices.ParseType(string(event.From.Type))
	return event, nil
}

// ContentKind distinguishes what a share text refers to.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentImage
)

// Content is a decoded share text.
type Content struct {
	Kind    ContentKind
	Text    string
	ImageID string
}

// TextContent marks body as plain text.
func TextContent(body string) string {
	return textMarker + body
}

// ImageContent marks a reference to a stored image.
func ImageContent(imageID string) string {
	return imageMarker + imageID
}

// ParseContent decodes a share text. Text without a marker is plain text.
func ParseContent(text string) (Content, error) {
	switch {
	case strings.HasPrefix(text, imageMarker):
		imageID := strings.TrimSpace(strings.TrimPrefix(text, imageMarker))
		if imageID == "" {
			return Content{}, fmt.Errorf("%w: empty image reference", ErrMalformedShare)
		}
		return Content{Kind: ContentImage, ImageID: imageID}, nil
	case strings.HasPrefix(text, textMarker):
		return Content{Kind: ContentText, Text: strings.TrimPrefix(text, textMarker)}, nil
	default:
		return Content{Kind: ContentText, Text: text}, nil
	}
}

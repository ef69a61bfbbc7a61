package clipboard

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/clipnet/internal/channels"
	"github.com/MarcoPoloResearchLab/clipnet/internal/devices"
	"go.uber.org/zap"
)

// SendState is the position of a share attempt.
type SendState int

const (
	SendReadingClipboard SendState = iota
	SendSending
	SendDelivered
	SendServerError
	SendClipboardError
)

func (s SendState) String() string {
	switch s {
	case SendReadingClipboard:
		return "reading_clipboard"
	case SendSending:
		return "sending"
	case SendDelivered:
		return "delivered"
	case SendServerError:
		return "server_error"
	case SendClipboardError:
		return "clipboard_error"
	default:
		return fmt.Sprintf("send_state(%d)", int(s))
	}
}

// ShareRequest is what the trigger endpoint receives.
type ShareRequest struct {
	DeviceName string
	Channel    string
	From       devices.Device
	Text       string
}

// Receipt acknowledges that the server accepted a publish.
type Receipt struct {
	LastDeviceName string
}

// Trigger hands a share to the server for publication.
type Trigger interface {
	Share(ctx context.Context, request ShareRequest) (Receipt, error)
}

// SendResult is the terminal state of a share attempt.
type SendResult struct {
	State   SendState
	Receipt Receipt
	Err     error
}

var (
	errMissingClipboard = errors.New("clipboard required")
	errMissingTrigger   = errors.New("trigger required")
)

// SenderConfig configures a Sender.
type SenderConfig struct {
	Self      devices.Device
	NetworkID string
	Clipboard Clipboard
	Blobs     BlobStore
	Trigger   Trigger
	Notifier  Notifier
	Logger    *zap.Logger
}

// Sender shares the local clipboard with a peer.
type Sender struct {
	self      devices.Device
	networkID string
	clipboard Clipboard
	blobs     BlobStore
	trigger   Trigger
	notifier  Notifier
	logger    *zap.Logger
}

// NewSender validates cfg.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Self.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clipboard == nil {
		return nil, errMissingClipboard
	}
	if cfg.Trigger == nil {
		return nil, errMissingTrigger
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = discardNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		self:      cfg.Self,
		networkID: cfg.NetworkID,
		clipboard: cfg.Clipboard,
		blobs:     cfg.Blobs,
		trigger:   cfg.Trigger,
		notifier:  notifier,
		logger:    logger,
	}, nil
}

// Share reads the clipboard and asks the server to deliver it to target.
// Delivered only means the server accepted the publish.
func (s *Sender) Share(ctx context.Context, target devices.Device) SendResult {
	item, err := s.clipboard.Read(ctx)
	if err == nil && item.Empty() {
		err = ErrClipboardUnavailable
	}
	if err != nil {
		s.logger.Info("clipboard read failed", zap.String("target", target.Name), zap.Error(err))
		s.notifier.Notify(Message{Level: LevelError, Text: "Something went wrong reading your clipboard"})
		return SendResult{State: SendClipboardError, Err: wrapUnavailable(err)}
	}

	text := TextContent(item.Text)
	if len(item.Image) > 0 {
		if s.blobs == nil {
			s.notifier.Notify(Message{Level: LevelError, Text: "Failed to share clipboard"})
			return SendResult{State: SendClipboardError, Err: fmt.Errorf("%w: image sharing not configured", ErrClipboardUnavailable)}
		}
		imageID, uploadErr := s.blobs.Upload(ctx, item.Image)
		if uploadErr != nil {
			s.logger.Warn("image upload failed", zap.Error(uploadErr))
			s.notifier.Notify(Message{Level: LevelError, Text: "Failed to share clipboard"})
			return SendResult{State: SendServerError, Err: uploadErr}
		}
		text = ImageContent(imageID)
	}

	request := ShareRequest{
		DeviceName: target.Name,
		Channel:    channels.PrivateChannelName(target.Name, s.networkID),
		From:       s.self,
		Text:       text,
	}
	receipt, err := s.trigger.Share(ctx, request)
	if err != nil {
		s.logger.Warn("share rejected", zap.String("target", target.Name), zap.Error(err))
		s.notifier.Notify(Message{Level: LevelError, Text: "Failed to share clipboard"})
		return SendResult{State: SendServerError, Err: err}
	}
	s.notifier.Notify(Message{Level: LevelSuccess, Text: fmt.Sprintf("Clipboard shared with %s", receipt.LastDeviceName)})
	return SendResult{State: SendDelivered, Receipt: receipt}
}

func wrapUnavailable(err error) error {
	if errors.Is(err, ErrClipboardUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrClipboardUnavailable, err)
}

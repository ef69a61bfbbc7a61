package clipboard

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/clipnet/internal/devices"
	"github.com/MarcoPoloResearchLab/clipnet/internal/realtime"
	"go.uber.org/zap"
)

// ReceiveOutcome is what happened to an inbound share.
type ReceiveOutcome int

const (
	// ReceiveApplied means the share was written to the local clipboard.
	ReceiveApplied ReceiveOutcome = iota
	// ReceiveDeferred means the write lost focus and a notification was filed.
	ReceiveDeferred
	// ReceiveFailed means the share could not be applied and was dropped.
	ReceiveFailed
)

// ReceiveResult reports how an inbound share ended.
type ReceiveResult struct {
	Outcome ReceiveOutcome
	From    devices.Device
	Err     error
}

var errMissingNotifications = errors.New("notification store required")

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	Clipboard     Clipboard
	Blobs         BlobStore
	Notifications NotificationStore
	Notifier      Notifier
	Logger        *zap.Logger
}

// Receiver applies shares addressed to this device.
type Receiver struct {
	clipboard     Clipboard
	blobs         BlobStore
	notifications NotificationStore
	notifier      Notifier
	logger        *zap.Logger
}

// NewReceiver validates cfg.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.Clipboard == nil {
		return nil, errMissingClipboard
	}
	if cfg.Notifications == nil {
		return nil, errMissingNotifications
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = discardNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		clipboard:     cfg.Clipboard,
		blobs:         cfg.Blobs,
		notifications: cfg.Notifications,
		notifier:      notifier,
		logger:        logger,
	}, nil
}

// Receive handles a copy-to-clipboard event. Other events are ignored and
// reported as failed with ErrMalformedShare.
func (r *Receiver) Receive(ctx context.Context, event realtime.Event) ReceiveResult {
	if event.Name != EventCopyToClipboard {
		return ReceiveResult{Outcome: ReceiveFailed, Err: fmt.Errorf("%w: unexpected event %q", ErrMalformedShare, event.Name)}
	}
	share, err := DecodeShareEvent(event.Data)
	if err != nil {
		r.logger.Warn("malformed share dropped", zap.String("channel", event.Channel), zap.Error(err))
		r.notifier.Notify(Message{Level: LevelError, Text: "Someone tried to share their clipboard but something went wrong"})
		return ReceiveResult{Outcome: ReceiveFailed, Err: err}
	}

	err = r.apply(ctx, share.Text)
	switch {
	case err == nil:
		r.notifier.Notify(Message{
			Level: LevelSuccess,
			Text:  fmt.Sprintf("Check your clipboard, %s just shared their clipboard with you!", share.From.Name),
		})
		return ReceiveResult{Outcome: ReceiveApplied, From: share.From}
	case errors.Is(err, ErrFocusLost):
		if _, storeErr := r.notifications.Add(ctx, share.From, share.Text); storeErr != nil {
			r.logger.Error("notification not recorded", zap.String("from", share.From.Name), zap.Error(storeErr))
			r.notifier.Notify(Message{
				Level: LevelError,
				Text:  fmt.Sprintf("%s shared their clipboard with you but it couldn't be saved", share.From.Name),
			})
			return ReceiveResult{Outcome: ReceiveFailed, From: share.From, Err: storeErr}
		}
		r.logger.Info("share deferred to notifications", zap.String("from", share.From.Name))
		r.notifier.Notify(Message{
			Level: LevelInfo,
			Text:  fmt.Sprintf("%s shared their clipboard with you, find it in your notifications", share.From.Name),
		})
		return ReceiveResult{Outcome: ReceiveDeferred, From: share.From}
	default:
		r.logger.Warn("share not applied", zap.String("from", share.From.Name), zap.Error(err))
		r.notifier.Notify(Message{
			Level: LevelError,
			Text:  fmt.Sprintf("%s tried to share their clipboard but something went wrong", share.From.Name),
		})
		return ReceiveResult{Outcome: ReceiveFailed, From: share.From, Err: err}
	}
}

// Apply writes a share text to the clipboard. Notifications reuse it when
// the user copies a deferred share.
func (r *Receiver) Apply(ctx context.Context, text string) error {
	return r.apply(ctx, text)
}

func (r *Receiver) apply(ctx context.Context, text string) error {
	content, err := ParseContent(text)
	if err != nil {
		return err
	}
	if content.Kind == ContentText {
		return r.clipboard.WriteText(ctx, content.Text)
	}
	if r.blobs == nil {
		return fmt.Errorf("%w: image sharing not configured", ErrMalformedShare)
	}
	image, err := r.blobs.Fetch(ctx, content.ImageID)
	if err != nil {
		return err
	}
	return r.clipboard.WriteImage(ctx, image)
}

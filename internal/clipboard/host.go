package clipboard

import (
	"context"
	"fmt"
	"sync/atomic"

	hostclipboard "github.com/atotto/clipboard"
)

// HostClipboard is the desktop clipboard. It carries text only; images are
// reported as unavailable. While the user is away every write reports
// ErrFocusLost, so inbound shares are kept as notifications.
type HostClipboard struct {
	readAll  func() (string, error)
	writeAll func(string) error
	away     atomic.Bool
}

// NewHostClipboard returns the system clipboard, or ErrClipboardUnavailable
// when the platform offers none.
func NewHostClipboard() (*HostClipboard, error) {
	if hostclipboard.Unsupported {
		return nil, ErrClipboardUnavailable
	}
	return &HostClipboard{readAll: hostclipboard.ReadAll, writeAll: hostclipboard.WriteAll}, nil
}

// SetAway marks whether the user is at this device.
func (h *HostClipboard) SetAway(away bool) {
	h.away.Store(away)
}

// Away reports whether writes are currently refused.
func (h *HostClipboard) Away() bool {
	return h.away.Load()
}

func (h *HostClipboard) Read(ctx context.Context) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	text, err := h.readAll()
	if err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrClipboardUnavailable, err)
	}
	return Item{Text: text}, nil
}

func (h *HostClipboard) WriteText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.away.Load() {
		return ErrFocusLost
	}
	if err := h.writeAll(text); err != nil {
		return fmt.Errorf("%w: %v", ErrClipboardUnavailable, err)
	}
	return nil
}

func (h *HostClipboard) WriteImage(context.Context, []byte) error {
	if h.away.Load() {
		return ErrFocusLost
	}
	return fmt.Errorf("%w: images are not supported by the host clipboard", ErrClipboardUnavailable)
}

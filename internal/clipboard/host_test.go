package clipboard

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHostClipboardMapsFailures(t *testing.T) {
	var written string
	host := &HostClipboard{
		readAll:  func() (string, error) { return "", errors.New("xclip missing") },
		writeAll: func(text string) error { written = text; return nil },
	}

	if _, err := host.Read(context.Background()); !errors.Is(err, ErrClipboardUnavailable) {
		t.Fatalf("expected unavailable clipboard, got %v", err)
	}
	if err := host.WriteText(context.Background(), "hello"); err != nil || written != "hello" {
		t.Fatalf("unexpected write %q (%v)", written, err)
	}
	if err := host.WriteImage(context.Background(), []byte{1}); !errors.Is(err, ErrClipboardUnavailable) {
		t.Fatalf("expected image writes to be unavailable, got %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := host.WriteText(cancelled, "late"); !errors.Is(err, context.Canceled) || written != "hello" {
		t.Fatalf("expected cancelled write to be skipped, got %v", err)
	}
}

func TestHostClipboardRefusesWritesWhileAway(t *testing.T) {
	writes := 0
	host := &HostClipboard{
		readAll:  func() (string, error) { return "mine", nil },
		writeAll: func(string) error { writes++; return nil },
	}

	host.SetAway(true)
	if err := host.WriteText(context.Background(), "hello"); !errors.Is(err, ErrFocusLost) {
		t.Fatalf("expected focus lost, got %v", err)
	}
	if err := host.WriteImage(context.Background(), []byte{1}); !errors.Is(err, ErrFocusLost) {
		t.Fatalf("expected focus lost for images, got %v", err)
	}
	if item, err := host.Read(context.Background()); err != nil || item.Text != "mine" {
		t.Fatalf("reads must keep working while away, got %#v (%v)", item, err)
	}
	if writes != 0 || !host.Away() {
		t.Fatalf("expected no host writes while away")
	}

	host.SetAway(false)
	if err := host.WriteText(context.Background(), "hello"); err != nil || writes != 1 {
		t.Fatalf("expected write after returning, got %v", err)
	}
}

func TestReceiverDefersSharesWhileHostIsAway(t *testing.T) {
	host := &HostClipboard{
		readAll:  func() (string, error) { return "", nil },
		writeAll: func(string) error { return nil },
	}
	host.SetAway(true)
	store := newNotificationStore(t, time.Now())
	receiver, err := NewReceiver(ReceiverConfig{Clipboard: host, Notifications: store})
	if err != nil {
		t.Fatalf("unexpected receiver error: %v", err)
	}

	result := receiver.Receive(context.Background(), shareEvent(t, deviceA, TextContent("hello")))
	if result.Outcome != ReceiveDeferred {
		t.Fatalf("expected deferred share, got %#v", result)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one notification, got %d", store.Len())
	}
}

// Package agent is the line oriented console of the device agent.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clipnet/internal/clipboard"
	"github.com/MarcoPoloResearchLab/clipnet/internal/devices"
	"github.com/MarcoPoloResearchLab/clipnet/internal/notifications"
	"go.uber.org/zap"
)

// ErrUnknownCommand indicates a console line no command matched.
var ErrUnknownCommand = errors.New("agent: unknown command")

var (
	errQuit              = errors.New("agent: quit")
	errMissingSession    = errors.New("agent: session required")
	errMissingInbox      = errors.New("agent: notification inbox required")
	errMissingApplier    = errors.New("agent: clipboard applier required")
	errMissingOutput     = errors.New("agent: output required")
	errMissingIdentifier = errors.New("agent: identifier required")
	errAwayUnsupported   = errors.New("agent: this clipboard cannot be set away")
)

// Session is the connected device the console drives.
type Session interface {
	Devices(ctx context.Context) ([]devices.Device, error)
	Share(ctx context.Context, name string) (clipboard.SendResult, error)
}

// Inbox holds the shares that arrived while the clipboard was unavailable.
type Inbox interface {
	List() []notifications.Notification
	Get(id string) (notifications.Notification, bool)
	Delete(ctx context.Context, id string) error
}

// Presence toggles whether inbound shares are written or kept as notifications.
type Presence interface {
	SetAway(away bool)
}

// Applier writes a share text to the local clipboard.
type Applier interface {
	Apply(ctx context.Context, text string) error
}

// Printer serializes user facing output. It is safe for concurrent use, so
// the session goroutine can report through it while the console serves.
type Printer struct {
	logger *zap.Logger

	mu  sync.Mutex
	out io.Writer
}

// NewPrinter writes to out.
func NewPrinter(out io.Writer, logger *zap.Logger) (*Printer, error) {
	if out == nil {
		return nil, errMissingOutput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Printer{out: out, logger: logger}, nil
}

// Notify prints a transient message.
func (p *Printer) Notify(message clipboard.Message) {
	p.printf("[%s] %s\n", message.Level, message.Text)
}

// Roster prints the devices currently present.
func (p *Printer) Roster(roster []devices.Device) {
	if len(roster) == 0 {
		p.printf("no other devices in this network\n")
		return
	}
	names := make([]string, 0, len(roster))
	for _, device := range roster {
		names = append(names, fmt.Sprintf("%s (%s)", device.Name, device.Type))
	}
	p.printf("devices: %s\n", strings.Join(names, ", "))
}

func (p *Printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprintf(p.out, format, args...); err != nil {
		p.logger.Warn("console write failed", zap.Error(err))
	}
}

// ConsoleConfig configures a Console.
type ConsoleConfig struct {
	Session  Session
	Inbox    Inbox
	Applier  Applier
	Presence Presence
	Printer  *Printer
	Logger   *zap.Logger
}

// Console interprets user commands.
type Console struct {
	session  Session
	inbox    Inbox
	applier  Applier
	presence Presence
	printer  *Printer
	logger   *zap.Logger
}

// NewConsole validates cfg.
func NewConsole(cfg ConsoleConfig) (*Console, error) {
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	if cfg.Inbox == nil {
		return nil, errMissingInbox
	}
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}
	if cfg.Printer == nil {
		return nil, errMissingOutput
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{
		session:  cfg.Session,
		inbox:    cfg.Inbox,
		applier:  cfg.Applier,
		presence: cfg.Presence,
		printer:  cfg.Printer,
		logger:   logger,
	}, nil
}

// Serve reads commands from in until it ends, ctx is done or the user quits.
func (c *Console) Serve(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	c.printf("type \"help\" for commands\n")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			err := c.Execute(ctx, line)
			switch {
			case errors.Is(err, errQuit):
				return nil
			case err != nil:
				c.printf("error: %v\n", err)
			}
		}
	}
}

// Execute runs one command line.
func (c *Console) Execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	argument := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))

	switch strings.ToLower(fields[0]) {
	case "help":
		c.printf("list                  show the devices in this network\n" +
			"share <device name>   send your clipboard to a device\n" +
			"notifications         show shares waiting for you\n" +
			"copy <id>             copy a waiting share and dismiss it\n" +
			"delete <id>           dismiss a waiting share\n" +
			"away                  keep incoming shares as notifications\n" +
			"back                  write incoming shares to the clipboard again\n" +
			"quit                  leave the network\n")
		return nil
	case "list":
		roster, err := c.session.Devices(ctx)
		if err != nil {
			return err
		}
		c.printer.Roster(roster)
		return nil
	case "share":
		if argument == "" {
			return fmt.Errorf("%w: device name", errMissingIdentifier)
		}
		result, err := c.session.Share(ctx, argument)
		if err != nil {
			return err
		}
		c.logger.Debug("share finished", zap.String("state", result.State.String()), zap.String("target", argument))
		return nil
	case "notifications":
		c.printNotifications()
		return nil
	case "copy":
		return c.copyNotification(ctx, argument)
	case "delete":
		if argument == "" {
			return fmt.Errorf("%w: notification id", errMissingIdentifier)
		}
		return c.inbox.Delete(ctx, argument)
	case "away", "back":
		return c.setAway(strings.ToLower(fields[0]) == "away")
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])
	}
}

func (c *Console) copyNotification(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: notification id", errMissingIdentifier)
	}
	notification, ok := c.inbox.Get(id)
	if !ok {
		return notifications.ErrNotFound
	}
	if err := c.applier.Apply(ctx, notification.Text); err != nil {
		return err
	}
	c.printf("copied the share from %s\n", notification.From.Name)
	return c.inbox.Delete(ctx, id)
}

func (c *Console) setAway(away bool) error {
	if c.presence == nil {
		return errAwayUnsupported
	}
	c.presence.SetAway(away)
	if away {
		c.printf("away: incoming shares are kept as notifications\n")
		return nil
	}
	c.printf("back: %d notifications waiting\n", len(c.inbox.List()))
	return nil
}

func (c *Console) printNotifications() {
	pending := c.inbox.List()
	if len(pending) == 0 {
		c.printf("no notifications\n")
		return
	}
	for _, notification := range pending {
		c.printf("%s  %s  %s (%s)  %s\n",
			notification.ID,
			notification.Timestamp.Local().Format(time.DateTime),
			notification.From.Name,
			notification.From.Type,
			preview(notification.Text))
	}
}

func (c *Console) printf(format string, args ...any) {
	c.printer.printf(format, args...)
}

func preview(text string) string {
	content, err := clipboard.ParseContent(text)
	if err != nil {
		return "(unreadable share)"
	}
	if content.Kind == clipboard.ContentImage {
		return "(image)"
	}
	body := strings.ReplaceAll(content.Text, "\n", " ")
	if runes := []rune(body); len(runes) > 48 {
		return string(runes[:47]) + "…"
	}
	return body
}

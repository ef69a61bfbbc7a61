package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/clipnet/internal/agent"
	"github.com/MarcoPoloResearchLab/clipnet/internal/clipboard"
	"github.com/MarcoPoloResearchLab/clipnet/internal/config"
	"github.com/MarcoPoloResearchLab/clipnet/internal/database"
	"github.com/MarcoPoloResearchLab/clipnet/internal/devices"
	"github.com/MarcoPoloResearchLab/clipnet/internal/logging"
	"github.com/MarcoPoloResearchLab/clipnet/internal/networks"
	"github.com/MarcoPoloResearchLab/clipnet/internal/notifications"
	"github.com/MarcoPoloResearchLab/clipnet/internal/realtime"
	"github.com/MarcoPoloResearchLab/clipnet/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const httpTimeout = 15 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clipnet-device",
		Short: "Share this machine's clipboard with nearby devices",
	}
	setupRootFlags(rootCmd)

	joinCmd := &cobra.Command{
		Use:   "join",
		Short: "Join a network and serve clipboard shares until you quit",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd.Context())
		},
	}
	setupJoinFlags(joinCmd)

	createCmd := &cobra.Command{
		Use:   "create-network",
		Short: "Create a network that other devices join by its identifier",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return createNetwork(cmd.Context(), cmd)
		},
	}
	rootCmd.AddCommand(joinCmd, createCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupRootFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server", defaults.GetString("device.server_url"), "clipnet server URL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd.PersistentFlags().Lookup("server"), "device.server_url")
	bindFlag(cmd.PersistentFlags().Lookup("log-level"), "log.level")
}

func setupJoinFlags(cmd *cobra.Command) {
	defaults := config.NewViper()
	cmd.Flags().String("network", "", "Network to join (defaults to the network of your address)")
	cmd.Flags().String("name", "", "Device name (generated when empty)")
	cmd.Flags().String("type", string(devices.TypeDesktop), "Device type reported to peers")
	cmd.Flags().String("database-path", defaults.GetString("device.database_path"), "SQLite path for pending notifications")

	bindFlag(cmd.Flags().Lookup("network"), "device.network")
	bindFlag(cmd.Flags().Lookup("name"), "device.name")
	bindFlag(cmd.Flags().Lookup("type"), "device.type")
	bindFlag(cmd.Flags().Lookup("database-path"), "device.database_path")
}

func bindFlag(flag *pflag.Flag, key string) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func createNetwork(ctx context.Context, cmd *cobra.Command) error {
	serverURL := strings.TrimRight(strings.TrimSpace(viper.GetString("device.server_url")), "/")
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/api/networks", nil)
	if err != nil {
		return err
	}
	response, err := (&http.Client{Timeout: httpTimeout}).Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusCreated {
		return fmt.Errorf("network creation failed with status %d", response.StatusCode)
	}
	var payload struct {
		NetworkID string `json:"networkID"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", payload.NetworkID)
	return nil
}

func runDevice(ctx context.Context) error {
	deviceConfig, err := config.LoadDevice(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewConsoleLogger(deviceConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenSQLite(deviceConfig.DatabasePath, logger, &notifications.Record{})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	repository, err := notifications.NewRepository(db)
	if err != nil {
		return err
	}
	inbox, err := notifications.NewStore(notifications.StoreConfig{
		Persister: repository,
		Logger:    logger.Named("notifications"),
	})
	if err != nil {
		return err
	}
	if err := inbox.Load(signalCtx); err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: httpTimeout}
	networkClient, err := networks.NewClient(deviceConfig.ServerURL, httpClient)
	if err != nil {
		return err
	}
	networkID := deviceConfig.NetworkID
	if networkID == "" {
		if networkID, err = networkClient.Local(signalCtx); err != nil {
			return err
		}
	}
	roster, err := networkClient.Lookup(signalCtx, networkID)
	if errors.Is(err, networks.ErrCapacityExceeded) {
		return fmt.Errorf("network %s is full, try again later", networkID)
	}
	if err != nil {
		return err
	}

	self, err := resolveIdentity(deviceConfig, roster.AllDevices)
	if err != nil {
		return err
	}

	hostClipboard, err := clipboard.NewHostClipboard()
	if err != nil {
		return err
	}
	serverClient, err := clipboard.NewClient(clipboard.ClientConfig{
		BaseURL:    deviceConfig.ServerURL,
		NetworkID:  networkID,
		HTTPClient: httpClient,
	})
	if err != nil {
		return err
	}

	printer, err := agent.NewPrinter(os.Stdout, logger)
	if err != nil {
		return err
	}
	sender, err := clipboard.NewSender(clipboard.SenderConfig{
		Self:      self,
		NetworkID: networkID,
		Clipboard: hostClipboard,
		Blobs:     serverClient,
		Trigger:   serverClient,
		Notifier:  printer,
		Logger:    logger.Named("sender"),
	})
	if err != nil {
		return err
	}
	receiver, err := clipboard.NewReceiver(clipboard.ReceiverConfig{
		Clipboard:     hostClipboard,
		Blobs:         serverClient,
		Notifications: inbox,
		Notifier:      printer,
		Logger:        logger.Named("receiver"),
	})
	if err != nil {
		return err
	}
	authorizer, err := session.NewHTTPAuthorizer(deviceConfig.ServerURL, httpClient)
	if err != nil {
		return err
	}

	realtimeURL, err := gatewayURL(deviceConfig.ServerURL)
	if err != nil {
		return err
	}
	connected, err := session.Open(signalCtx, session.Config{
		Device:    self,
		NetworkID: networkID,
		Dial: func(ctx context.Context) (realtime.Connection, error) {
			client, err := realtime.Dial(ctx, realtimeURL, realtime.WithLogger(logger.Named("realtime")))
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		Authorizer: authorizer,
		Sender:     sender,
		Receiver:   receiver,
		OnRoster:   printer.Roster,
		Logger:     logger.Named("session"),
	})
	if err != nil {
		return err
	}

	console, err := agent.NewConsole(agent.ConsoleConfig{
		Session:  connected,
		Inbox:    inbox,
		Applier:  receiver,
		Presence: hostClipboard,
		Printer:  printer,
		Logger:   logger.Named("console"),
	})
	if err != nil {
		_ = connected.Close()
		return err
	}
	fmt.Fprintf(os.Stdout, "joined network %s as %s\n", networkID, self.Name)

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return connected.Run(groupCtx)
	})
	group.Go(func() error {
		defer connected.Close()
		return console.Serve(groupCtx, os.Stdin)
	})
	err = group.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, session.ErrSessionClosed) {
		return nil
	}
	return err
}

func resolveIdentity(cfg config.DeviceConfig, known []string) (devices.Device, error) {
	deviceType := devices.ParseType(cfg.DeviceType)
	if cfg.DeviceName != "" {
		return devices.Claim(cfg.DeviceName, known, deviceType)
	}
	resolver, err := devices.NewResolver(devices.ResolverConfig{Generator: devices.NewWordNameGenerator(nil)})
	if err != nil {
		return devices.Device{}, err
	}
	return resolver.Resolve(known, deviceType)
}

func gatewayURL(serverURL string) (string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/realtime"
	return parsed.String(), nil
}

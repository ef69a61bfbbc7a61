package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/clipnet/internal/auth"
	"github.com/MarcoPoloResearchLab/clipnet/internal/config"
	"github.com/MarcoPoloResearchLab/clipnet/internal/database"
	"github.com/MarcoPoloResearchLab/clipnet/internal/gate"
	"github.com/MarcoPoloResearchLab/clipnet/internal/images"
	"github.com/MarcoPoloResearchLab/clipnet/internal/logging"
	"github.com/MarcoPoloResearchLab/clipnet/internal/metrics"
	"github.com/MarcoPoloResearchLab/clipnet/internal/networks"
	"github.com/MarcoPoloResearchLab/clipnet/internal/realtime"
	"github.com/MarcoPoloResearchLab/clipnet/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clipnet-api",
		Short: "Clipboard sharing relay for nearby devices",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Grant signing secret (overrides env)")
	cmd.PersistentFlags().Duration("grant-ttl", defaults.GetDuration("grant.ttl"), "Subscription grant lifetime")
	cmd.PersistentFlags().Int("max-devices", defaults.GetInt("network.max_devices"), "Devices allowed per network")
	cmd.PersistentFlags().Duration("image-ttl", defaults.GetDuration("images.ttl"), "Shared image lifetime")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed by CORS and the websocket gateway")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "grant.signing_secret", "signing-secret")
	bindFlag(cmd, "grant.ttl", "grant-ttl")
	bindFlag(cmd, "network.max_devices", "max-devices")
	bindFlag(cmd, "images.ttl", "image-ttl")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger, &images.Image{})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	recorder := metrics.New()

	grantIssuer, err := auth.NewGrantIssuer(auth.GrantIssuerConfig{
		SigningSecret: []byte(appConfig.GrantSigningSecret),
		Issuer:        appConfig.GrantIssuer,
		Audience:      appConfig.GrantAudience,
		GrantTTL:      appConfig.GrantTTL,
	})
	if err != nil {
		return err
	}

	hub, err := realtime.NewHub(realtime.HubConfig{
		Verifier: grantIssuer,
		Recorder: recorder,
		Logger:   logger.Named("hub"),
	})
	if err != nil {
		return err
	}

	gateway, err := realtime.NewGateway(realtime.GatewayConfig{
		Hub:         hub,
		Logger:      logger.Named("gateway"),
		CheckOrigin: originChecker(appConfig.AllowedOrigins),
	})
	if err != nil {
		return err
	}

	subscriptionGate, err := gate.New(gate.Config{
		Issuer:   grantIssuer,
		Recorder: recorder,
		Logger:   logger.Named("gate"),
	})
	if err != nil {
		return err
	}

	admission, err := networks.NewAdmission(networks.AdmissionConfig{
		Roster:     hub,
		MaxDevices: appConfig.MaxDevices,
	})
	if err != nil {
		return err
	}

	imageStore, err := images.NewStore(images.StoreConfig{
		Database: db,
		TTL:      appConfig.ImageTTL,
		MaxBytes: appConfig.ImageMaxBytes,
		Logger:   logger.Named("images"),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authorizer:     subscriptionGate,
		Admission:      admission,
		Publisher:      hub,
		Images:         imageStore,
		Realtime:       gateway,
		Metrics:        recorder,
		AllowedOrigins: appConfig.AllowedOrigins,
		TriggerRate:    rate.Limit(appConfig.TriggerRate),
		TriggerBurst:   appConfig.TriggerBurst,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		imageStore.RunPurger(groupCtx, appConfig.ImagePurgeInterval, recorder.ImagesPurged)
		return nil
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownGracePeriod)
		defer cancel()
		logger.Info("server stopping")
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// originChecker returns nil, which lets the gateway accept every origin, when
// no origins are configured.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "CLIPNET"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "clipnet.db"
	defaultLogLevel            = "info"
	defaultGrantIssuer         = "clipnet-gate"
	defaultGrantAudience       = "clipnet-realtime"
	defaultGrantTTL            = 10 * time.Minute
	defaultMaxDevices          = 100
	defaultImageTTL            = 24 * time.Hour
	defaultImageMaxBytes       = 16 << 20
	defaultImagePurgeInterval  = 10 * time.Minute
	defaultTriggerRate         = 5.0
	defaultTriggerBurst        = 10
	defaultServerURL           = "http://localhost:8080"
	defaultDeviceDatabasePath  = "clipnet-device.db"
	defaultShutdownGracePeriod = 10 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	DatabasePath        string
	LogLevel            string
	GrantSigningSecret  string
	GrantIssuer         string
	GrantAudience       string
	GrantTTL            time.Duration
	MaxDevices          int
	ImageTTL            time.Duration
	ImageMaxBytes       int64
	ImagePurgeInterval  time.Duration
	TriggerRate         float64
	TriggerBurst        int
	AllowedOrigins      []string
	ShutdownGracePeriod time.Duration
}

// DeviceConfig captures runtime configuration for the device agent.
type DeviceConfig struct {
	ServerURL    string
	NetworkID    string
	DeviceName   string
	DeviceType   string
	DatabasePath string
	LogLevel     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("grant.issuer", defaultGrantIssuer)
	configViper.SetDefault("grant.audience", defaultGrantAudience)
	configViper.SetDefault("grant.ttl", defaultGrantTTL)
	configViper.SetDefault("network.max_devices", defaultMaxDevices)
	configViper.SetDefault("images.ttl", defaultImageTTL)
	configViper.SetDefault("images.max_bytes", defaultImageMaxBytes)
	configViper.SetDefault("images.purge_interval", defaultImagePurgeInterval)
	configViper.SetDefault("trigger.rate", defaultTriggerRate)
	configViper.SetDefault("trigger.burst", defaultTriggerBurst)
	configViper.SetDefault("cors.allowed_origins", []string{})
	configViper.SetDefault("http.shutdown_grace_period", defaultShutdownGracePeriod)

	configViper.SetDefault("device.server_url", defaultServerURL)
	configViper.SetDefault("device.database_path", defaultDeviceDatabasePath)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		GrantSigningSecret:  configViper.GetString("grant.signing_secret"),
		GrantIssuer:         configViper.GetString("grant.issuer"),
		GrantAudience:       configViper.GetString("grant.audience"),
		GrantTTL:            configViper.GetDuration("grant.ttl"),
		MaxDevices:          configViper.GetInt("network.max_devices"),
		ImageTTL:            configViper.GetDuration("images.ttl"),
		ImageMaxBytes:       configViper.GetInt64("images.max_bytes"),
		ImagePurgeInterval:  configViper.GetDuration("images.purge_interval"),
		TriggerRate:         configViper.GetFloat64("trigger.rate"),
		TriggerBurst:        configViper.GetInt("trigger.burst"),
		AllowedOrigins:      splitList(configViper.GetStringSlice("cors.allowed_origins")),
		ShutdownGracePeriod: configViper.GetDuration("http.shutdown_grace_period"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadDevice parses device agent configuration from viper.
func LoadDevice(configViper *viper.Viper) (DeviceConfig, error) {
	cfg := DeviceConfig{
		ServerURL:    strings.TrimRight(strings.TrimSpace(configViper.GetString("device.server_url")), "/"),
		NetworkID:    strings.TrimSpace(configViper.GetString("device.network")),
		DeviceName:   strings.TrimSpace(configViper.GetString("device.name")),
		DeviceType:   strings.TrimSpace(configViper.GetString("device.type")),
		DatabasePath: configViper.GetString("device.database_path"),
		LogLevel:     configViper.GetString("log.level"),
	}
	if cfg.ServerURL == "" {
		return DeviceConfig{}, fmt.Errorf("device.server_url is required")
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return DeviceConfig{}, fmt.Errorf("device.database_path is required")
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.GrantSigningSecret) == "" {
		return fmt.Errorf("grant.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.GrantTTL <= 0 {
		return fmt.Errorf("grant.ttl must be positive")
	}
	if c.MaxDevices <= 0 {
		return fmt.Errorf("network.max_devices must be positive")
	}
	if c.ImageMaxBytes <= 0 {
		return fmt.Errorf("images.max_bytes must be positive")
	}
	if c.ImagePurgeInterval <= 0 {
		return fmt.Errorf("images.purge_interval must be positive")
	}
	if c.TriggerRate <= 0 || c.TriggerBurst <= 0 {
		return fmt.Errorf("trigger.rate and trigger.burst must be positive")
	}
	return nil
}

// splitList accepts both list values and the comma separated form env
// variables arrive in.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/yxl/DownloadProvider/internal/netpolicy"
)

// Config struct for environment variables.
type Config struct {
	DBPath      string `envconfig:"DB_PATH" default:"downloads.db"`
	DataDir     string `envconfig:"DATA_DIR" required:"true"`
	ExternalDir string `envconfig:"EXTERNAL_DIR"`

	MaxConcurrent int `envconfig:"MAX_CONCURRENT" default:"5"`
	MaxRecords    int `envconfig:"MAX_RECORDS" default:"1000"`

	NetworkType                    string `envconfig:"NETWORK_TYPE" default:"wifi"`
	NetworkConnected               bool   `envconfig:"NETWORK_CONNECTED" default:"true"`
	NetworkRoaming                 bool   `envconfig:"NETWORK_ROAMING"`
	MaxBytesOverMetered            int64  `envconfig:"MAX_BYTES_OVER_METERED"`
	RecommendedMaxBytesOverMetered int64  `envconfig:"RECOMMENDED_MAX_BYTES_OVER_METERED"`

	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"0s"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"INFO"`
	WebhookURL  string        `envconfig:"WEBHOOK_URL"`

	TelemetryEnabled bool   `envconfig:"TELEMETRY_ENABLED"`
	ServiceName      string `envconfig:"SERVICE_NAME" default:"downloadd"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NetworkOracle builds the connectivity oracle described by the
// NETWORK_* variables.
func (c *Config) NetworkOracle() (*netpolicy.Static, error) {
	var t netpolicy.Type
	switch strings.ToLower(c.NetworkType) {
	case "wifi":
		t = netpolicy.TypeWifi
	case "metered":
		t = netpolicy.TypeMetered
	default:
		return nil, fmt.Errorf("unknown network type %q", c.NetworkType)
	}

	oracle := netpolicy.NewStatic(t, c.MaxBytesOverMetered, c.RecommendedMaxBytesOverMetered)
	oracle.SetNetwork(t, c.NetworkConnected, c.NetworkRoaming)

	return oracle, nil
}

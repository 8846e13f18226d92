// Package config provides environment-based configuration.
//
// Loads from .env file (godotenv), maps to Config struct via go-simpler/env
// struct tags. Validates required fields and the application policy blob.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Application is one entry of the per-application policy blob.
type Application struct {
	MaxDevicesPerSession int      `json:"maxDevicesPerSession"`
	Rooms                []string `json:"rooms"`
}

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	// Proximity thresholds in meters for the two-tier session search.
	MinDistanceMeters float64 `env:"MIN_DISTANCE_METERS" default:"15"`
	MaxDistanceMeters float64 `env:"MAX_DISTANCE_METERS" default:"200"`

	// DefaultMaxDevices applies to applications without a policy entry.
	DefaultMaxDevices int `env:"DEFAULT_MAX_DEVICES" default:"4"`

	// ApplicationsJSON maps application ids to policy entries, e.g.
	// {"demo":{"maxDevicesPerSession":2,"rooms":["red","blue"]}}.
	ApplicationsJSON string `env:"APPLICATIONS" default:"{}"`

	SweepEnabled   bool          `env:"SWEEP_ENABLED" default:"true"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" default:"30s"`
	ReapInterval   time.Duration `env:"REAP_INTERVAL" default:"1m"`
	StaleThreshold time.Duration `env:"STALE_THRESHOLD" default:"5m"`

	MaxWebSocketConnections int64   `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
	ConnectionRatePerIP     float64 `env:"CONNECTION_RATE_PER_IP" default:"10"`
	ConnectionBurstPerIP    int     `env:"CONNECTION_BURST_PER_IP" default:"10"`

	// Applications is decoded from ApplicationsJSON during Load; it has no
	// env tag so the loader leaves it alone.
	Applications map[string]Application
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := json.Unmarshal([]byte(cfg.ApplicationsJSON), &cfg.Applications); err != nil {
		return nil, fmt.Errorf("APPLICATIONS must be valid JSON: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"DATABASE_URL": cfg.DatabaseURL,
		"REDIS_URL":    cfg.RedisURL,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if cfg.MinDistanceMeters <= 0 || cfg.MaxDistanceMeters <= 0 {
		return fmt.Errorf("distance thresholds must be positive")
	}
	if cfg.MinDistanceMeters > cfg.MaxDistanceMeters {
		return fmt.Errorf("MIN_DISTANCE_METERS (%g) exceeds MAX_DISTANCE_METERS (%g)",
			cfg.MinDistanceMeters, cfg.MaxDistanceMeters)
	}

	if cfg.DefaultMaxDevices < 1 {
		return fmt.Errorf("DEFAULT_MAX_DEVICES must be at least 1")
	}
	for id, app := range cfg.Applications {
		if app.MaxDevicesPerSession < 1 {
			return fmt.Errorf("application %q: maxDevicesPerSession must be at least 1", id)
		}
	}

	if cfg.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if cfg.StaleThreshold <= 0 {
		return fmt.Errorf("STALE_THRESHOLD must be positive")
	}

	return nil
}

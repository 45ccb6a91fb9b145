// Package config loads and validates the broker pool service's
// configuration from a YAML file with environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the service's top-level configuration.
type Config struct {
	Brokers    BrokersConfig    `mapstructure:"brokers"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Session    SessionConfig    `mapstructure:"session"`
	Database   DatabaseConfig   `mapstructure:"database"`
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane"`
}

// BrokersConfig names the candidate brokers and the category used to
// select a weight profile for scoring them.
type BrokersConfig struct {
	URIs     []string `mapstructure:"uris"`
	Category string   `mapstructure:"category"`
}

// MonitorConfig tunes the background measurement loop's cadences.
type MonitorConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	LatencyCadence    time.Duration `mapstructure:"latency_cadence"`
	BandwidthCadence  time.Duration `mapstructure:"bandwidth_cadence"`
	ConnectionCadence time.Duration `mapstructure:"connection_cadence"`
}

// SessionConfig tunes the Session Manager's connection and publish
// behavior.
type SessionConfig struct {
	Username            string        `mapstructure:"username"`
	Password            string        `mapstructure:"password"`
	KeepAlive           time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	QueueCapacity       int           `mapstructure:"queue_capacity"`
	HysteresisThreshold float64       `mapstructure:"hysteresis_threshold"`
	PublishRateLimit    float64       `mapstructure:"publish_rate_limit"` // publishes/sec; 0 disables
	PublishBurst        int           `mapstructure:"publish_burst"`
	BreakerFailureThreshold uint32    `mapstructure:"breaker_failure_threshold"`
}

// DatabaseConfig configures the metrics history repository. Enabled
// defaults to false: the engine runs without persistence unless Enabled
// is set, and Validate then also requires a DSN.
type DatabaseConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	DSN                string        `mapstructure:"dsn"`
	Schema             string        `mapstructure:"schema"`
	ChunkInterval      time.Duration `mapstructure:"chunk_interval"`
	CompressionEnabled bool          `mapstructure:"compression_enabled"`
}

// ControlPlaneConfig configures the observability HTTP/WebSocket server.
type ControlPlaneConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BindAddress   string        `mapstructure:"bind_address"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load reads configuration from path (YAML) with BROKERPOOL_-prefixed
// environment variable overrides, applies defaults for anything unset,
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("BROKERPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("brokers.category", "sensor")
	v.SetDefault("monitor.tick_interval", 20*time.Second)
	v.SetDefault("monitor.latency_cadence", 5*time.Second)
	v.SetDefault("monitor.bandwidth_cadence", 10*time.Second)
	v.SetDefault("monitor.connection_cadence", 15*time.Second)
	v.SetDefault("session.keep_alive", 30*time.Second)
	v.SetDefault("session.connect_timeout", 10*time.Second)
	v.SetDefault("session.queue_capacity", 1000)
	v.SetDefault("session.hysteresis_threshold", 0.10)
	v.SetDefault("session.publish_rate_limit", 0)
	v.SetDefault("session.publish_burst", 10)
	v.SetDefault("session.breaker_failure_threshold", 3)
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.chunk_interval", 24*time.Hour)
	v.SetDefault("control_plane.enabled", true)
	v.SetDefault("control_plane.bind_address", ":8090")
	v.SetDefault("control_plane.rate_limit", 10)
	v.SetDefault("control_plane.rate_burst", 20)
	v.SetDefault("control_plane.shutdown_timeout", 15*time.Second)
}

// Validate checks every field for internally-consistent, production-safe
// values, aggregating every problem found into a single error.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Brokers.URIs) == 0 {
		errs = append(errs, "brokers.uris must list at least one broker")
	}
	if c.Monitor.TickInterval <= 0 {
		errs = append(errs, "monitor.tick_interval must be greater than zero")
	}
	if c.Monitor.LatencyCadence <= 0 {
		errs = append(errs, "monitor.latency_cadence must be greater than zero")
	}
	if c.Monitor.BandwidthCadence <= 0 {
		errs = append(errs, "monitor.bandwidth_cadence must be greater than zero")
	}
	if c.Monitor.ConnectionCadence <= 0 {
		errs = append(errs, "monitor.connection_cadence must be greater than zero")
	}
	if c.Session.QueueCapacity <= 0 {
		errs = append(errs, fmt.Sprintf("session.queue_capacity %d must be positive", c.Session.QueueCapacity))
	}
	if c.Session.HysteresisThreshold < 0 || c.Session.HysteresisThreshold > 1 {
		errs = append(errs, fmt.Sprintf("session.hysteresis_threshold %f must be in [0,1]", c.Session.HysteresisThreshold))
	}
	if c.Session.PublishRateLimit < 0 {
		errs = append(errs, "session.publish_rate_limit cannot be negative")
	}
	if c.Database.Enabled && strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, "database.dsn must be set when database.enabled is true")
	}
	if c.ControlPlane.Enabled && strings.TrimSpace(c.ControlPlane.BindAddress) == "" {
		errs = append(errs, "control_plane.bind_address must be set when control_plane.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n - %s", strings.Join(errs, "\n - "))
	}
	return nil
}

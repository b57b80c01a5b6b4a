// Package config loads gateway settings from a YAML file and RELAY_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. RELAY_SERVER_ADDR.
const EnvPrefix = "RELAY"

// Config is the complete gateway configuration.
type Config struct {
	Server struct {
		Addr                  string        `mapstructure:"addr"`
		DevicePath            string        `mapstructure:"device_path"`
		ViewerPath            string        `mapstructure:"viewer_path"`
		AdmissionRate         float64       `mapstructure:"admission_rate"`
		AdmissionBurst        int           `mapstructure:"admission_burst"`
		MaxDevices            int           `mapstructure:"max_devices"`
		WriteTimeout          time.Duration `mapstructure:"write_timeout"`
		ViewerIdentifyTimeout time.Duration `mapstructure:"viewer_identify_timeout"`
		ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Backend struct {
		IdentityURL    string        `mapstructure:"identity_url"`
		StatusURL      string        `mapstructure:"status_url"`
		AuthAction     string        `mapstructure:"auth_action"`
		LookupAction   string        `mapstructure:"lookup_action"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		MaxAttempts    int           `mapstructure:"max_attempts"`
		BackoffBase    time.Duration `mapstructure:"backoff_base"`
	} `mapstructure:"backend"`

	Heartbeat struct {
		Interval  time.Duration `mapstructure:"interval"`
		Threshold int           `mapstructure:"threshold"`
	} `mapstructure:"heartbeat"`

	Trigger struct {
		PollInterval time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"trigger"`

	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.device_path", "/ws/device")
	v.SetDefault("server.viewer_path", "/ws/viewer")
	v.SetDefault("server.admission_rate", 50.0)
	v.SetDefault("server.admission_burst", 100)
	v.SetDefault("server.max_devices", 0)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.viewer_identify_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("backend.identity_url", "http://localhost:8000/api/identity")
	v.SetDefault("backend.status_url", "http://localhost:8000/api/status")
	v.SetDefault("backend.auth_action", "device_login")
	v.SetDefault("backend.lookup_action", "get_user_device")
	v.SetDefault("backend.request_timeout", 10*time.Second)
	v.SetDefault("backend.max_attempts", 3)
	v.SetDefault("backend.backoff_base", 2*time.Second)

	v.SetDefault("heartbeat.interval", 30*time.Second)
	v.SetDefault("heartbeat.threshold", 2)

	v.SetDefault("trigger.poll_interval", 60*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// NewViper returns a viper instance with defaults and environment overrides applied.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional YAML file at path and decodes the result.
// An empty path uses defaults and environment variables only.
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return fmt.Errorf("server.addr must be set")
	case c.Backend.IdentityURL == "":
		return fmt.Errorf("backend.identity_url must be set")
	case c.Backend.StatusURL == "":
		return fmt.Errorf("backend.status_url must be set")
	case c.Backend.MaxAttempts < 1:
		return fmt.Errorf("backend.max_attempts must be at least 1, got %d", c.Backend.MaxAttempts)
	case c.Heartbeat.Interval <= 0:
		return fmt.Errorf("heartbeat.interval must be positive")
	case c.Heartbeat.Threshold < 0:
		return fmt.Errorf("heartbeat.threshold must not be negative")
	case c.Trigger.PollInterval <= 0:
		return fmt.Errorf("trigger.poll_interval must be positive")
	case c.Server.MaxDevices < 0:
		return fmt.Errorf("server.max_devices must not be negative")
	}
	return nil
}

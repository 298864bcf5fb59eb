// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Spotify   SpotifyConfig   `yaml:"spotify"`
	Storage   StorageConfig   `yaml:"storage"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Poller    PollerConfig    `yaml:"poller"`
	Promotion PromotionConfig `yaml:"promotion"`
}

// ServerConfig represents server configuration.
type ServerConfig struct {
	Addr       string      `yaml:"addr" default:":8080"`
	AdminToken string      `yaml:"admin_token"`
	Hooks      HooksConfig `yaml:"hooks"`
}

// HooksConfig represents lifecycle hooks configuration.
type HooksConfig struct {
	OnStarted []string `yaml:"on_started"`
	OnStopped []string `yaml:"on_stopped"`
}

// SpotifyConfig represents Spotify API configuration.
// Credentials are optional here so offline tools can share the file;
// see RequireSpotify.
type SpotifyConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url" default:"http://127.0.0.1:8888/callback" validate:"url"`
	TokenFile    string `yaml:"token_file" default:"token.json" validate:"required"`
	Market       string `yaml:"market" validate:"omitempty,len=2"`
}

// StorageConfig represents persistence configuration.
type StorageConfig struct {
	Driver     string        `yaml:"driver" default:"badger" validate:"oneof=badger sqlite"`
	Path       string        `yaml:"path" default:"data" validate:"required"`
	SyncWrites bool          `yaml:"sync_writes"`
	OpTimeout  time.Duration `yaml:"op_timeout" default:"5s" validate:"gt=0"`
	GCInterval time.Duration `yaml:"gc_interval" default:"10m" validate:"gte=0"`
}

// TrackingConfig represents counting and frequency query configuration.
type TrackingConfig struct {
	CrossingThreshold int `yaml:"crossing_threshold" default:"5" validate:"gte=1"`
	FrequentThreshold int `yaml:"frequent_threshold" default:"5" validate:"gte=0"`
	WindowDays        int `yaml:"window_days" default:"3" validate:"gte=1,lte=365"`
	TopN              int `yaml:"top_n" default:"10" validate:"gte=1,lte=100"`
}

// PollerConfig represents recently-played polling configuration.
type PollerConfig struct {
	Autostart       bool `yaml:"autostart"`
	IntervalMinutes int  `yaml:"interval_minutes" default:"30" validate:"gte=1,lte=1440"`
	PageSize        int  `yaml:"page_size" default:"50" validate:"gte=1,lte=50"`
}

// Interval returns the poll interval as a duration.
func (p PollerConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMinutes) * time.Minute
}

// PromotionConfig represents threshold-crossing sink configuration.
type PromotionConfig struct {
	Sinks []SinkConfig `yaml:"sinks" validate:"dive"`
}

// SinkConfig represents a single promotion sink configuration.
type SinkConfig struct {
	Type        string         `yaml:"type" validate:"required"`
	DisplayName string         `yaml:"display_name"`
	Settings    map[string]any `yaml:"settings"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("SPOTIFY_CLIENT_ID"); v != "" {
		c.Spotify.ClientID = v
	}
	if v := os.Getenv("SPOTIFY_CLIENT_SECRET"); v != "" {
		c.Spotify.ClientSecret = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.Server.AdminToken = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		for i := range c.Promotion.Sinks {
			if c.Promotion.Sinks[i].Type == "nats" {
				if c.Promotion.Sinks[i].Settings == nil {
					c.Promotion.Sinks[i].Settings = map[string]any{}
				}
				c.Promotion.Sinks[i].Settings["url"] = v
			}
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}
	return nil
}

// RequireSpotify checks that the credentials needed to talk to Spotify are set.
func (c *Config) RequireSpotify() error {
	if c.Spotify.ClientID == "" {
		return errors.New("spotify.client_id is required (or SPOTIFY_CLIENT_ID)")
	}
	if c.Spotify.ClientSecret == "" {
		return errors.New("spotify.client_secret is required (or SPOTIFY_CLIENT_SECRET)")
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/loykin/trackr/internal/env"
	"github.com/loykin/trackr/internal/logger"
	srvtls "github.com/loykin/trackr/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. TRACKR_COLLECTOR_TOKEN.
const EnvPrefix = "TRACKR"

// Config represents the top-level TOML structure.
type Config struct {
	UserID    string          `mapstructure:"user_id" validate:"required"`
	EnvFiles  []string        `mapstructure:"env_files"`
	Collector CollectorConfig `mapstructure:"collector"`
	History   HistoryConfig   `mapstructure:"history"`
	Session   SessionConfig   `mapstructure:"session"`
	Acquire   AcquireConfig   `mapstructure:"acquire"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       logger.Config   `mapstructure:"log"`
}

// CollectorConfig points at the remote collector. An empty URL logs submissions instead.
type CollectorConfig struct {
	URL      string        `mapstructure:"url" validate:"omitempty,url"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Insecure bool          `mapstructure:"insecure"`
}

// HistoryConfig lists mirror sinks for the historic route, as DSNs.
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks" validate:"dive,required"`
}

type SessionConfig struct {
	PermissionGrace time.Duration `mapstructure:"permission_grace" validate:"gt=0,lt=5s"`
	ObserverBuffer  int           `mapstructure:"observer_buffer" validate:"gt=0"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout" validate:"gt=0"`
	// LocalTimezone renders historic dates. Empty means the host zone.
	LocalTimezone string `mapstructure:"local_timezone"`
}

type AcquireConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"gt=0"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout" validate:"gtefield=DefaultTimeout"`
}

// ProviderConfig configures the simulated device provider.
type ProviderConfig struct {
	Interval       time.Duration `mapstructure:"interval" validate:"gt=0"`
	OriginLat      float64       `mapstructure:"origin_lat" validate:"gte=-90,lte=90"`
	OriginLon      float64       `mapstructure:"origin_lon" validate:"gte=-180,lte=180"`
	StepMeters     float64       `mapstructure:"step_meters" validate:"gte=0"`
	Heading        float64       `mapstructure:"heading" validate:"gte=0,lt=360"`
	Authorization  string        `mapstructure:"authorization" validate:"oneof=undetermined restricted denied always when_in_use"`
	GrantOnRequest string        `mapstructure:"grant_on_request" validate:"oneof=undetermined restricted denied always when_in_use"`
	OneShotDelay   time.Duration `mapstructure:"one_shot_delay" validate:"gte=0"`
}

type ServerConfig struct {
	Listen   string        `mapstructure:"listen" validate:"required,hostname_port"`
	BasePath string        `mapstructure:"base_path" validate:"required,startswith=/"`
	TLS      srvtls.Config `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen serves /metrics on its own address. Empty mounts it on the API server.
	Listen       string        `mapstructure:"listen" validate:"omitempty,hostname_port"`
	SelfInterval time.Duration `mapstructure:"self_interval" validate:"gte=0"`
}

// Location returns the zone used for historic dates.
func (s SessionConfig) Location() (*time.Location, error) {
	if s.LocalTimezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(s.LocalTimezone)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("user_id", "")
	v.SetDefault("env_files", []string{})
	v.SetDefault("collector.url", "")
	v.SetDefault("collector.token", "")
	v.SetDefault("collector.timeout", 10*time.Second)
	v.SetDefault("collector.insecure", false)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("session.permission_grace", 800*time.Millisecond)
	v.SetDefault("session.observer_buffer", 64)
	v.SetDefault("session.delivery_timeout", 10*time.Second)
	v.SetDefault("session.local_timezone", "")
	v.SetDefault("acquire.default_timeout", 10*time.Second)
	v.SetDefault("acquire.max_timeout", 2*time.Minute)
	v.SetDefault("provider.interval", time.Second)
	v.SetDefault("provider.origin_lat", 37.5665)
	v.SetDefault("provider.origin_lon", 126.9780)
	v.SetDefault("provider.step_meters", 5.0)
	v.SetDefault("provider.heading", 0.0)
	v.SetDefault("provider.authorization", "undetermined")
	v.SetDefault("provider.grant_on_request", "always")
	v.SetDefault("provider.one_shot_delay", 200*time.Millisecond)
	v.SetDefault("server.listen", "127.0.0.1:8787")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.tls.hosts", []string{})
	v.SetDefault("server.tls.valid_for", 0)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.self_interval", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.file.path", "")
}

// Load reads the TOML file at path (optional), loads env_files into the process
// environment, applies TRACKR_* overrides, expands ${VAR} in collector and sink settings
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := loadEnvFiles(filepath.Dir(path), v.GetStringSlice("env_files")); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := expand(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func expand(cfg *Config) error {
	var err error
	if cfg.Collector.URL, err = env.Expand(cfg.Collector.URL, env.OS); err != nil {
		return fmt.Errorf("collector.url: %w", err)
	}
	if cfg.Collector.Token, err = env.Expand(cfg.Collector.Token, env.OS); err != nil {
		return fmt.Errorf("collector.token: %w", err)
	}
	if err := env.ExpandAll(cfg.History.Sinks, env.OS); err != nil {
		return fmt.Errorf("history.sinks: %w", err)
	}
	return nil
}

// Default returns the configuration used without a file, for the given user.
func Default(userID string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.Set("user_id", userID)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, Validate(&cfg)
}

// loadEnvFiles exports variables from dotenv files without overriding variables already set.
// Relative paths resolve against the config file directory.
func loadEnvFiles(dir string, files []string) error {
	for _, f := range files {
		if !filepath.IsAbs(f) {
			f = filepath.Join(dir, f)
		}
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("env file %s: %w", f, err)
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	if _, err := cfg.Session.Location(); err != nil {
		return fmt.Errorf("invalid config: session.local_timezone: %w", err)
	}
	if err := cfg.Server.TLS.Validate(); err != nil {
		return fmt.Errorf("invalid config: server.tls: %w", err)
	}
	return nil
}

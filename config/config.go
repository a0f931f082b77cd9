// Package config loads pgerl settings from an optional YAML file and
// PGERL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/samrose/pg-erl/client"
	"github.com/samrose/pg-erl/protocol"
	"github.com/samrose/pg-erl/registry"
)

var ErrInvalid = errors.New("config: invalid value")

type Config struct {
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	Node struct {
		NamePrefix string `mapstructure:"name_prefix"`
		Host       string `mapstructure:"host"`
	} `mapstructure:"node"`

	EPMD struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"epmd"`

	Timeouts struct {
		Dial      time.Duration `mapstructure:"dial"`
		Handshake time.Duration `mapstructure:"handshake"`
		Read      time.Duration `mapstructure:"read"`
		Write     time.Duration `mapstructure:"write"`
		Tick      time.Duration `mapstructure:"tick"`
	} `mapstructure:"timeouts"`

	Request struct {
		DefaultTimeout time.Duration `mapstructure:"default_timeout"`
		MaxTimeout     time.Duration `mapstructure:"max_timeout"`
		Retries        int           `mapstructure:"retries"`
		RetryDelay     time.Duration `mapstructure:"retry_delay"`
	} `mapstructure:"request"`

	Pending struct {
		Capacity int `mapstructure:"capacity"`
	} `mapstructure:"pending"`

	Limits struct {
		Rate  float64 `mapstructure:"rate"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"limits"`

	Directory struct {
		Endpoints []string      `mapstructure:"endpoints"`
		TTL       time.Duration `mapstructure:"ttl"`
	} `mapstructure:"directory"`

	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("node.name_prefix", "pgerl")
	v.SetDefault("node.host", "")
	v.SetDefault("epmd.port", defaultEPMDPort())
	v.SetDefault("timeouts.dial", 5*time.Second)
	v.SetDefault("timeouts.handshake", 10*time.Second)
	v.SetDefault("timeouts.read", 10*time.Second)
	v.SetDefault("timeouts.write", 10*time.Second)
	v.SetDefault("timeouts.tick", 15*time.Second)
	v.SetDefault("request.default_timeout", 5*time.Second)
	v.SetDefault("request.max_timeout", 60*time.Second)
	v.SetDefault("request.retries", 0)
	v.SetDefault("request.retry_delay", 100*time.Millisecond)
	v.SetDefault("pending.capacity", 0)
	v.SetDefault("limits.rate", 0.0)
	v.SetDefault("limits.burst", 0)
	v.SetDefault("directory.endpoints", []string{})
	v.SetDefault("directory.ttl", 10*time.Second)
	v.SetDefault("metrics.addr", "")
}

// defaultEPMDPort honours ERL_EPMD_PORT the way the runtime's own tools do.
func defaultEPMDPort() int {
	if p, err := strconv.Atoi(os.Getenv("ERL_EPMD_PORT")); err == nil && p > 0 {
		return p
	}
	return protocol.DefaultEPMDPort
}

// Load reads path (if not empty) and applies PGERL_* overrides, e.g.
// PGERL_REQUEST_MAX_TIMEOUT=30s.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PGERL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	if c.EPMD.Port <= 0 || c.EPMD.Port > 65535 {
		return fmt.Errorf("%w: epmd.port %d", ErrInvalid, c.EPMD.Port)
	}
	for name, d := range map[string]time.Duration{
		"timeouts.dial":           c.Timeouts.Dial,
		"timeouts.handshake":      c.Timeouts.Handshake,
		"timeouts.read":           c.Timeouts.Read,
		"timeouts.write":          c.Timeouts.Write,
		"timeouts.tick":           c.Timeouts.Tick,
		"request.default_timeout": c.Request.DefaultTimeout,
		"request.max_timeout":     c.Request.MaxTimeout,
		"request.retry_delay":     c.Request.RetryDelay,
		"directory.ttl":           c.Directory.TTL,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s is negative", ErrInvalid, name)
		}
	}
	if c.Request.MaxTimeout > 0 && c.Request.MaxTimeout < c.Request.DefaultTimeout {
		return fmt.Errorf("%w: request.max_timeout %s is below request.default_timeout %s",
			ErrInvalid, c.Request.MaxTimeout, c.Request.DefaultTimeout)
	}
	if c.Request.Retries < 0 {
		return fmt.Errorf("%w: request.retries %d", ErrInvalid, c.Request.Retries)
	}
	if c.Pending.Capacity < 0 {
		return fmt.Errorf("%w: pending.capacity %d", ErrInvalid, c.Pending.Capacity)
	}
	if c.Limits.Rate < 0 || c.Limits.Burst < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalid)
	}
	if c.Limits.Rate > 0 && c.Limits.Burst == 0 {
		return fmt.Errorf("%w: limits.burst must be set with limits.rate", ErrInvalid)
	}
	return nil
}

// ClientConfig converts the loaded settings. The directory is only created
// when endpoints are configured; the caller owns it through the client.
func (c *Config) ClientConfig(logger zerolog.Logger) (client.Config, error) {
	cfg := client.DefaultConfig()
	cfg.Logger = logger

	cfg.Transport.EPMDPort = c.EPMD.Port
	cfg.Transport.NamePrefix = c.Node.NamePrefix
	cfg.Transport.LocalHost = c.Node.Host
	cfg.Transport.DialTimeout = c.Timeouts.Dial
	cfg.Transport.HandshakeTimeout = c.Timeouts.Handshake
	cfg.Transport.ReadTimeout = c.Timeouts.Read
	cfg.Transport.WriteTimeout = c.Timeouts.Write
	cfg.Transport.TickInterval = c.Timeouts.Tick
	cfg.Transport.Logger = logger

	cfg.DefaultTimeout = c.Request.DefaultTimeout
	cfg.MaxTimeout = c.Request.MaxTimeout
	cfg.Retries = c.Request.Retries
	cfg.RetryDelay = c.Request.RetryDelay
	cfg.PendingCapacity = c.Pending.Capacity
	cfg.RateLimit = c.Limits.Rate
	cfg.RateBurst = c.Limits.Burst

	if len(c.Directory.Endpoints) > 0 {
		dir, err := registry.NewEtcdDirectory(c.Directory.Endpoints, c.Timeouts.Dial)
		if err != nil {
			return client.Config{}, err
		}
		cfg.Directory = dir
		cfg.DirectoryTTL = int64(c.Directory.TTL / time.Second)
	}
	return cfg, nil
}

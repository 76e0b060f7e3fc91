// Package config loads runtime settings from the environment.
package config

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "KEYRELAY"

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds everything the server needs to start. All fields are
// read from KEYRELAY_* environment variables.
type Config struct {
	Env             string        `envconfig:"ENV" default:"development"`
	ListenAddr      string        `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8420"`
	DBPath          string        `envconfig:"DB_PATH" default:"keyrelay.db"`
	MasterKey       string        `envconfig:"MASTER_KEY"`
	EndpointsFile   string        `envconfig:"ENDPOINTS_FILE"`
	UpstreamTimeout time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"30s"`
	MaxProxyBody    int64         `envconfig:"MAX_PROXY_BODY" default:"5242880"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`

	// EphemeralKey is set when a development master key was generated
	// at startup because KEYRELAY_MASTER_KEY was empty. Secrets stored
	// under an ephemeral key are unreadable after a restart.
	EphemeralKey bool `ignored:"true"`
}

// Load reads and validates the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Env {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("invalid %s_ENV %q (want %s or %s)", envPrefix, c.Env, EnvDevelopment, EnvProduction)
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("%s_UPSTREAM_TIMEOUT must be positive", envPrefix)
	}
	if c.MaxProxyBody <= 0 {
		return fmt.Errorf("%s_MAX_PROXY_BODY must be positive", envPrefix)
	}

	if c.MasterKey == "" {
		if c.Env == EnvProduction {
			return fmt.Errorf("%s_MASTER_KEY is required in production", envPrefix)
		}
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generating ephemeral master key: %w", err)
		}
		c.MasterKey = fmt.Sprintf("%x", key)
		c.EphemeralKey = true
	}
	return nil
}

// Package config loads the bootstrap configuration file.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"

	"github.com/warriorguo/swarmflow/types"
)

type Config struct {
	// Address the HTTP surface listens on.
	Listen string `yaml:"listen" default:":8080"`

	// logrus level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" default:"info"`

	// Event log file path.
	LogPath string `yaml:"log_path" default:"swarmflow.wal"`

	/**
	 * CallbackURL is the base URL executor servers send callbacks to;
	 * it must be reachable from every server. CallbackTimeout bounds
	 * the wait for a terminal callback after dispatch. Both are
	 * deployment facts with no sane default, so both are required.
	 */
	CallbackURL     string        `yaml:"callback_url"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`

	// TokenSecret signs access tokens. Required.
	TokenSecret string `yaml:"token_secret"`

	Issuer   string        `yaml:"issuer" default:"swarmflow"`
	TokenTTL time.Duration `yaml:"token_ttl" default:"5m"`

	DispatchConcurrency int `yaml:"dispatch_concurrency" default:"64"`

	Retry types.RetryPolicy `yaml:"retry"`

	// Optional PostgreSQL event log mirror.
	PostgresMirror *types.PostgresConfig `yaml:"postgres_mirror,omitempty"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read config %s", path)
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	config := &Config{}
	defaults.SetDefaults(config)
	defaults.SetDefaults(&config.Retry)

	if err := yaml.Unmarshal(b, config); err != nil {
		return nil, errors.Annotatef(err, "parse config")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.CallbackURL == "" {
		return errors.NotValidf("config without callback_url")
	}
	if c.CallbackTimeout <= 0 {
		return errors.NotValidf("config without callback_timeout")
	}
	if c.TokenSecret == "" {
		return errors.NotValidf("config without token_secret")
	}
	if c.Retry.MaxRetries < 0 {
		return errors.NotValidf("negative max_retries")
	}
	return nil
}

// Options expands the file config into orchestrator options.
func (c *Config) Options() []types.Option {
	opts := []types.Option{
		types.WithIssuer(c.Issuer),
		types.WithCallbackURL(c.CallbackURL),
		types.WithCallbackTimeout(c.CallbackTimeout),
		types.WithRetryPolicy(c.Retry),
		types.WithDispatchConcurrency(c.DispatchConcurrency),
		types.WithLogPath(c.LogPath),
		types.WithTokenTTL(c.TokenTTL),
	}
	if c.PostgresMirror != nil {
		opts = append(opts, types.WithPostgresMirror(c.PostgresMirror))
	}
	return opts
}

package types

import (
	"context"
	"time"

	"github.com/mcuadros/go-defaults"
)

func NewOrchestratorOptions() *OrchestratorOptions {
	opts := &OrchestratorOptions{Ctx: context.Background()}
	defaults.SetDefaults(opts)
	opts.Retry = RetryPolicy{}
	defaults.SetDefaults(&opts.Retry)
	return opts
}

type OrchestratorOptions struct {
	Ctx context.Context

	/**
	 * Identity this orchestrator signs access tokens with, and the base
	 * URL executor servers send their callbacks to. CallbackURL must be
	 * reachable from every server in the fleet.
	 */
	Issuer      string `default:"swarmflow"`
	CallbackURL string `default:"http://localhost:8080/callbacks"`

	/**
	 * default: 64, upper bound on concurrently in-flight dispatch and
	 * cancel notifications.
	 */
	MaxDispatchConcurrency int `default:"64"`

	/**
	 * CallbackTimeout bounds the wait for a terminal callback after a
	 * dispatch was acknowledged. A task with no callback inside this
	 * window is treated as a dispatch failure. Deployments must set it
	 * explicitly; the default only keeps tests short.
	 */
	CallbackTimeout time.Duration `default:"60s"`

	// Per-node failure retry policy, overridable per workflow.
	Retry RetryPolicy

	/**
	 * default: false, keep the event log purely in memory. Only for
	 * debugging and testing; crash recovery needs a durable log.
	 */
	MemLog bool `default:"false"`

	// Event log file path used when MemLog is false.
	LogPath string `default:"swarmflow.wal"`

	// Optional PostgreSQL mirror for the event log.
	PostgresMirror *PostgresConfig

	// TokenTTL is the validity window of issued access tokens.
	TokenTTL time.Duration `default:"5m"`
}

// PostgresConfig holds PostgreSQL connection configuration for the
// event log mirror.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"` // disable, require, verify-ca, verify-full
}

type Option func(*OrchestratorOptions)

func WithContext(ctx context.Context) Option {
	return func(opts *OrchestratorOptions) {
		opts.Ctx = ctx
	}
}

func WithIssuer(issuer string) Option {
	return func(opts *OrchestratorOptions) {
		opts.Issuer = issuer
	}
}

func WithCallbackURL(url string) Option {
	return func(opts *OrchestratorOptions) {
		opts.CallbackURL = url
	}
}

func WithCallbackTimeout(d time.Duration) Option {
	return func(opts *OrchestratorOptions) {
		opts.CallbackTimeout = d
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(opts *OrchestratorOptions) {
		opts.Retry = p
	}
}

func WithDispatchConcurrency(n int) Option {
	return func(opts *OrchestratorOptions) {
		opts.MaxDispatchConcurrency = n
	}
}

func EnableMemLog() Option {
	return func(opts *OrchestratorOptions) {
		opts.MemLog = true
	}
}

func WithLogPath(path string) Option {
	return func(opts *OrchestratorOptions) {
		opts.LogPath = path
	}
}

// WithPostgresMirror mirrors every appended event to PostgreSQL for
// durability beyond the local log.
func WithPostgresMirror(config *PostgresConfig) Option {
	return func(opts *OrchestratorOptions) {
		opts.PostgresMirror = config
	}
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(opts *OrchestratorOptions) {
		opts.TokenTTL = ttl
	}
}

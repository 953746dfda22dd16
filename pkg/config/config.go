// Package config loads the relayer configuration: defaults, then an optional
// YAML file, then RELAYER_* environment variables. The result is validated
// once and passed explicitly to every constructor.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/PlayibleClub/playible-near-relayer/pkg/near"
	"github.com/PlayibleClub/playible-near-relayer/pkg/policy"
	"github.com/PlayibleClub/playible-near-relayer/pkg/retry"
	"github.com/PlayibleClub/playible-near-relayer/pkg/rpc"
)

// EnvPrefix prefixes every environment variable the relayer reads.
const EnvPrefix = "RELAYER_"

// Nonce store backends.
const (
	NonceStoreMemory   = "memory"
	NonceStoreRedis    = "redis"
	NonceStorePostgres = "postgres"
	NonceStoreSQLite   = "sqlite"
)

// KMS modes for sealed key files.
const (
	KMSNone    = "none"
	KMSLocal   = "local"
	KMSDerived = "derived"
)

type Config struct {
	// Network selects an RPC preset: mainnet, testnet or localnet.
	Network    string        `yaml:"network" env:"NETWORK"`
	RPCURL     string        `yaml:"rpc_url" env:"RPC_URL"`
	RPCAPIKey  string        `yaml:"rpc_api_key" env:"RPC_API_KEY"`
	RPCTimeout time.Duration `yaml:"rpc_timeout" env:"RPC_TIMEOUT"`

	RelayerAccountID string `yaml:"relayer_account_id" env:"ACCOUNT_ID"`
	// KeysFilename is the key file location: a path, file://, s3:// or gs:// URL.
	KeysFilename string          `yaml:"keys_filename" env:"KEYS_FILENAME"`
	KeySource    KeySourceConfig `yaml:"key_source" envPrefix:"KEY_SOURCE_"`
	KMS          KMSConfig       `yaml:"kms" envPrefix:"KMS_"`

	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	// RedisURL is shared by the redis nonce store and idempotency cache.
	RedisURL string `yaml:"redis_url" env:"REDIS_URL"`

	Retry         RetryConfig         `yaml:"retry" envPrefix:"RETRY_"`
	Nonce         NonceConfig         `yaml:"nonce" envPrefix:"NONCE_"`
	Policies      []policy.Rule       `yaml:"policies" envPrefix:"POLICY_"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency" envPrefix:"IDEMPOTENCY_"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Auth          AuthConfig          `yaml:"auth" envPrefix:"AUTH_"`
	CORSOrigins   []string            `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"OTEL_"`
}

type KeySourceConfig struct {
	S3Region   string `yaml:"s3_region" env:"S3_REGION"`
	S3Endpoint string `yaml:"s3_endpoint" env:"S3_ENDPOINT"`
}

type KMSConfig struct {
	Mode string `yaml:"mode" env:"MODE"`
	// KeyFile backs the local KMS.
	KeyFile string `yaml:"key_file" env:"KEY_FILE"`
	// Secret derives the KMS key in derived mode.
	Secret  string `yaml:"secret" env:"SECRET"`
	Version int    `yaml:"version" env:"VERSION"`
}

// RetryConfig bounds the broadcast retry loop.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	MaxJitter   time.Duration `yaml:"max_jitter" env:"MAX_JITTER"`
}

// Policy converts to the retry package's millisecond policy.
func (r RetryConfig) Policy() retry.BackoffPolicy {
	return retry.BackoffPolicy{
		PolicyID:    "broadcast",
		BaseMs:      r.BaseDelay.Milliseconds(),
		MaxMs:       r.MaxDelay.Milliseconds(),
		MaxJitterMs: r.MaxJitter.Milliseconds(),
		MaxAttempts: r.MaxAttempts,
	}
}

type NonceConfig struct {
	Store string `yaml:"store" env:"STORE"`
	// DSN is the postgres connection string or sqlite file path.
	DSN string `yaml:"dsn" env:"DSN"`
}

type IdempotencyConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Store    string        `yaml:"store" env:"STORE"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
	HashBody bool          `yaml:"hash_body" env:"HASH_BODY"`
}

type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" env:"ENABLED"`
	RPS               float64 `yaml:"rps" env:"RPS"`
	Burst             int     `yaml:"burst" env:"BURST"`
	TrustForwardedFor bool    `yaml:"trust_forwarded_for" env:"TRUST_FORWARDED_FOR"`
}

type AuthConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	Audience  string `yaml:"audience" env:"AUDIENCE"`
}

type ObservabilityConfig struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	Environment string  `yaml:"environment" env:"ENVIRONMENT"`
	SampleRate  float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	Insecure    bool    `yaml:"insecure" env:"INSECURE"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	bp := retry.DefaultPolicy()
	return &Config{
		Network:         "testnet",
		RPCTimeout:      70 * time.Second,
		KMS:             KMSConfig{Mode: KMSNone, Version: 1},
		Host:            "127.0.0.1",
		Port:            3030,
		RequestTimeout:  60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
		Retry: RetryConfig{
			MaxAttempts: bp.MaxAttempts,
			BaseDelay:   time.Duration(bp.BaseMs) * time.Millisecond,
			MaxDelay:    time.Duration(bp.MaxMs) * time.Millisecond,
		},
		Nonce:       NonceConfig{Store: NonceStoreMemory},
		Idempotency: IdempotencyConfig{Store: "memory", TTL: 10 * time.Minute},
		RateLimit:   RateLimitConfig{RPS: 20, Burst: 40},
		Observability: ObservabilityConfig{
			Endpoint:    "localhost:4317",
			Environment: "development",
			SampleRate:  1.0,
		},
	}
}

// Load reads path (skipped when empty), overlays the environment, fills
// derived values and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadKMS overlays RELAYER_KMS_* variables onto cfg. Tools that only need
// the KMS use it without a full relayer configuration.
func LoadKMS(cfg *KMSConfig) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix + "KMS_"}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Resolve fills the RPC URL from the network preset when not set explicitly.
func (c *Config) Resolve() error {
	c.Network = strings.ToLower(strings.TrimSpace(c.Network))
	if c.RPCURL != "" {
		return nil
	}
	endpoint, err := rpc.EndpointFor(c.Network)
	if err != nil {
		return err
	}
	c.RPCURL = endpoint
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.RPCURL == "" {
		add("rpc_url or a known network is required")
	} else if u, err := url.Parse(c.RPCURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("rpc_url %q is not an http(s) URL", c.RPCURL)
	}
	if err := near.AccountID(c.RelayerAccountID).Validate(); err != nil {
		add("relayer_account_id: %w", err)
	}
	if c.KeysFilename == "" {
		add("keys_filename is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		add("port %d out of range", c.Port)
	}
	if c.RequestTimeout < 0 || c.ShutdownTimeout < 0 || c.RPCTimeout < 0 {
		add("timeouts must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		add("log_level: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		add("log_format %q must be json or text", c.LogFormat)
	}
	if err := c.Retry.Policy().Validate(); err != nil {
		add("retry: %w", err)
	} else if budget := retry.Budget(c.Retry.Policy()); c.RequestTimeout > 0 && budget >= c.RequestTimeout {
		add("retry: exhausting %d attempts waits %v, longer than request_timeout %v", c.Retry.MaxAttempts, budget, c.RequestTimeout)
	}

	switch c.Nonce.Store {
	case NonceStoreMemory:
	case NonceStoreRedis:
		if c.RedisURL == "" {
			add("nonce.store redis requires redis_url")
		}
	case NonceStorePostgres, NonceStoreSQLite:
		if c.Nonce.DSN == "" {
			add("nonce.store %s requires nonce.dsn", c.Nonce.Store)
		}
	default:
		add("nonce.store %q must be memory, redis, postgres or sqlite", c.Nonce.Store)
	}

	switch c.KMS.Mode {
	case KMSNone, "":
	case KMSLocal:
		if c.KMS.KeyFile == "" {
			add("kms.mode local requires kms.key_file")
		}
	case KMSDerived:
		if len(c.KMS.Secret) < 16 {
			add("kms.mode derived requires a kms.secret of at least 16 bytes")
		}
		if c.KMS.Version < 1 {
			add("kms.version must be at least 1")
		}
	default:
		add("kms.mode %q must be none, local or derived", c.KMS.Mode)
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Store {
		case "memory":
		case "redis":
			if c.RedisURL == "" {
				add("idempotency.store redis requires redis_url")
			}
		default:
			add("idempotency.store %q must be memory or redis", c.Idempotency.Store)
		}
		if c.Idempotency.TTL <= 0 {
			add("idempotency.ttl must be positive")
		}
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		add("rate_limit.rps and rate_limit.burst must be positive")
	}
	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 32 {
		add("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		add("observability.sample_rate must be within [0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ParseLevel maps a log_level string to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, err
	}
	return level, nil
}

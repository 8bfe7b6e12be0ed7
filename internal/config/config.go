// Package config loads the configuration of the oauth-server and oauthctl
// binaries from a YAML file overlaid with environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	oauth "github.com/giantswarm/oauth-provider"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/server"
	"github.com/giantswarm/oauth-provider/storage/redis"
)

// Environments
const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// ConfigPathEnv names the variable consulted when no path flag is given
const ConfigPathEnv = "CONFIG_PATH"

type Config struct {
	Env           string          `yaml:"env" env:"ENV" env-default:"local"`
	HTTP          HTTPConfig      `yaml:"http"`
	OAuth         OAuthConfig     `yaml:"oauth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Storage       StorageConfig   `yaml:"storage"`
	SweepInterval time.Duration   `yaml:"sweep_interval" env:"SWEEP_INTERVAL" env-default:"10m"`
	DisableAudit  bool            `yaml:"disable_audit" env:"DISABLE_AUDIT"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

type HTTPConfig struct {
	Address         string        `yaml:"address" env:"HTTP_ADDRESS" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"10s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"15s"`

	// TrustProxy honors X-Forwarded-For and X-Real-IP. TrustedProxyHops
	// selects the X-Forwarded-For entry, counted from the right.
	TrustProxy         bool     `yaml:"trust_proxy" env:"HTTP_TRUST_PROXY"`
	TrustedProxyHops   int      `yaml:"trusted_proxy_hops" env:"HTTP_TRUSTED_PROXY_HOPS"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"HTTP_CORS_ALLOWED_ORIGINS" env-separator:","`
	SessionHeader      string   `yaml:"session_header" env:"HTTP_SESSION_HEADER" env-default:"X-User-ID"`
}

type OAuthConfig struct {
	Issuer                     string        `yaml:"issuer" env:"OAUTH_ISSUER"`
	AuthorizationCodeTTL       time.Duration `yaml:"authorization_code_ttl" env:"OAUTH_AUTHORIZATION_CODE_TTL" env-default:"10m"`
	AccessTokenTTL             time.Duration `yaml:"access_token_ttl" env:"OAUTH_ACCESS_TOKEN_TTL" env-default:"1h"`
	RefreshTokenTTL            time.Duration `yaml:"refresh_token_ttl" env:"OAUTH_REFRESH_TOKEN_TTL" env-default:"2160h"`
	ClockSkewGracePeriod       time.Duration `yaml:"clock_skew_grace_period" env:"OAUTH_CLOCK_SKEW_GRACE_PERIOD" env-default:"0s"`
	Scopes                     []string      `yaml:"scopes" env:"OAUTH_SCOPES" env-separator:","`
	DefaultScope               string        `yaml:"default_scope" env:"OAUTH_DEFAULT_SCOPE" env-default:"profile:read"`
	DisablePKCEPlain           bool          `yaml:"disable_pkce_plain" env:"OAUTH_DISABLE_PKCE_PLAIN"`
	AllowInsecureHTTPRedirects bool          `yaml:"allow_insecure_http_redirects" env:"OAUTH_ALLOW_INSECURE_HTTP_REDIRECTS"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"RATE_LIMIT_RPS" env-default:"10"`
	Burst             int     `yaml:"burst" env:"RATE_LIMIT_BURST" env-default:"20"`
	MaxEntries        int     `yaml:"max_entries" env:"RATE_LIMIT_MAX_ENTRIES" env-default:"10000"`
}

type StorageConfig struct {
	Driver   string         `yaml:"driver" env:"STORAGE_DRIVER" env-default:"memory"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn" env:"POSTGRES_DSN"`

	// Migrate applies pending migrations at startup
	Migrate bool `yaml:"migrate" env:"POSTGRES_MIGRATE"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" env:"REDIS_ADDR"`
	Username  string `yaml:"username" env:"REDIS_USERNAME"`
	Password  string `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX" env-default:"oauth:"`
}

type TelemetryConfig struct {
	Enabled        bool   `yaml:"enabled" env:"TELEMETRY_ENABLED"`
	ServiceName    string `yaml:"service_name" env:"TELEMETRY_SERVICE_NAME" env-default:"oauth-provider"`
	ServiceVersion string `yaml:"service_version" env:"TELEMETRY_SERVICE_VERSION"`
}

// ResolvePath returns flagValue, or CONFIG_PATH when the flag is empty.
// Priority: flag > env.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(ConfigPathEnv)
}

// Load reads the YAML file at path and applies environment overrides. An
// empty path configures from the environment alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from environment: %w", err)
		}
	} else {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %q: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %q: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is Load that panics on error
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate reports settings that cannot work together
func (c *Config) Validate() error {
	var errs []error

	switch c.Env {
	case EnvLocal, EnvDev, EnvProd:
	default:
		errs = append(errs, fmt.Errorf("env must be one of %s, %s, %s; got %q", EnvLocal, EnvDev, EnvProd, c.Env))
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required for the postgres driver"))
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	if c.OAuth.Issuer != "" && !strings.HasPrefix(c.OAuth.Issuer, "https://") && !strings.HasPrefix(c.OAuth.Issuer, "http://") {
		errs = append(errs, fmt.Errorf("oauth.issuer must be an absolute http(s) URL; got %q", c.OAuth.Issuer))
	}
	if c.HTTP.TrustedProxyHops < 0 {
		errs = append(errs, errors.New("http.trusted_proxy_hops must not be negative"))
	}

	return errors.Join(errs...)
}

// Server returns the domain configuration
func (c *Config) Server() *server.Config {
	cfg := server.DefaultConfig()
	cfg.AuthorizationCodeTTL = seconds(c.OAuth.AuthorizationCodeTTL)
	cfg.AccessTokenTTL = seconds(c.OAuth.AccessTokenTTL)
	cfg.RefreshTokenTTL = seconds(c.OAuth.RefreshTokenTTL)
	cfg.ClockSkewGracePeriod = seconds(c.OAuth.ClockSkewGracePeriod)
	if len(c.OAuth.Scopes) > 0 {
		cfg.SupportedScopes = c.OAuth.Scopes
	}
	cfg.DefaultScope = c.OAuth.DefaultScope
	cfg.AllowPKCEPlain = !c.OAuth.DisablePKCEPlain
	cfg.AllowInsecureHTTPRedirects = c.OAuth.AllowInsecureHTTPRedirects
	return cfg
}

// Handler returns the HTTP layer configuration
func (c *Config) Handler() *oauth.Config {
	return &oauth.Config{
		Issuer: c.OAuth.Issuer,
		RateLimit: security.RateLimitConfig{
			RequestsPerSecond: c.RateLimit.RequestsPerSecond,
			Burst:             c.RateLimit.Burst,
			MaxEntries:        c.RateLimit.MaxEntries,
		},
		ProxyTrust: security.ProxyTrust{
			Enabled: c.HTTP.TrustProxy,
			Hops:    c.HTTP.TrustedProxyHops,
		},
		CORSAllowedOrigins: c.HTTP.CORSAllowedOrigins,
		SessionHeader:      c.HTTP.SessionHeader,
	}
}

// Redis returns the redis store configuration
func (c *Config) Redis() redis.Config {
	return redis.Config{
		Addr:      c.Storage.Redis.Addr,
		Username:  c.Storage.Redis.Username,
		Password:  c.Storage.Redis.Password,
		DB:        c.Storage.Redis.DB,
		KeyPrefix: c.Storage.Redis.KeyPrefix,
	}
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

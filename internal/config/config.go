package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"

	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	BaseURL       string   `mapstructure:"BASE_URL"`
	Env           string   `mapstructure:"ENV"`
	LogLevel      string   `mapstructure:"LOG_LEVEL"`
	StoreBackend  string   `mapstructure:"STORE_BACKEND"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string   `mapstructure:"MIGRATIONS_DIR"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AuthMode       string `mapstructure:"AUTH_MODE"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	// ResourceTypes lists the resource types accepted on /fhir/:type.
	ResourceTypes []string `mapstructure:"RESOURCE_TYPES"`

	SubscriptionEnabled        bool          `mapstructure:"SUBSCRIPTION_ENABLED"`
	SubscriptionPollDelay      time.Duration `mapstructure:"SUBSCRIPTION_POLL_DELAY"`
	SubscriptionWorkers        int           `mapstructure:"SUBSCRIPTION_WORKERS"`
	SubscriptionCacheRefresh   time.Duration `mapstructure:"SUBSCRIPTION_CACHE_REFRESH"`
	SubscriptionExpiryInterval time.Duration `mapstructure:"SUBSCRIPTION_EXPIRY_INTERVAL"`
	WSSendTimeout              time.Duration `mapstructure:"WS_SEND_TIMEOUT"`
	WSSendBuffer               int           `mapstructure:"WS_SEND_BUFFER"`
	WSPongWait                 time.Duration `mapstructure:"WS_PONG_WAIT"`
	DeliveryFailureThreshold   int           `mapstructure:"DELIVERY_FAILURE_THRESHOLD"`
	RestHookMaxRetries         int           `mapstructure:"RESTHOOK_MAX_RETRIES"`
	RestHookSecret             string        `mapstructure:"RESTHOOK_SECRET"`
}

var keys = []string{
	"PORT", "BASE_URL", "ENV", "LOG_LEVEL", "STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS",
	"DB_MIN_CONNS", "MIGRATIONS_DIR", "CORS_ORIGINS", "AUTH_MODE", "AUTH_ISSUER",
	"AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST", "RESOURCE_TYPES", "SUBSCRIPTION_ENABLED",
	"SUBSCRIPTION_POLL_DELAY", "SUBSCRIPTION_WORKERS", "SUBSCRIPTION_CACHE_REFRESH",
	"SUBSCRIPTION_EXPIRY_INTERVAL", "WS_SEND_TIMEOUT", "WS_SEND_BUFFER", "WS_PONG_WAIT",
	"DELIVERY_FAILURE_THRESHOLD", "RESTHOOK_MAX_RETRIES", "RESTHOOK_SECRET",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_BACKEND", StoreBackendPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("RESOURCE_TYPES", "Observation,Patient,Encounter,Condition,MedicationRequest,DiagnosticReport")
	v.SetDefault("SUBSCRIPTION_ENABLED", true)
	v.SetDefault("SUBSCRIPTION_POLL_DELAY", "5s")
	v.SetDefault("SUBSCRIPTION_WORKERS", 4)
	v.SetDefault("SUBSCRIPTION_CACHE_REFRESH", "30s")
	v.SetDefault("SUBSCRIPTION_EXPIRY_INTERVAL", "1m")
	v.SetDefault("WS_SEND_TIMEOUT", "5s")
	v.SetDefault("WS_SEND_BUFFER", 64)
	v.SetDefault("WS_PONG_WAIT", "60s")
	v.SetDefault("DELIVERY_FAILURE_THRESHOLD", 0)
	v.SetDefault("RESTHOOK_MAX_RETRIES", 3)
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()
	setDefaults(v)
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.ResourceTypes = splitList(cfg.ResourceTypes)

	if cfg.StoreBackend == StoreBackendPostgres && cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return cfg, nil
}

// splitList accepts both "a,b" and ["a","b"] forms; viper yields the former
// as a single element when the value comes from the environment.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// PublicBaseURL is BASE_URL without a trailing slash, or the local address
// when unset.
func (c *Config) PublicBaseURL() string {
	if c.BaseURL == "" {
		return "http://localhost:" + c.Port
	}
	return strings.TrimRight(c.BaseURL, "/")
}

// WebsocketURL is the address advertised for websocket subscriptions.
func (c *Config) WebsocketURL() string {
	base := c.PublicBaseURL()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/websocket"
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE, or "development" when unset in a
// development environment and "jwt" otherwise.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return errors.New("AUTH_MODE=development is not allowed when ENV=production")
		}
	case AuthModeJWT:
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" && c.AuthIssuer == "" {
			return errors.New("AUTH_MODE=jwt needs AUTH_SIGNING_KEY, AUTH_JWKS_URL or AUTH_ISSUER")
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return errors.New("AUTH_SIGNING_KEY is for development only; use AUTH_JWKS_URL or AUTH_ISSUER in production")
		}
	default:
		return errors.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeJWT, mode)
	}

	if c.StoreBackend != StoreBackendPostgres && c.StoreBackend != StoreBackendMemory {
		return errors.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreBackendPostgres, StoreBackendMemory, c.StoreBackend)
	}
	if len(c.ResourceTypes) == 0 {
		return errors.New("RESOURCE_TYPES must name at least one resource type")
	}
	for _, rt := range c.ResourceTypes {
		if rt == "Subscription" {
			return errors.New("RESOURCE_TYPES must not include Subscription")
		}
	}
	if c.SubscriptionPollDelay < 0 {
		return errors.New("SUBSCRIPTION_POLL_DELAY must not be negative")
	}
	if c.SubscriptionWorkers < 1 {
		return errors.New("SUBSCRIPTION_WORKERS must be at least 1")
	}
	if c.WSPongWait < 0 {
		return errors.New("WS_PONG_WAIT must not be negative")
	}
	if c.DeliveryFailureThreshold < 0 {
		return errors.New("DELIVERY_FAILURE_THRESHOLD must not be negative")
	}
	if c.RateLimitRPS < 0 {
		return errors.New("RATE_LIMIT_RPS must not be negative")
	}
	return nil
}

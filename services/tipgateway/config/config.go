package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for ecotipd.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Environment   string          `yaml:"env" toml:"env"`
	PublicURL     string          `yaml:"public_url" toml:"public_url"`
	Database      DatabaseConfig  `yaml:"database" toml:"database"`
	Stripe        StripeConfig    `yaml:"stripe" toml:"stripe"`
	Fees          FeeConfig       `yaml:"fees" toml:"fees"`
	Impact        ImpactConfig    `yaml:"impact" toml:"impact"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Audit         AuditConfig     `yaml:"audit" toml:"audit"`
	Feed          FeedConfig      `yaml:"feed" toml:"feed"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	URL             string   `yaml:"url" toml:"url"`
	MaxOpenConns    int      `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
}

// StripeConfig holds processor credentials.
type StripeConfig struct {
	SecretKey     string   `yaml:"secret_key" toml:"secret_key"`
	WebhookSecret string   `yaml:"webhook_secret" toml:"webhook_secret"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
	Country       string   `yaml:"country" toml:"country"`
}

// FeeConfig controls the platform's cut of each tip.
type FeeConfig struct {
	PlatformPercent decimal.Decimal `yaml:"platform_percent" toml:"platform_percent"`
	Currency        string          `yaml:"currency" toml:"currency"`
}

// ImpactConfig controls the impact conversion.
type ImpactConfig struct {
	CO2TonnesPerUnit decimal.Decimal `yaml:"co2_tonnes_per_unit" toml:"co2_tonnes_per_unit"`
}

// AuthConfig configures creator bearer tokens.
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string   `yaml:"issuer" toml:"issuer"`
	TokenTTL  Duration `yaml:"token_ttl" toml:"token_ttl"`
	ClockSkew Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig bounds public tip creation per client.
type RateLimitConfig struct {
	TipsPerMinute float64 `yaml:"tips_per_minute" toml:"tips_per_minute"`
	Burst         int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig optionally mirrors logs into a rotating file.
type LoggingConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Level      string `yaml:"level" toml:"level"`
}

// TelemetryConfig wires OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
	Traces   bool   `yaml:"traces" toml:"traces"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`
}

// AuditConfig schedules the nightly impact audit.
type AuditConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	OutputDir string `yaml:"output_dir" toml:"output_dir"`
	RunHour   int    `yaml:"run_hour" toml:"run_hour"`
	RunMinute int    `yaml:"run_minute" toml:"run_minute"`
	Timezone  string `yaml:"timezone" toml:"timezone"`
}

// FeedConfig controls the live tip websocket.
type FeedConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	Buffer         int      `yaml:"buffer" toml:"buffer"`
}

// Load reads configuration from path, applies environment overrides and
// defaults, then validates the result. An empty path relies on the
// environment alone.
func Load(path string) (Config, error) {
	cfg := Config{}
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		if err := decodeFile(trimmed, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	default:
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
}

func applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			*dst = value
		}
	}
	setString("ECOTIP_LISTEN", &cfg.ListenAddress)
	setString("ECOTIP_ENV", &cfg.Environment)
	setString("ECOTIP_PUBLIC_URL", &cfg.PublicURL)
	setString("ECOTIP_DATABASE_URL", &cfg.Database.URL)
	setString("ECOTIP_STRIPE_SECRET_KEY", &cfg.Stripe.SecretKey)
	setString("ECOTIP_STRIPE_WEBHOOK_SECRET", &cfg.Stripe.WebhookSecret)
	setString("ECOTIP_JWT_SECRET", &cfg.Auth.JWTSecret)
	setString("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
	setString("OTEL_EXPORTER_OTLP_HEADERS", &cfg.Telemetry.Headers)
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE %q: %w", value, err)
		}
		cfg.Telemetry.Insecure = parsed
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost:3000"
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	if cfg.Database.URL == "" {
		cfg.Database.URL = "sqlite://ecotip.db"
	}
	if cfg.Stripe.Timeout.Duration <= 0 {
		cfg.Stripe.Timeout.Duration = 10 * time.Second
	}
	if cfg.Stripe.Country == "" {
		cfg.Stripe.Country = "US"
	}
	if cfg.Fees.PlatformPercent.IsZero() {
		cfg.Fees.PlatformPercent = decimal.NewFromInt(10)
	}
	if cfg.Fees.Currency == "" {
		cfg.Fees.Currency = "usd"
	}
	cfg.Fees.Currency = strings.ToLower(cfg.Fees.Currency)
	if cfg.Impact.CO2TonnesPerUnit.IsZero() {
		cfg.Impact.CO2TonnesPerUnit = decimal.RequireFromString("0.06")
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "ecotip"
	}
	if cfg.Auth.TokenTTL.Duration <= 0 {
		cfg.Auth.TokenTTL.Duration = 30 * 24 * time.Hour
	}
	if cfg.Auth.ClockSkew.Duration <= 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.TipsPerMinute <= 0 {
		cfg.RateLimit.TipsPerMinute = 30
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays <= 0 {
		cfg.Logging.MaxAgeDays = 28
	}
	if cfg.Audit.OutputDir == "" {
		cfg.Audit.OutputDir = "reports"
	}
	if cfg.Audit.Timezone == "" {
		cfg.Audit.Timezone = "UTC"
	}
	if cfg.Feed.Buffer <= 0 {
		cfg.Feed.Buffer = 16
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Stripe.SecretKey) == "" {
		return fmt.Errorf("stripe secret_key must be configured")
	}
	if strings.TrimSpace(c.Stripe.WebhookSecret) == "" {
		return fmt.Errorf("stripe webhook_secret must be configured")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth jwt_secret must be configured")
	}
	if len(c.Fees.Currency) != 3 {
		return fmt.Errorf("fees currency must be a three letter ISO code")
	}
	if c.Fees.PlatformPercent.IsNegative() || c.Fees.PlatformPercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("fees platform_percent must be in [0, 100)")
	}
	if c.Impact.CO2TonnesPerUnit.IsNegative() {
		return fmt.Errorf("impact co2_tonnes_per_unit must not be negative")
	}
	if c.Audit.RunHour < 0 || c.Audit.RunHour > 23 {
		return fmt.Errorf("audit run_hour must be between 0 and 23")
	}
	if c.Audit.RunMinute < 0 || c.Audit.RunMinute > 59 {
		return fmt.Errorf("audit run_minute must be between 0 and 59")
	}
	if _, err := time.LoadLocation(c.Audit.Timezone); err != nil {
		return fmt.Errorf("audit timezone: %w", err)
	}
	return nil
}

// Location resolves the audit scheduler timezone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Audit.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

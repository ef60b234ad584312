// Package config holds the runtime settings shared by the paycredits commands.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	defaultListenAddr        = ":8080"
	defaultDatabaseURL       = "sqlite:///tmp/paycredits.db"
	defaultRequestTimeout    = 10 * time.Second
	defaultProviderTimeout   = 15 * time.Second
	defaultPayPalBaseURL     = "https://api-m.sandbox.paypal.com"
	defaultVivaAccountsURL   = "https://demo-accounts.vivapayments.com"
	defaultVivaAPIURL        = "https://demo-api.vivapayments.com"
	defaultSMTPPort          = 587
	defaultOutboxInterval    = 15 * time.Second
	defaultSweepInterval     = time.Hour
	defaultOutboxBatchSize   = 50
	defaultOutboxMaxAttempts = 8
	defaultOutboxBaseDelay   = 30 * time.Second
	defaultOutboxMaxDelay    = 6 * time.Hour
	defaultLockTTL           = 10 * time.Minute
	defaultLogLevel          = "info"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings.
type Config struct {
	ListenAddr      string        `validate:"required"`
	DatabaseURL     string        `validate:"required"`
	AllowedOrigins  []string      `validate:"dive,required"`
	RequestTimeout  time.Duration `validate:"gt=0"`
	ProviderTimeout time.Duration `validate:"gt=0"`

	JWTSigningKey string
	JWTIssuer     string

	StripeSecretKey     string
	StripeWebhookSecret string

	PayPalBaseURL      string `validate:"required,url"`
	PayPalClientID     string `validate:"required_with=PayPalClientSecret"`
	PayPalClientSecret string `validate:"required_with=PayPalClientID"`
	PayPalWebhookID    string

	DodoWebhookSecret string `validate:"omitempty,startswith=whsec_"`

	VivaAccountsURL  string `validate:"required,url"`
	VivaAPIURL       string `validate:"required,url"`
	VivaClientID     string `validate:"required_with=VivaClientSecret"`
	VivaClientSecret string `validate:"required_with=VivaClientID"`

	RedisURL string `validate:"omitempty,url"`
	NATSURL  string `validate:"omitempty,url"`

	SMTPHost     string `validate:"required_with=EmailFrom"`
	SMTPPort     int    `validate:"min=1,max=65535"`
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string `validate:"omitempty,email"`

	OutboxInterval    time.Duration `validate:"gt=0"`
	OutboxBatchSize   int           `validate:"gt=0"`
	OutboxMaxAttempts int           `validate:"gt=0"`
	OutboxBaseDelay   time.Duration `validate:"gt=0"`
	OutboxMaxDelay    time.Duration `validate:"gtefield=OutboxBaseDelay"`
	SweepInterval     time.Duration `validate:"gt=0"`
	LockTTL           time.Duration `validate:"gt=0"`

	LogLevel string `validate:"oneof=debug info warn error"`
	LogFile  string
}

// Validate applies defaults and checks the configuration.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.PayPalBaseURL = strings.TrimRight(defaultIfEmpty(cfg.PayPalBaseURL, defaultPayPalBaseURL), "/")
	cfg.VivaAccountsURL = strings.TrimRight(defaultIfEmpty(cfg.VivaAccountsURL, defaultVivaAccountsURL), "/")
	cfg.VivaAPIURL = strings.TrimRight(defaultIfEmpty(cfg.VivaAPIURL, defaultVivaAPIURL), "/")
	cfg.LogLevel = strings.ToLower(defaultIfEmpty(cfg.LogLevel, defaultLogLevel))
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	cfg.RequestTimeout = defaultIfZero(cfg.RequestTimeout, defaultRequestTimeout)
	cfg.ProviderTimeout = defaultIfZero(cfg.ProviderTimeout, defaultProviderTimeout)
	cfg.OutboxInterval = defaultIfZero(cfg.OutboxInterval, defaultOutboxInterval)
	cfg.OutboxBaseDelay = defaultIfZero(cfg.OutboxBaseDelay, defaultOutboxBaseDelay)
	cfg.OutboxMaxDelay = defaultIfZero(cfg.OutboxMaxDelay, defaultOutboxMaxDelay)
	cfg.SweepInterval = defaultIfZero(cfg.SweepInterval, defaultSweepInterval)
	cfg.LockTTL = defaultIfZero(cfg.LockTTL, defaultLockTTL)
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = defaultSMTPPort
	}
	if cfg.OutboxBatchSize == 0 {
		cfg.OutboxBatchSize = defaultOutboxBatchSize
	}
	if cfg.OutboxMaxAttempts == 0 {
		cfg.OutboxMaxAttempts = defaultOutboxMaxAttempts
	}
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ValidateServer additionally requires the settings only the HTTP server needs.
func (cfg *Config) ValidateServer() error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.JWTSigningKey) == "" {
		return fmt.Errorf("%w: jwt signing key is required", ErrInvalidConfig)
	}
	return nil
}

// PayPalEnabled reports whether PayPal REST credentials are set.
func (cfg Config) PayPalEnabled() bool {
	return cfg.PayPalClientID != "" && cfg.PayPalClientSecret != ""
}

// VivaEnabled reports whether Viva credentials are set.
func (cfg Config) VivaEnabled() bool {
	return cfg.VivaClientID != "" && cfg.VivaClientSecret != ""
}

// EmailEnabled reports whether outbound email is configured.
func (cfg Config) EmailEnabled() bool {
	return cfg.SMTPHost != "" && cfg.EmailFrom != ""
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func defaultIfZero(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

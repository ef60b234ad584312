package config

import (
	"errors"
	"testing"
	"time"
)

func TestValidateAppliesDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr || cfg.DatabaseURL != defaultDatabaseURL {
		test.Fatalf("unexpected address defaults: %+v", cfg)
	}
	if cfg.OutboxMaxAttempts != defaultOutboxMaxAttempts || cfg.OutboxBaseDelay != defaultOutboxBaseDelay || cfg.OutboxMaxDelay != defaultOutboxMaxDelay {
		test.Fatalf("unexpected outbox defaults: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		test.Fatalf("expected wildcard origin, got %v", cfg.AllowedOrigins)
	}
	if cfg.PayPalEnabled() || cfg.VivaEnabled() || cfg.EmailEnabled() {
		test.Fatalf("providers must be disabled without credentials")
	}
}

func TestValidateRejectsInvalidSettings(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(*Config)
	}{
		{name: "paypal id without secret", configure: func(cfg *Config) { cfg.PayPalClientID = "id" }},
		{name: "viva secret without id", configure: func(cfg *Config) { cfg.VivaClientSecret = "secret" }},
		{name: "dodo secret prefix", configure: func(cfg *Config) { cfg.DodoWebhookSecret = "plain" }},
		{name: "email without smtp host", configure: func(cfg *Config) { cfg.EmailFrom = "billing@example.com" }},
		{name: "malformed sender", configure: func(cfg *Config) { cfg.SMTPHost = "smtp.example.com"; cfg.EmailFrom = "nobody" }},
		{name: "unknown log level", configure: func(cfg *Config) { cfg.LogLevel = "verbose" }},
		{name: "max delay below base", configure: func(cfg *Config) {
			cfg.OutboxBaseDelay = time.Hour
			cfg.OutboxMaxDelay = time.Minute
		}},
		{name: "negative batch", configure: func(cfg *Config) { cfg.OutboxBatchSize = -1 }},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			cfg := Config{}
			testCase.configure(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				test.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestValidateServerRequiresSigningKey(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	if err := cfg.ValidateServer(); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	cfg.JWTSigningKey = "signing-key"
	if err := cfg.ValidateServer(); err != nil {
		test.Fatalf("validate server: %v", err)
	}
}

func TestParseAllowedOrigins(test *testing.T) {
	test.Parallel()
	origins := ParseAllowedOrigins(" https://a.example , ,https://b.example")
	if len(origins) != 2 || origins[0] != "https://a.example" || origins[1] != "https://b.example" {
		test.Fatalf("unexpected origins: %v", origins)
	}
	if len(ParseAllowedOrigins("  ")) != 0 {
		test.Fatalf("expected no origins for blank input")
	}
}

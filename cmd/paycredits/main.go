package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/paycredits/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "PAYCREDITS"

	flagListenAddr          = "listen-addr"
	flagDatabaseURL         = "database-url"
	flagAllowedOrigins      = "allowed-origins"
	flagRequestTimeout      = "request-timeout"
	flagProviderTimeout     = "provider-timeout"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagStripeSecretKey     = "stripe-secret-key"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagPayPalBaseURL       = "paypal-base-url"
	flagPayPalClientID      = "paypal-client-id"
	flagPayPalClientSecret  = "paypal-client-secret"
	flagPayPalWebhookID     = "paypal-webhook-id"
	flagDodoWebhookSecret   = "dodo-webhook-secret"
	flagVivaAccountsURL     = "viva-accounts-url"
	flagVivaAPIURL          = "viva-api-url"
	flagVivaClientID        = "viva-client-id"
	flagVivaClientSecret    = "viva-client-secret"
	flagRedisURL            = "redis-url"
	flagNATSURL             = "nats-url"
	flagSMTPHost            = "smtp-host"
	flagSMTPPort            = "smtp-port"
	flagSMTPUsername        = "smtp-username"
	flagSMTPPassword        = "smtp-password"
	flagEmailFrom           = "email-from"
	flagOutboxInterval      = "outbox-interval"
	flagOutboxBatchSize     = "outbox-batch-size"
	flagOutboxMaxAttempts   = "outbox-max-attempts"
	flagOutboxBaseDelay     = "outbox-base-delay"
	flagOutboxMaxDelay      = "outbox-max-delay"
	flagSweepInterval       = "sweep-interval"
	flagLockTTL             = "lock-ttl"
	flagLogLevel            = "log-level"
	flagLogFile             = "log-file"
	flagLoop                = "loop"
)

var configFlags = []string{
	flagListenAddr, flagDatabaseURL, flagAllowedOrigins, flagRequestTimeout, flagProviderTimeout,
	flagJWTSigningKey, flagJWTIssuer,
	flagStripeSecretKey, flagStripeWebhookSecret,
	flagPayPalBaseURL, flagPayPalClientID, flagPayPalClientSecret, flagPayPalWebhookID,
	flagDodoWebhookSecret,
	flagVivaAccountsURL, flagVivaAPIURL, flagVivaClientID, flagVivaClientSecret,
	flagRedisURL, flagNATSURL,
	flagSMTPHost, flagSMTPPort, flagSMTPUsername, flagSMTPPassword, flagEmailFrom,
	flagOutboxInterval, flagOutboxBatchSize, flagOutboxMaxAttempts, flagOutboxBaseDelay, flagOutboxMaxDelay,
	flagSweepInterval, flagLockTTL, flagLogLevel, flagLogFile,
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "paycredits: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "paycredits",
		Short:         "Payment webhook reconciliation and credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.String(flagListenAddr, "", "HTTP listen address (default :8080)")
	flags.String(flagDatabaseURL, "", "postgres:// or sqlite:// database url")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.Duration(flagRequestTimeout, 0, "per-request timeout")
	flags.Duration(flagProviderTimeout, 0, "payment provider API timeout")
	flags.String(flagJWTSigningKey, "", "HS256 signing key for bearer tokens")
	flags.String(flagJWTIssuer, "", "expected JWT issuer")
	flags.String(flagStripeSecretKey, "", "Stripe API secret key")
	flags.String(flagStripeWebhookSecret, "", "Stripe webhook signing secret")
	flags.String(flagPayPalBaseURL, "", "PayPal REST base url")
	flags.String(flagPayPalClientID, "", "PayPal client id")
	flags.String(flagPayPalClientSecret, "", "PayPal client secret")
	flags.String(flagPayPalWebhookID, "", "PayPal webhook id used for signature verification")
	flags.String(flagDodoWebhookSecret, "", "Dodo webhook secret (whsec_...)")
	flags.String(flagVivaAccountsURL, "", "Viva accounts base url")
	flags.String(flagVivaAPIURL, "", "Viva API base url")
	flags.String(flagVivaClientID, "", "Viva client id")
	flags.String(flagVivaClientSecret, "", "Viva client secret")
	flags.String(flagRedisURL, "", "redis url for job leases")
	flags.String(flagNATSURL, "", "nats url for push notifications")
	flags.String(flagSMTPHost, "", "SMTP host")
	flags.Int(flagSMTPPort, 0, "SMTP port")
	flags.String(flagSMTPUsername, "", "SMTP username")
	flags.String(flagSMTPPassword, "", "SMTP password")
	flags.String(flagEmailFrom, "", "sender address for notices")
	flags.Duration(flagOutboxInterval, 0, "outbox drain interval")
	flags.Int(flagOutboxBatchSize, 0, "intents fetched per drain batch")
	flags.Int(flagOutboxMaxAttempts, 0, "attempts before an intent is dead")
	flags.Duration(flagOutboxBaseDelay, 0, "first retry delay")
	flags.Duration(flagOutboxMaxDelay, 0, "retry delay cap")
	flags.Duration(flagSweepInterval, 0, "expiry sweep interval")
	flags.Duration(flagLockTTL, 0, "lease held by a periodic job")
	flags.String(flagLogLevel, "", "debug, info, warn or error")
	flags.String(flagLogFile, "", "optional rotated log file")

	cmd.AddCommand(newServeCommand(cfg), newSweepCommand(cfg), newOutboxCommand(cfg))
	return cmd
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the outbox and expiry loops",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg); err != nil {
				return err
			}
			return cfg.ValidateServer()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func newSweepCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire credits whose validity has passed",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg); err != nil {
				return err
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			loop, err := cmd.Flags().GetBool(flagLoop)
			if err != nil {
				return err
			}
			return runSweep(ctx, cfg, loop)
		},
	}
	cmd.Flags().Bool(flagLoop, false, "keep sweeping every sweep-interval")
	return cmd
}

func newOutboxCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Deliver queued notification intents",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg); err != nil {
				return err
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			loop, err := cmd.Flags().GetBool(flagLoop)
			if err != nil {
				return err
			}
			return runOutbox(ctx, cfg, loop)
		},
	}
	cmd.Flags().Bool(flagLoop, false, "keep draining every outbox-interval")
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.ProviderTimeout = v.GetDuration(flagProviderTimeout)
	cfg.JWTSigningKey = v.GetString(flagJWTSigningKey)
	cfg.JWTIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.StripeSecretKey = strings.TrimSpace(v.GetString(flagStripeSecretKey))
	cfg.StripeWebhookSecret = strings.TrimSpace(v.GetString(flagStripeWebhookSecret))
	cfg.PayPalBaseURL = strings.TrimSpace(v.GetString(flagPayPalBaseURL))
	cfg.PayPalClientID = strings.TrimSpace(v.GetString(flagPayPalClientID))
	cfg.PayPalClientSecret = strings.TrimSpace(v.GetString(flagPayPalClientSecret))
	cfg.PayPalWebhookID = strings.TrimSpace(v.GetString(flagPayPalWebhookID))
	cfg.DodoWebhookSecret = strings.TrimSpace(v.GetString(flagDodoWebhookSecret))
	cfg.VivaAccountsURL = strings.TrimSpace(v.GetString(flagVivaAccountsURL))
	cfg.VivaAPIURL = strings.TrimSpace(v.GetString(flagVivaAPIURL))
	cfg.VivaClientID = strings.TrimSpace(v.GetString(flagVivaClientID))
	cfg.VivaClientSecret = strings.TrimSpace(v.GetString(flagVivaClientSecret))
	cfg.RedisURL = strings.TrimSpace(v.GetString(flagRedisURL))
	cfg.NATSURL = strings.TrimSpace(v.GetString(flagNATSURL))
	cfg.SMTPHost = strings.TrimSpace(v.GetString(flagSMTPHost))
	cfg.SMTPPort = v.GetInt(flagSMTPPort)
	cfg.SMTPUsername = v.GetString(flagSMTPUsername)
	cfg.SMTPPassword = v.GetString(flagSMTPPassword)
	cfg.EmailFrom = strings.TrimSpace(v.GetString(flagEmailFrom))
	cfg.OutboxInterval = v.GetDuration(flagOutboxInterval)
	cfg.OutboxBatchSize = v.GetInt(flagOutboxBatchSize)
	cfg.OutboxMaxAttempts = v.GetInt(flagOutboxMaxAttempts)
	cfg.OutboxBaseDelay = v.GetDuration(flagOutboxBaseDelay)
	cfg.OutboxMaxDelay = v.GetDuration(flagOutboxMaxDelay)
	cfg.SweepInterval = v.GetDuration(flagSweepInterval)
	cfg.LockTTL = v.GetDuration(flagLockTTL)
	cfg.LogLevel = strings.TrimSpace(v.GetString(flagLogLevel))
	cfg.LogFile = strings.TrimSpace(v.GetString(flagLogFile))
	return nil
}

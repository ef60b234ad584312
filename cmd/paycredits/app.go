package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/paycredits/internal/config"
	"github.com/MarkoPoloResearchLab/paycredits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/paycredits/internal/lock"
	"github.com/MarkoPoloResearchLab/paycredits/internal/logging"
	"github.com/MarkoPoloResearchLab/paycredits/internal/notify"
	"github.com/MarkoPoloResearchLab/paycredits/internal/provider/dodo"
	"github.com/MarkoPoloResearchLab/paycredits/internal/provider/paypal"
	"github.com/MarkoPoloResearchLab/paycredits/internal/provider/stripe"
	"github.com/MarkoPoloResearchLab/paycredits/internal/provider/viva"
	"github.com/MarkoPoloResearchLab/paycredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
	"go.uber.org/zap"
)

const (
	jobOutbox    = "outbox"
	jobSweep     = "sweep"
	natsName     = "paycredits"
	maxBodyBytes = 1 << 20
)

// application holds everything the commands share.
type application struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      *gormstore.Store
	service    *credits.Service
	dispatcher *credits.Dispatcher
	locker     lock.Locker
	closers    []func() error
}

func clock() time.Time {
	return time.Now().UTC()
}

func newApplication(ctx context.Context, cfg *config.Config) (*application, error) {
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	app := &application{cfg: cfg, logger: logger}

	db, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("database open: %w", err)
	}
	app.closers = append(app.closers, cleanup)
	if err := gormstore.Migrate(db); err != nil {
		app.close()
		return nil, err
	}
	logger.Info("database ready", zap.String("driver", driver))
	app.store = gormstore.New(db)

	operationLogger := logging.NewOperationLogger(logger)
	app.service, err = credits.NewService(app.store, clock, credits.WithOperationLogger(operationLogger))
	if err != nil {
		app.close()
		return nil, fmt.Errorf("credit service init: %w", err)
	}

	sinks, err := app.buildSinks()
	if err != nil {
		app.close()
		return nil, err
	}
	options := []credits.DispatcherOption{
		credits.WithRetryPolicy(cfg.OutboxMaxAttempts, cfg.OutboxBaseDelay, cfg.OutboxMaxDelay),
		credits.WithBatchSize(cfg.OutboxBatchSize),
		credits.WithDispatcherLogger(operationLogger),
	}
	for kind, sink := range sinks {
		options = append(options, credits.WithSink(kind, sink))
	}
	app.dispatcher, err = credits.NewDispatcher(app.store, clock, options...)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("dispatcher init: %w", err)
	}

	app.locker = lock.LocalLocker{}
	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			app.close()
			return nil, err
		}
		app.closers = append(app.closers, client.Close)
		app.locker, err = lock.NewRedisLocker(client)
		if err != nil {
			app.close()
			return nil, err
		}
	}
	return app, nil
}

func (app *application) buildSinks() (map[credits.IntentKind]credits.Sink, error) {
	sinks := make(map[credits.IntentKind]credits.Sink)
	inApp, err := notify.NewInAppSink(app.store, clock)
	if err != nil {
		return nil, err
	}
	sinks[credits.IntentInApp] = inApp
	invoices, err := notify.NewInvoiceSink(app.store, clock)
	if err != nil {
		return nil, err
	}
	sinks[credits.IntentInvoice] = invoices

	if app.cfg.NATSURL != "" {
		conn, err := notify.ConnectNATS(app.cfg.NATSURL, natsName)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func() error { conn.Close(); return nil })
		push, err := notify.NewPushSink(conn)
		if err != nil {
			return nil, err
		}
		sinks[credits.IntentPush] = push
	} else {
		app.logger.Warn("nats url not set, push intents will be dead-lettered")
	}

	if app.cfg.EmailEnabled() {
		dialer := notify.NewSMTPDialer(app.cfg.SMTPHost, app.cfg.SMTPPort, app.cfg.SMTPUsername, app.cfg.SMTPPassword)
		email, err := notify.NewEmailSink(dialer, app.cfg.EmailFrom)
		if err != nil {
			return nil, err
		}
		sinks[credits.IntentEmail] = email
	} else {
		app.logger.Warn("smtp not configured, email intents will be dead-lettered")
	}
	return sinks, nil
}

func (app *application) close() {
	for index := len(app.closers) - 1; index >= 0; index-- {
		if err := app.closers[index](); err != nil && app.logger != nil {
			app.logger.Warn("close failed", zap.Error(err))
		}
	}
	app.closers = nil
	if app.logger != nil {
		_ = app.logger.Sync()
	}
}

func (app *application) dependencies() (*httpapi.Dependencies, error) {
	cfg := app.cfg
	authenticator, err := httpapi.NewAuthenticator(cfg.JWTSigningKey, cfg.JWTIssuer)
	if err != nil {
		return nil, err
	}

	var sessions stripe.SessionRetriever
	if cfg.StripeSecretKey != "" {
		sessions = stripe.NewClientRetriever(cfg.StripeSecretKey)
	}
	var payPalAPI paypal.OrderAPI
	if cfg.PayPalEnabled() {
		payPalAPI = paypal.NewClient(paypal.Config{
			BaseURL:      cfg.PayPalBaseURL,
			ClientID:     cfg.PayPalClientID,
			ClientSecret: cfg.PayPalClientSecret,
			Timeout:      cfg.ProviderTimeout,
		})
	}
	var vivaAPI viva.OrderAPI
	if cfg.VivaEnabled() {
		vivaAPI = viva.NewClient(viva.Config{
			AccountsURL:  cfg.VivaAccountsURL,
			APIURL:       cfg.VivaAPIURL,
			ClientID:     cfg.VivaClientID,
			ClientSecret: cfg.VivaClientSecret,
			Timeout:      cfg.ProviderTimeout,
		})
	}
	dodoAdapter, err := dodo.NewAdapter(cfg.DodoWebhookSecret, app.service, app.logger.Named("dodo"))
	if err != nil {
		return nil, err
	}

	return &httpapi.Dependencies{
		Ledger:        app.service,
		Notifications: app.store,
		Stripe:        stripe.NewAdapter(cfg.StripeWebhookSecret, sessions, app.logger.Named("stripe")),
		PayPal:        paypal.NewAdapter(payPalAPI, cfg.PayPalWebhookID, app.service, app.logger.Named("paypal")),
		Dodo:          dodoAdapter,
		Viva:          viva.NewAdapter(vivaAPI, app.service),
		Authenticator: authenticator,
		Logger:        app.logger.Named("http"),
	}, nil
}

func (app *application) drainOutbox(ctx context.Context) error {
	report, err := app.dispatcher.Drain(ctx)
	if err != nil {
		return err
	}
	if report.Delivered+report.Retried+report.Dead > 0 {
		app.logger.Info("outbox drained",
			zap.Int("delivered", report.Delivered),
			zap.Int("retried", report.Retried),
			zap.Int("dead", report.Dead),
		)
	}
	return nil
}

func (app *application) sweepExpired(ctx context.Context) error {
	report, err := app.service.ExpireCredits(ctx)
	if err != nil {
		return err
	}
	app.logger.Info("expiry sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("expired", report.Expired),
		zap.Int64("credits_deducted", report.CreditsDeducted.Int64()),
		zap.Int("failed", report.Failed),
	)
	return nil
}

// runJob runs fn under the named lease. A lease held elsewhere is not an error.
func (app *application) runJob(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ran, err := app.locker.Run(ctx, name, app.cfg.LockTTL, fn)
	if !ran && err == nil {
		app.logger.Debug("job lease held elsewhere", zap.String("job", name))
	}
	return err
}

// runPeriodic runs the job now and then every interval until ctx ends.
func (app *application) runPeriodic(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	logger := app.logger.With(zap.String("job", name))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := app.runJob(ctx, name, fn); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("job failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	app, err := newApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	deps, err := app.dependencies()
	if err != nil {
		return err
	}
	router, err := httpapi.NewRouter(*deps, httpapi.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
		MaxBodyBytes:   maxBodyBytes,
	})
	if err != nil {
		return err
	}

	jobCtx, cancelJobs := context.WithCancel(ctx)
	done := make(chan struct{}, 2)
	go func() {
		app.runPeriodic(jobCtx, jobOutbox, cfg.OutboxInterval, app.drainOutbox)
		done <- struct{}{}
	}()
	go func() {
		app.runPeriodic(jobCtx, jobSweep, cfg.SweepInterval, app.sweepExpired)
		done <- struct{}{}
	}()

	serveErr := httpapi.Serve(ctx, cfg.ListenAddr, router, app.logger)
	cancelJobs()
	<-done
	<-done
	return serveErr
}

func runSweep(ctx context.Context, cfg *config.Config, loop bool) error {
	app, err := newApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()
	if loop {
		app.runPeriodic(ctx, jobSweep, cfg.SweepInterval, app.sweepExpired)
		return nil
	}
	return app.runJob(ctx, jobSweep, app.sweepExpired)
}

func runOutbox(ctx context.Context, cfg *config.Config, loop bool) error {
	app, err := newApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()
	if loop {
		app.runPeriodic(ctx, jobOutbox, cfg.OutboxInterval, app.drainOutbox)
		return nil
	}
	return app.runJob(ctx, jobOutbox, app.drainOutbox)
}

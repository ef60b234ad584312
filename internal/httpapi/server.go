// Package httpapi exposes webhooks, payment verification and credit endpoints over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/paycredits/internal/notify"
	"github.com/MarkoPoloResearchLab/paycredits/internal/provider"
	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultMaxBodyBytes   = 1 << 20
	shutdownTimeout       = 5 * time.Second
)

// ErrInvalidServerConfig is returned when a required dependency is missing.
var ErrInvalidServerConfig = errors.New("invalid server config")

// Ledger is the credits.Service surface the HTTP layer calls.
type Ledger interface {
	provider.Ledger
	Balances(ctx context.Context, userID credits.UserID) (credits.Balances, error)
	ListTransactions(ctx context.Context, userID credits.UserID, limit int) ([]credits.Transaction, error)
	Spend(ctx context.Context, request credits.SpendRequest) (credits.SpendResult, error)
	AdjustCredits(ctx context.Context, adjustment credits.Adjustment) (credits.AdjustResult, error)
	RegisterPendingPayment(ctx context.Context, payment credits.PaymentRecord) (credits.PaymentRecord, error)
}

// NotificationLister reads in-app notifications.
type NotificationLister interface {
	ListNotifications(ctx context.Context, userID string, limit int) ([]notify.Notification, error)
}

// StripeAdapter authenticates Stripe webhooks and retrieves sessions.
type StripeAdapter interface {
	ParseWebhook(payload []byte, signatureHeader string) (provider.Outcome, error)
	VerifySession(ctx context.Context, sessionID string) (provider.Outcome, error)
}

// PayPalAdapter authenticates PayPal webhooks and resolves orders.
type PayPalAdapter interface {
	ParseWebhook(ctx context.Context, payload []byte, header http.Header) (provider.Outcome, error)
	VerifyOrder(ctx context.Context, orderID string) (provider.Outcome, error)
}

// DodoAdapter authenticates Dodo webhooks.
type DodoAdapter interface {
	ParseWebhook(ctx context.Context, payload []byte, header http.Header) (provider.Outcome, error)
}

// VivaAdapter resolves Viva orders.
type VivaAdapter interface {
	VerifyOrder(ctx context.Context, orderCode string, transactionID string) (provider.Outcome, error)
}

// Dependencies wires the router. Notifications is optional.
type Dependencies struct {
	Ledger        Ledger
	Notifications NotificationLister
	Stripe        StripeAdapter
	PayPal        PayPalAdapter
	Dodo          DodoAdapter
	Viva          VivaAdapter
	Authenticator *Authenticator
	Logger        *zap.Logger
}

// Options tunes the router.
type Options struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// NewRouter builds the gin engine.
func NewRouter(deps Dependencies, options Options) (*gin.Engine, error) {
	switch {
	case deps.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidServerConfig)
	case deps.Authenticator == nil:
		return nil, fmt.Errorf("%w: authenticator is nil", ErrInvalidServerConfig)
	case deps.Stripe == nil || deps.PayPal == nil || deps.Dodo == nil || deps.Viva == nil:
		return nil, fmt.Errorf("%w: provider adapter is nil", ErrInvalidServerConfig)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = defaultRequestTimeout
	}
	if options.MaxBodyBytes <= 0 {
		options.MaxBodyBytes = defaultMaxBodyBytes
	}
	handler := &httpHandler{
		ledger:         deps.Ledger,
		notifications:  deps.Notifications,
		stripe:         deps.Stripe,
		paypal:         deps.PayPal,
		dodo:           deps.Dodo,
		viva:           deps.Viva,
		logger:         deps.Logger,
		requestTimeout: options.RequestTimeout,
		maxBodyBytes:   options.MaxBodyBytes,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(options.AllowedOrigins)))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	webhooks := router.Group("/webhooks")
	webhooks.POST("/stripe", handler.handleStripeWebhook)
	webhooks.POST("/paypal", handler.handlePayPalWebhook)
	webhooks.POST("/dodo", handler.handleDodoWebhook)

	authenticated := router.Group("/")
	authenticated.Use(deps.Authenticator.Middleware())
	authenticated.POST("/payments/stripe/verify", handler.handleStripeVerify)
	authenticated.POST("/payments/paypal/verify", handler.handlePayPalVerify)
	authenticated.POST("/payments/viva/verify", handler.handleVivaVerify)
	authenticated.GET("/credits/balance", handler.handleBalance)
	authenticated.GET("/credits/transactions", handler.handleTransactions)
	authenticated.POST("/credits/spend", handler.handleSpend)
	if handler.notifications != nil {
		authenticated.GET("/notifications", handler.handleNotifications)
	}

	checkout := authenticated.Group("/payments")
	checkout.Use(RequireRole(roleService, roleAdmin))
	checkout.POST("/pending", handler.handleRegisterPending)

	admin := authenticated.Group("/admin")
	admin.Use(RequireAdmin())
	admin.POST("/credits", handler.handleAdminCredits)

	return router, nil
}

func corsConfig(allowedOrigins []string) cors.Config {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Origin", "Accept"},
		MaxAge:       12 * time.Hour,
	}
	for _, origin := range allowedOrigins {
		if origin == "*" {
			config.AllowAllOrigins = true
			return config
		}
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
		return config
	}
	config.AllowOrigins = allowedOrigins
	return config
}

// Serve runs handler on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("paycredits listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

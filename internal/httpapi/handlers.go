package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/paycredits/internal/provider"
	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	statusPending   = "pending"
	statusFailed    = "failed"
	statusIgnored   = "ignored"
	statusCompleted = "completed"
	statusRefunded  = "refunded"
)

type httpHandler struct {
	ledger         Ledger
	notifications  NotificationLister
	stripe         StripeAdapter
	paypal         PayPalAdapter
	dodo           DodoAdapter
	viva           VivaAdapter
	logger         *zap.Logger
	requestTimeout time.Duration
	maxBodyBytes   int64
}

func (handler *httpHandler) handleStripeWebhook(ctx *gin.Context) {
	payload, ok := handler.readBody(ctx)
	if !ok {
		return
	}
	outcome, err := handler.stripe.ParseWebhook(payload, ctx.GetHeader("Stripe-Signature"))
	handler.finishWebhook(ctx, outcome, err)
}

func (handler *httpHandler) handlePayPalWebhook(ctx *gin.Context) {
	payload, ok := handler.readBody(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	outcome, err := handler.paypal.ParseWebhook(requestCtx, payload, ctx.Request.Header)
	handler.finishWebhook(ctx, outcome, err)
}

func (handler *httpHandler) handleDodoWebhook(ctx *gin.Context) {
	payload, ok := handler.readBody(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	outcome, err := handler.dodo.ParseWebhook(requestCtx, payload, ctx.Request.Header)
	handler.finishWebhook(ctx, outcome, err)
}

func (handler *httpHandler) finishWebhook(ctx *gin.Context, outcome provider.Outcome, err error) {
	if err != nil {
		handler.respondError(ctx, "webhook rejected", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := provider.Reconcile(requestCtx, handler.ledger, outcome)
	if err != nil {
		handler.respondError(ctx, "webhook reconcile failed", err)
		return
	}
	response := resultResponse(result)
	response.Success = true
	ctx.JSON(http.StatusOK, response)
}

type stripeVerifyRequest struct {
	SessionID string `json:"sessionId"`
}

func (handler *httpHandler) handleStripeVerify(ctx *gin.Context) {
	var request stripeVerifyRequest
	if !bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	outcome, err := handler.stripe.VerifySession(requestCtx, request.SessionID)
	handler.finishVerify(ctx, outcome, err, http.StatusConflict)
}

type paypalVerifyRequest struct {
	OrderID string `json:"orderId"`
}

func (handler *httpHandler) handlePayPalVerify(ctx *gin.Context) {
	var request paypalVerifyRequest
	if !bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	outcome, err := handler.paypal.VerifyOrder(requestCtx, request.OrderID)
	handler.finishVerify(ctx, outcome, err, http.StatusConflict)
}

type vivaVerifyRequest struct {
	OrderCode     string `json:"orderCode"`
	TransactionID string `json:"transactionId"`
}

func (handler *httpHandler) handleVivaVerify(ctx *gin.Context) {
	var request vivaVerifyRequest
	if !bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	outcome, err := handler.viva.VerifyOrder(requestCtx, request.OrderCode, request.TransactionID)
	handler.finishVerify(ctx, outcome, err, http.StatusOK)
}

// finishVerify applies a verify outcome for the calling user. notPaidStatus is the HTTP status for a
// payment the provider has not settled yet.
func (handler *httpHandler) finishVerify(ctx *gin.Context, outcome provider.Outcome, err error, notPaidStatus int) {
	userID, ok := callerID(ctx)
	if !ok {
		return
	}
	if errors.Is(err, provider.ErrPaymentNotPaid) {
		ctx.JSON(notPaidStatus, apiResponse{Success: false, Status: statusPending, Error: "payment_not_paid"})
		return
	}
	if err != nil {
		handler.respondError(ctx, "payment verify failed", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.authorizeOutcome(requestCtx, userID, outcome); err != nil {
		handler.respondError(ctx, "payment verify rejected", err)
		return
	}
	result, err := provider.Reconcile(requestCtx, handler.ledger, outcome)
	if err != nil {
		handler.respondError(ctx, "payment verify failed", err)
		return
	}
	response := resultResponse(result)
	response.Success = result.Kind == provider.OutcomePurchase
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) authorizeOutcome(ctx context.Context, userID credits.UserID, outcome provider.Outcome) error {
	switch outcome.Kind {
	case provider.OutcomePurchase:
		if outcome.Purchase.UserID != userID {
			return provider.ErrUserMismatch
		}
	case provider.OutcomeFailure, provider.OutcomePending:
		payment, err := handler.ledger.Payment(ctx, outcome.Provider, outcome.PaymentID)
		if errors.Is(err, credits.ErrPaymentNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if payment.UserID != userID {
			return provider.ErrUserMismatch
		}
	}
	return nil
}

type pendingPaymentRequest struct {
	Provider     string `json:"provider"`
	ExternalID   string `json:"externalId"`
	UserID       string `json:"userId"`
	Credits      int64  `json:"credits"`
	CreditType   string `json:"creditType"`
	AmountCents  int64  `json:"amountCents"`
	Currency     string `json:"currency"`
	ValidityDays int    `json:"validityDays"`
	PackageID    string `json:"packageId"`
	Email        string `json:"email"`
}

// handleRegisterPending records the checkout a server created for a user. The price is stored so a later
// verification can compare it with what the provider reports as paid.
func (handler *httpHandler) handleRegisterPending(ctx *gin.Context) {
	var request pendingPaymentRequest
	if !bindJSON(ctx, &request) {
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, "pending payment rejected", err)
		return
	}
	paymentProvider, err := credits.ParseProvider(request.Provider)
	if err != nil {
		handler.respondError(ctx, "pending payment rejected", err)
		return
	}
	creditType, err := credits.ParseCreditType(request.CreditType)
	if err != nil {
		handler.respondError(ctx, "pending payment rejected", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	record, err := handler.ledger.RegisterPendingPayment(requestCtx, credits.PaymentRecord{
		Provider:     paymentProvider,
		ExternalID:   request.ExternalID,
		UserID:       userID,
		Credits:      credits.Credits(request.Credits),
		CreditType:   creditType,
		AmountCents:  request.AmountCents,
		Currency:     request.Currency,
		ValidityDays: request.ValidityDays,
		PackageID:    request.PackageID,
		Email:        request.Email,
	})
	if err != nil {
		handler.respondError(ctx, "pending payment failed", err)
		return
	}
	if record.UserID != userID {
		handler.respondError(ctx, "pending payment rejected", provider.ErrUserMismatch)
		return
	}
	ctx.JSON(http.StatusOK, apiResponse{Success: true, Status: string(record.Status)})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := callerID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balances, err := handler.ledger.Balances(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "balance lookup failed", err)
		return
	}
	ctx.JSON(http.StatusOK, balanceResponse{
		Success:                 true,
		CreditBalance:           balances.Full.Int64(),
		SimilarityCreditBalance: balances.SimilarityOnly.Int64(),
	})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := callerID(ctx)
	if !ok {
		return
	}
	limit := 0
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			ctx.JSON(http.StatusBadRequest, failure("invalid_payload", "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transactions, err := handler.ledger.ListTransactions(requestCtx, userID, limit)
	if err != nil {
		handler.respondError(ctx, "transaction history failed", err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "transactions": payload})
}

type spendRequest struct {
	CreditType  string `json:"creditType"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	RequestID   string `json:"requestId"`
}

func (handler *httpHandler) handleSpend(ctx *gin.Context) {
	userID, ok := callerID(ctx)
	if !ok {
		return
	}
	var request spendRequest
	if !bindJSON(ctx, &request) {
		return
	}
	creditType, err := credits.ParseCreditType(request.CreditType)
	if err != nil {
		handler.respondError(ctx, "spend rejected", err)
		return
	}
	amount, err := credits.NewPositiveCredits(request.Amount)
	if err != nil {
		handler.respondError(ctx, "spend rejected", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.ledger.Spend(requestCtx, credits.SpendRequest{
		UserID:      userID,
		CreditType:  creditType,
		Amount:      amount,
		Description: request.Description,
		RequestID:   request.RequestID,
	})
	if err != nil {
		handler.respondError(ctx, "spend failed", err)
		return
	}
	newBalance := result.NewBalance.Int64()
	ctx.JSON(http.StatusOK, apiResponse{
		Success:          true,
		NewBalance:       &newBalance,
		AlreadyProcessed: result.AlreadyProcessed,
		TransactionID:    result.Transaction.TransactionID,
	})
}

type adminCreditsRequest struct {
	UserID     string `json:"userId"`
	CreditType string `json:"creditType"`
	Amount     int64  `json:"amount"`
	Reason     string `json:"reason"`
	RequestID  string `json:"requestId"`
}

func (handler *httpHandler) handleAdminCredits(ctx *gin.Context) {
	actorID, ok := callerID(ctx)
	if !ok {
		return
	}
	var request adminCreditsRequest
	if !bindJSON(ctx, &request) {
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, "admin adjustment rejected", err)
		return
	}
	creditType, err := credits.ParseCreditType(request.CreditType)
	if err != nil {
		handler.respondError(ctx, "admin adjustment rejected", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.ledger.AdjustCredits(requestCtx, credits.Adjustment{
		UserID:     userID,
		CreditType: creditType,
		Amount:     credits.Credits(request.Amount),
		ActorID:    actorID.String(),
		Reason:     request.Reason,
		RequestID:  request.RequestID,
	})
	if err != nil {
		handler.respondError(ctx, "admin adjustment failed", err)
		return
	}
	newBalance := result.NewBalance.Int64()
	applied := result.Applied.Int64()
	ctx.JSON(http.StatusOK, apiResponse{
		Success:          true,
		Applied:          &applied,
		NewBalance:       &newBalance,
		AlreadyProcessed: result.AlreadyProcessed,
		TransactionID:    result.Transaction.TransactionID,
	})
}

func (handler *httpHandler) handleNotifications(ctx *gin.Context) {
	userID, ok := callerID(ctx)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		ctx.JSON(http.StatusBadRequest, failure("invalid_payload", "limit must be a positive integer"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	notifications, err := handler.notifications.ListNotifications(requestCtx, userID.String(), limit)
	if err != nil {
		handler.respondError(ctx, "notification lookup failed", err)
		return
	}
	payload := make([]notificationPayload, 0, len(notifications))
	for _, notification := range notifications {
		payload = append(payload, notificationPayload{
			ID:        notification.IntentID,
			Event:     notification.Event,
			Title:     notification.Title,
			Body:      notification.Body,
			CreatedAt: notification.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "notifications": payload})
}

func (handler *httpHandler) readBody(ctx *gin.Context) ([]byte, bool) {
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, handler.maxBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, failure("invalid_payload", "unreadable body"))
		return nil, false
	}
	return payload, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
}

func (handler *httpHandler) respondError(ctx *gin.Context, message string, err error) {
	status, code := classifyError(err)
	if status == http.StatusInternalServerError {
		handler.logger.Error(message, zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.JSON(status, failure(code, "internal error"))
		return
	}
	handler.logger.Warn(message, zap.String("path", ctx.FullPath()), zap.String("code", code), zap.Error(err))
	ctx.JSON(status, failure(code, err.Error()))
}

func bindJSON(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil {
		ctx.JSON(http.StatusBadRequest, failure("invalid_payload", "expected JSON body"))
		return false
	}
	return true
}

func callerID(ctx *gin.Context) (credits.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, failure("unauthorized", "missing session"))
		return credits.UserID{}, false
	}
	userID, err := claims.UserID()
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, failure("unauthorized", "invalid subject"))
		return credits.UserID{}, false
	}
	return userID, true
}

package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/paycredits/internal/provider"
	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
)

type apiResponse struct {
	Success          bool   `json:"success"`
	CreditsAdded     *int64 `json:"creditsAdded,omitempty"`
	CreditsDeducted  *int64 `json:"creditsDeducted,omitempty"`
	Applied          *int64 `json:"applied,omitempty"`
	NewBalance       *int64 `json:"newBalance,omitempty"`
	AlreadyProcessed bool   `json:"alreadyProcessed,omitempty"`
	TransactionID    string `json:"transactionId,omitempty"`
	Status           string `json:"status,omitempty"`
	Error            string `json:"error,omitempty"`
	Message          string `json:"message,omitempty"`
}

type balanceResponse struct {
	Success                 bool  `json:"success"`
	CreditBalance           int64 `json:"creditBalance"`
	SimilarityCreditBalance int64 `json:"similarityCreditBalance"`
}

type transactionPayload struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	BalanceBefore int64  `json:"balanceBefore"`
	BalanceAfter  int64  `json:"balanceAfter"`
	Kind          string `json:"kind"`
	CreditType    string `json:"creditType"`
	Description   string `json:"description,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

type notificationPayload struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
}

func newTransactionPayload(transaction credits.Transaction) transactionPayload {
	return transactionPayload{
		ID:            transaction.TransactionID,
		Amount:        transaction.Amount.Int64(),
		BalanceBefore: transaction.BalanceBefore.Int64(),
		BalanceAfter:  transaction.BalanceAfter.Int64(),
		Kind:          string(transaction.Kind),
		CreditType:    string(transaction.CreditType),
		Description:   transaction.Description,
		CreatedAt:     transaction.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func resultResponse(result provider.Result) apiResponse {
	response := apiResponse{AlreadyProcessed: result.AlreadyProcessed}
	switch result.Kind {
	case provider.OutcomePurchase:
		response.Status = statusCompleted
		if result.HasBalance {
			added := result.CreditsAdded.Int64()
			response.CreditsAdded = &added
		}
	case provider.OutcomeRefund:
		response.Status = statusRefunded
		if result.HasBalance {
			deducted := result.CreditsDeducted.Int64()
			response.CreditsDeducted = &deducted
		}
	case provider.OutcomeFailure:
		response.Status = statusFailed
	case provider.OutcomePending:
		response.Status = statusPending
	default:
		response.Status = statusIgnored
	}
	if result.HasBalance {
		balance := result.NewBalance.Int64()
		response.NewBalance = &balance
	}
	return response
}

func failure(code string, message string) apiResponse {
	return apiResponse{Success: false, Error: code, Message: message}
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, provider.ErrInvalidSignature):
		return http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, provider.ErrMalformedPayload), isValidationError(err):
		return http.StatusBadRequest, "invalid_payload"
	case errors.Is(err, provider.ErrUserMismatch):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, credits.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, provider.ErrPaymentNotPaid):
		return http.StatusConflict, "payment_not_paid"
	case errors.Is(err, credits.ErrInvalidPaymentTransition):
		return http.StatusConflict, "invalid_payment_transition"
	case errors.Is(err, credits.ErrPaymentNotFound):
		return http.StatusNotFound, "payment_not_found"
	case errors.Is(err, provider.ErrProviderUnavailable):
		return http.StatusBadGateway, "provider_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func isValidationError(err error) bool {
	for _, target := range []error{
		credits.ErrInvalidUserID,
		credits.ErrInvalidEventKey,
		credits.ErrInvalidProvider,
		credits.ErrInvalidCreditType,
		credits.ErrInvalidCredits,
		credits.ErrInvalidPaymentStatus,
		credits.ErrInvalidPaymentEvent,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

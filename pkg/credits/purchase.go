package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PaymentEvent is the provider-neutral form of a paid purchase.
// Webhook and verify paths for one payment must carry the same ExternalPaymentID.
type PaymentEvent struct {
	Provider          Provider
	ExternalPaymentID string
	ProviderReference string
	UserID            UserID
	Credits           PositiveCredits
	CreditType        CreditType
	AmountCents       int64
	Currency          string
	ValidityDays      int
	PackageID         string
	Email             string
	Source            ClaimSource
}

// PurchaseResult is returned for both fresh and already processed events.
type PurchaseResult struct {
	AlreadyProcessed bool
	CreditsAdded     Credits
	NewBalance       Credits
	CreditType       CreditType
	TransactionID    string
	ValidityRecordID string
}

// RefundEvent reverses a completed payment. Either ExternalPaymentID or ProviderReference locates it.
type RefundEvent struct {
	Provider          Provider
	ExternalPaymentID string
	ProviderReference string
	RefundID          string
	Source            ClaimSource
}

// RefundResult reports the outcome of RefundPayment.
type RefundResult struct {
	AlreadyProcessed bool
	CreditsDeducted  Credits
	NewBalance       Credits
	UserID           UserID
	CreditType       CreditType
}

// CreditPurchase claims the event, credits the balance, attaches expiry, completes the payment record and queues
// notifications, all in one transaction. A replay returns AlreadyProcessed with the committed balance.
func (service *Service) CreditPurchase(ctx context.Context, event PaymentEvent) (PurchaseResult, error) {
	if err := event.validate(); err != nil {
		return PurchaseResult{}, err
	}
	key, err := NewEventKey(event.ExternalPaymentID)
	if err != nil {
		return PurchaseResult{}, err
	}
	var result PurchaseResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := service.claim(ctx, txStore, key, event.Provider, event.UserID, event.Source); err != nil {
			return err
		}
		if err := txStore.EnsureAccount(ctx, event.UserID, event.Email); err != nil {
			return err
		}
		now := service.now()
		transaction, err := service.applyDelta(ctx, txStore, delta{
			userID:      event.UserID,
			creditType:  event.CreditType,
			amount:      event.Credits.Credits(),
			kind:        KindPurchase,
			description: purchaseDescription(event),
			eventKey:    key,
		}, false)
		if err != nil {
			return err
		}
		result = PurchaseResult{
			CreditsAdded:  transaction.Amount,
			NewBalance:    transaction.BalanceAfter,
			CreditType:    event.CreditType,
			TransactionID: transaction.TransactionID,
		}
		if event.ValidityDays > 0 {
			record, err := txStore.InsertValidityRecord(ctx, ValidityRecord{
				UserID:           event.UserID,
				CreditType:       event.CreditType,
				CreditsAmount:    event.Credits.Credits(),
				RemainingCredits: event.Credits.Credits(),
				ExpiresAt:        now.AddDate(0, 0, event.ValidityDays),
				TransactionID:    transaction.TransactionID,
				PackageID:        event.PackageID,
			})
			if err != nil {
				return err
			}
			result.ValidityRecordID = record.RecordID
		}
		if err := service.completePayment(ctx, txStore, event, now); err != nil {
			return err
		}
		notice := Notice{
			Event:             NoticePurchase,
			Title:             "Credits added",
			Body:              fmt.Sprintf("%d %s credits were added to your account.", event.Credits, creditLabel(event.CreditType)),
			Email:             event.Email,
			Provider:          event.Provider,
			ExternalPaymentID: event.ExternalPaymentID,
			TransactionID:     transaction.TransactionID,
			CreditType:        event.CreditType,
			Credits:           transaction.Amount,
			NewBalance:        transaction.BalanceAfter,
			AmountCents:       event.AmountCents,
			Currency:          event.Currency,
		}
		return txStore.EnqueueIntents(ctx, noticeIntents(event.UserID, notice, now, IntentInApp, IntentPush, IntentEmail, IntentInvoice))
	})
	duplicate := isDuplicateClaim(operationError)
	if duplicate {
		balance, err := service.committedBalance(ctx, event.UserID, event.CreditType)
		result = PurchaseResult{
			AlreadyProcessed: true,
			CreditsAdded:     event.Credits.Credits(),
			NewBalance:       balance,
			CreditType:       event.CreditType,
		}
		operationError = err
	}
	service.logOperation(ctx, OperationLog{
		Operation:  operationPurchase,
		Provider:   event.Provider,
		UserID:     event.UserID,
		CreditType: event.CreditType,
		Amount:     event.Credits.Credits(),
		EventKey:   key.String(),
		Detail:     string(event.Source),
		Status:     statusFor(operationError, duplicate),
		Error:      operationError,
	})
	if operationError != nil {
		return PurchaseResult{}, operationError
	}
	return result, nil
}

// RefundPayment deducts the credits of a refunded payment, clamped at zero, and marks it refunded.
func (service *Service) RefundPayment(ctx context.Context, event RefundEvent) (RefundResult, error) {
	if !event.Provider.isPaymentProvider() {
		return RefundResult{}, fmt.Errorf("%w: %q", ErrInvalidProvider, event.Provider)
	}
	refundID := firstNonEmpty(event.RefundID, event.ExternalPaymentID, event.ProviderReference)
	key, err := deriveEventKey(eventKeyPrefixRefund, refundID)
	if err != nil {
		return RefundResult{}, err
	}
	payment, err := service.lookupPayment(ctx, service.store, event.Provider, event.ExternalPaymentID, event.ProviderReference)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationRefund, Provider: event.Provider, EventKey: key.String(), Error: err})
		return RefundResult{}, err
	}
	var result RefundResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := service.claim(ctx, txStore, key, event.Provider, payment.UserID, event.Source); err != nil {
			return err
		}
		if err := txStore.EnsureAccount(ctx, payment.UserID, ""); err != nil {
			return err
		}
		now := service.now()
		if err := txStore.UpdatePaymentStatus(ctx, payment.Provider, payment.ExternalID, sourcesFor(PaymentRefunded), PaymentRefunded, ""); err != nil {
			return err
		}
		transaction, deducted, err := service.deductClamped(ctx, txStore, delta{
			userID:      payment.UserID,
			creditType:  payment.CreditType,
			kind:        KindRefund,
			description: fmt.Sprintf("Refund of %s payment %s", payment.Provider, payment.ExternalID),
			eventKey:    key,
		}, payment.Credits)
		if err != nil {
			return err
		}
		result = RefundResult{
			CreditsDeducted: deducted,
			NewBalance:      transaction.BalanceAfter,
			UserID:          payment.UserID,
			CreditType:      payment.CreditType,
		}
		notice := Notice{
			Event:             NoticeRefund,
			Title:             "Payment refunded",
			Body:              fmt.Sprintf("Your %s payment was refunded and %d credits were removed.", payment.Provider, deducted),
			Email:             payment.Email,
			Provider:          payment.Provider,
			ExternalPaymentID: payment.ExternalID,
			TransactionID:     transaction.TransactionID,
			CreditType:        payment.CreditType,
			Credits:           -deducted,
			NewBalance:        transaction.BalanceAfter,
			AmountCents:       payment.AmountCents,
			Currency:          payment.Currency,
		}
		return txStore.EnqueueIntents(ctx, noticeIntents(payment.UserID, notice, now, IntentInApp, IntentEmail))
	})
	duplicate := isDuplicateClaim(operationError)
	if duplicate {
		balance, err := service.committedBalance(ctx, payment.UserID, payment.CreditType)
		result = RefundResult{AlreadyProcessed: true, NewBalance: balance, UserID: payment.UserID, CreditType: payment.CreditType}
		operationError = err
	}
	service.logOperation(ctx, OperationLog{
		Operation:  operationRefund,
		Provider:   event.Provider,
		UserID:     payment.UserID,
		CreditType: payment.CreditType,
		Amount:     -result.CreditsDeducted,
		EventKey:   key.String(),
		Status:     statusFor(operationError, duplicate),
		Error:      operationError,
	})
	if operationError != nil {
		return RefundResult{}, operationError
	}
	return result, nil
}

// RegisterPendingPayment records a checkout before the provider confirms it. Re-registering is a no-op.
func (service *Service) RegisterPendingPayment(ctx context.Context, payment PaymentRecord) (PaymentRecord, error) {
	if !payment.Provider.isPaymentProvider() {
		return PaymentRecord{}, fmt.Errorf("%w: %q", ErrInvalidProvider, payment.Provider)
	}
	if strings.TrimSpace(payment.ExternalID) == "" {
		return PaymentRecord{}, fmt.Errorf("%w: external id is required", ErrInvalidPaymentEvent)
	}
	if err := validateHolder(payment.UserID, payment.CreditType); err != nil {
		return PaymentRecord{}, err
	}
	if payment.Credits <= 0 {
		return PaymentRecord{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	if payment.ValidityDays < 0 {
		return PaymentRecord{}, fmt.Errorf("%w: validity days must not be negative", ErrInvalidPaymentEvent)
	}
	if payment.AmountCents <= 0 {
		return PaymentRecord{}, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidPaymentEvent)
	}
	payment.Currency = strings.ToLower(strings.TrimSpace(payment.Currency))
	if payment.Currency == "" {
		return PaymentRecord{}, fmt.Errorf("%w: currency is required", ErrInvalidPaymentEvent)
	}
	now := service.now()
	payment.ExternalID = strings.TrimSpace(payment.ExternalID)
	payment.Status = PaymentPending
	payment.CreatedAt = now
	payment.UpdatedAt = now
	err := service.store.CreatePayment(ctx, payment)
	if errors.Is(err, ErrPaymentExists) {
		existing, lookupError := service.store.GetPayment(ctx, payment.Provider, payment.ExternalID)
		service.logOperation(ctx, OperationLog{Operation: operationPending, Provider: payment.Provider, UserID: payment.UserID, EventKey: payment.ExternalID, Status: statusFor(lookupError, true), Error: lookupError})
		return existing, lookupError
	}
	service.logOperation(ctx, OperationLog{
		Operation:  operationPending,
		Provider:   payment.Provider,
		UserID:     payment.UserID,
		CreditType: payment.CreditType,
		Amount:     payment.Credits,
		EventKey:   payment.ExternalID,
		Error:      err,
	})
	if err != nil {
		return PaymentRecord{}, err
	}
	return payment, nil
}

// MarkPaymentFailed moves a pending payment to failed. Payments already in a terminal state are left untouched.
func (service *Service) MarkPaymentFailed(ctx context.Context, provider Provider, externalID string) error {
	err := service.store.UpdatePaymentStatus(ctx, provider, externalID, sourcesFor(PaymentFailed), PaymentFailed, "")
	if errors.Is(err, ErrInvalidPaymentTransition) {
		err = nil
	}
	service.logOperation(ctx, OperationLog{Operation: operationFail, Provider: provider, EventKey: externalID, Error: err})
	return err
}

// Payment returns the stored record for a provider payment.
func (service *Service) Payment(ctx context.Context, provider Provider, externalID string) (PaymentRecord, error) {
	return service.store.GetPayment(ctx, provider, externalID)
}

// PaymentByReference returns the stored record matching a provider secondary reference.
func (service *Service) PaymentByReference(ctx context.Context, provider Provider, reference string) (PaymentRecord, error) {
	return service.store.FindPaymentByReference(ctx, provider, reference)
}

// SeenWebhookEvent reports whether a provider event id was already processed.
func (service *Service) SeenWebhookEvent(ctx context.Context, provider Provider, eventID string) (bool, error) {
	if strings.TrimSpace(eventID) == "" {
		return false, nil
	}
	return service.store.HasWebhookEvent(ctx, provider, eventID)
}

// RecordWebhookEvent logs a processed provider event. Recording a known event is a no-op.
func (service *Service) RecordWebhookEvent(ctx context.Context, event WebhookEvent) error {
	if strings.TrimSpace(event.EventID) == "" {
		return nil
	}
	return service.store.RecordWebhookEvent(ctx, event)
}

func (service *Service) completePayment(ctx context.Context, txStore Store, event PaymentEvent, now time.Time) error {
	_, err := txStore.GetPayment(ctx, event.Provider, event.ExternalPaymentID)
	if errors.Is(err, ErrPaymentNotFound) {
		return txStore.CreatePayment(ctx, PaymentRecord{
			Provider:          event.Provider,
			ExternalID:        event.ExternalPaymentID,
			ProviderReference: event.ProviderReference,
			UserID:            event.UserID,
			Credits:           event.Credits.Credits(),
			CreditType:        event.CreditType,
			AmountCents:       event.AmountCents,
			Currency:          event.Currency,
			ValidityDays:      event.ValidityDays,
			PackageID:         event.PackageID,
			Email:             event.Email,
			Status:            PaymentCompleted,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	}
	if err != nil {
		return err
	}
	return txStore.UpdatePaymentStatus(ctx, event.Provider, event.ExternalPaymentID, sourcesFor(PaymentCompleted), PaymentCompleted, event.ProviderReference)
}

func (service *Service) lookupPayment(ctx context.Context, store Store, provider Provider, externalID string, reference string) (PaymentRecord, error) {
	if strings.TrimSpace(externalID) != "" {
		payment, err := store.GetPayment(ctx, provider, externalID)
		if err == nil || !errors.Is(err, ErrPaymentNotFound) || strings.TrimSpace(reference) == "" {
			return payment, err
		}
	}
	if strings.TrimSpace(reference) == "" {
		return PaymentRecord{}, ErrPaymentNotFound
	}
	return store.FindPaymentByReference(ctx, provider, reference)
}

func (event PaymentEvent) validate() error {
	if !event.Provider.isPaymentProvider() {
		return fmt.Errorf("%w: %q", ErrInvalidProvider, event.Provider)
	}
	if strings.TrimSpace(event.ExternalPaymentID) == "" {
		return fmt.Errorf("%w: external payment id is required", ErrInvalidPaymentEvent)
	}
	if err := validateHolder(event.UserID, event.CreditType); err != nil {
		return err
	}
	if event.Credits <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	if event.ValidityDays < 0 {
		return fmt.Errorf("%w: validity days must not be negative", ErrInvalidPaymentEvent)
	}
	return nil
}

func purchaseDescription(event PaymentEvent) string {
	if event.PackageID != "" {
		return fmt.Sprintf("Purchase of package %s via %s", event.PackageID, event.Provider)
	}
	return fmt.Sprintf("Purchase of %d credits via %s", event.Credits, event.Provider)
}

func creditLabel(creditType CreditType) string {
	if creditType == CreditTypeSimilarityOnly {
		return "similarity"
	}
	return "full"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
)

// PaymentLookup finds locally registered payments.
type PaymentLookup interface {
	Payment(ctx context.Context, provider credits.Provider, externalID string) (credits.PaymentRecord, error)
}

// Ledger is the part of credits.Service an outcome is applied to.
type Ledger interface {
	PaymentLookup
	CreditPurchase(ctx context.Context, event credits.PaymentEvent) (credits.PurchaseResult, error)
	RefundPayment(ctx context.Context, event credits.RefundEvent) (credits.RefundResult, error)
	MarkPaymentFailed(ctx context.Context, provider credits.Provider, externalID string) error
	SeenWebhookEvent(ctx context.Context, provider credits.Provider, eventID string) (bool, error)
	RecordWebhookEvent(ctx context.Context, event credits.WebhookEvent) error
}

// Result is what the HTTP layer reports back to the provider or the client.
type Result struct {
	Kind             OutcomeKind
	AlreadyProcessed bool
	UserID           credits.UserID
	CreditsAdded     credits.Credits
	CreditsDeducted  credits.Credits
	NewBalance       credits.Credits
	HasBalance       bool
}

// Reconcile applies outcome to ledger. A delivery whose EventID was already logged is a no-op.
func Reconcile(ctx context.Context, ledger Ledger, outcome Outcome) (Result, error) {
	result := Result{Kind: outcome.Kind}
	if outcome.EventID != "" {
		seen, err := ledger.SeenWebhookEvent(ctx, outcome.Provider, outcome.EventID)
		if err != nil {
			return Result{}, err
		}
		if seen {
			result.AlreadyProcessed = true
			return result, nil
		}
	}
	switch outcome.Kind {
	case OutcomePurchase:
		purchase, err := ledger.CreditPurchase(ctx, outcome.Purchase)
		if err != nil {
			return Result{}, err
		}
		result.AlreadyProcessed = purchase.AlreadyProcessed
		result.UserID = outcome.Purchase.UserID
		result.CreditsAdded = purchase.CreditsAdded
		result.NewBalance = purchase.NewBalance
		result.HasBalance = true
	case OutcomeRefund:
		refund, err := ledger.RefundPayment(ctx, outcome.Refund)
		// A refund of an unknown payment, or of one that is already refunded or never completed, changes
		// nothing and must not be redelivered.
		if errors.Is(err, credits.ErrPaymentNotFound) || errors.Is(err, credits.ErrInvalidPaymentTransition) {
			result.Kind = OutcomeIgnored
			break
		}
		if err != nil {
			return Result{}, err
		}
		result.AlreadyProcessed = refund.AlreadyProcessed
		result.UserID = refund.UserID
		result.CreditsDeducted = refund.CreditsDeducted
		result.NewBalance = refund.NewBalance
		result.HasBalance = true
	case OutcomeFailure:
		err := ledger.MarkPaymentFailed(ctx, outcome.Provider, outcome.PaymentID)
		if errors.Is(err, credits.ErrPaymentNotFound) {
			result.Kind = OutcomeIgnored
			break
		}
		if err != nil {
			return Result{}, err
		}
	case OutcomePending, OutcomeIgnored:
	default:
		return Result{}, fmt.Errorf("%w: outcome %q", ErrMalformedPayload, outcome.Kind)
	}
	if outcome.EventID != "" && outcome.Kind != OutcomePending {
		err := ledger.RecordWebhookEvent(ctx, credits.WebhookEvent{
			Provider:  outcome.Provider,
			EventID:   outcome.EventID,
			EventType: outcome.EventType,
			Payload:   outcome.Payload,
		})
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// ResolvePurchase fills event from metadata, or from the pending payment registered at checkout when the
// provider did not round-trip the metadata.
func ResolvePurchase(ctx context.Context, lookup PaymentLookup, event *credits.PaymentEvent, metadata Metadata) error {
	if metadata.Complete() {
		return metadata.Apply(event)
	}
	if lookup == nil {
		return fmt.Errorf("%w: payment %s carries no metadata", ErrMalformedPayload, event.ExternalPaymentID)
	}
	pending, err := lookup.Payment(ctx, event.Provider, event.ExternalPaymentID)
	if errors.Is(err, credits.ErrPaymentNotFound) {
		return fmt.Errorf("%w: payment %s carries no metadata and was never registered", ErrMalformedPayload, event.ExternalPaymentID)
	}
	if err != nil {
		return err
	}
	return ApplyPending(event, pending)
}

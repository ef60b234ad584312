// Package stripe translates Stripe checkout sessions and webhook events into ledger outcomes.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/paycredits/internal/provider"
	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const (
	eventCheckoutSessionCompleted = "checkout.session.completed"
	eventCheckoutAsyncSucceeded   = "checkout.session.async_payment_succeeded"
	eventCheckoutAsyncFailed      = "checkout.session.async_payment_failed"
	eventChargeRefunded           = "charge.refunded"
)

// SessionRetriever fetches a checkout session by id.
type SessionRetriever interface {
	RetrieveSession(ctx context.Context, sessionID string) (*stripego.CheckoutSession, error)
}

// ClientRetriever adapts *stripego.Client to SessionRetriever.
type ClientRetriever struct {
	client *stripego.Client
}

// NewClientRetriever builds a retriever for the given secret key.
func NewClientRetriever(secretKey string) *ClientRetriever {
	return &ClientRetriever{client: stripego.NewClient(secretKey)}
}

// RetrieveSession implements SessionRetriever.
func (retriever *ClientRetriever) RetrieveSession(ctx context.Context, sessionID string) (*stripego.CheckoutSession, error) {
	return retriever.client.V1CheckoutSessions.Retrieve(ctx, sessionID, &stripego.CheckoutSessionRetrieveParams{})
}

// Adapter verifies Stripe deliveries and retrieves sessions.
type Adapter struct {
	webhookSecret string
	sessions      SessionRetriever
	logger        *zap.Logger
}

// NewAdapter wires an Adapter. An empty webhookSecret accepts unsigned payloads with a warning.
func NewAdapter(webhookSecret string, sessions SessionRetriever, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{webhookSecret: webhookSecret, sessions: sessions, logger: logger}
}

// ParseWebhook authenticates payload and translates the event.
func (adapter *Adapter) ParseWebhook(payload []byte, signatureHeader string) (provider.Outcome, error) {
	event, err := adapter.constructEvent(payload, signatureHeader)
	if err != nil {
		return provider.Outcome{}, err
	}
	outcome := provider.Outcome{
		Kind:      provider.OutcomeIgnored,
		Provider:  credits.ProviderStripe,
		EventID:   event.ID,
		EventType: string(event.Type),
		Payload:   payload,
	}
	if event.Data == nil {
		return outcome, nil
	}
	switch string(event.Type) {
	case eventCheckoutSessionCompleted, eventCheckoutAsyncSucceeded:
		var session stripego.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return provider.Outcome{}, fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err)
		}
		if session.PaymentStatus != stripego.CheckoutSessionPaymentStatusPaid {
			outcome.Kind = provider.OutcomePending
			outcome.PaymentID = session.ID
			return outcome, nil
		}
		purchase, err := purchaseFromSession(&session, credits.SourceWebhook)
		if err != nil {
			return provider.Outcome{}, err
		}
		outcome.Kind = provider.OutcomePurchase
		outcome.Purchase = purchase
	case eventCheckoutAsyncFailed:
		var session stripego.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return provider.Outcome{}, fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err)
		}
		outcome.Kind = provider.OutcomeFailure
		outcome.PaymentID = session.ID
	case eventChargeRefunded:
		var charge stripego.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return provider.Outcome{}, fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err)
		}
		if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
			return provider.Outcome{}, fmt.Errorf("%w: refunded charge %s has no payment intent", provider.ErrMalformedPayload, charge.ID)
		}
		// Credits are revoked only once the whole charge is refunded.
		if !charge.Refunded {
			adapter.logger.Info("stripe partial refund ignored",
				zap.String("charge_id", charge.ID),
				zap.Int64("amount_refunded", charge.AmountRefunded),
				zap.Int64("amount", charge.Amount))
			return outcome, nil
		}
		outcome.Kind = provider.OutcomeRefund
		outcome.Refund = credits.RefundEvent{
			Provider:          credits.ProviderStripe,
			ProviderReference: charge.PaymentIntent.ID,
			RefundID:          charge.ID,
			Source:            credits.SourceWebhook,
		}
	}
	return outcome, nil
}

// VerifySession retrieves sessionID and returns the purchase it represents.
func (adapter *Adapter) VerifySession(ctx context.Context, sessionID string) (provider.Outcome, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return provider.Outcome{}, fmt.Errorf("%w: sessionId is required", provider.ErrMalformedPayload)
	}
	if adapter.sessions == nil {
		return provider.Outcome{}, fmt.Errorf("%w: stripe is not configured", provider.ErrProviderUnavailable)
	}
	session, err := adapter.sessions.RetrieveSession(ctx, sessionID)
	if err != nil {
		return provider.Outcome{}, fmt.Errorf("%w: retrieve session: %v", provider.ErrProviderUnavailable, err)
	}
	if session.PaymentStatus != stripego.CheckoutSessionPaymentStatusPaid {
		return provider.Outcome{Kind: provider.OutcomePending, Provider: credits.ProviderStripe, PaymentID: session.ID}, provider.ErrPaymentNotPaid
	}
	purchase, err := purchaseFromSession(session, credits.SourceVerify)
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Outcome{Kind: provider.OutcomePurchase, Provider: credits.ProviderStripe, Purchase: purchase}, nil
}

func (adapter *Adapter) constructEvent(payload []byte, signatureHeader string) (stripego.Event, error) {
	if adapter.webhookSecret == "" {
		adapter.logger.Warn("stripe webhook secret not configured, accepting unsigned payload")
		var event stripego.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return stripego.Event{}, fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err)
		}
		return event, nil
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return stripego.Event{}, fmt.Errorf("%w: missing stripe-signature header", provider.ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, adapter.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripego.Event{}, fmt.Errorf("%w: %v", provider.ErrInvalidSignature, err)
	}
	return event, nil
}

func purchaseFromSession(session *stripego.CheckoutSession, source credits.ClaimSource) (credits.PaymentEvent, error) {
	if session == nil || session.ID == "" {
		return credits.PaymentEvent{}, fmt.Errorf("%w: session id missing", provider.ErrMalformedPayload)
	}
	event := credits.PaymentEvent{
		Provider:          credits.ProviderStripe,
		ExternalPaymentID: session.ID,
		AmountCents:       session.AmountTotal,
		Currency:          string(session.Currency),
		Email:             sessionEmail(session),
		Source:            source,
	}
	if session.PaymentIntent != nil {
		event.ProviderReference = session.PaymentIntent.ID
	}
	if err := provider.MetadataFromMap(session.Metadata).Apply(&event); err != nil {
		return credits.PaymentEvent{}, err
	}
	return event, nil
}

func sessionEmail(session *stripego.CheckoutSession) string {
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		return session.CustomerDetails.Email
	}
	return session.CustomerEmail
}

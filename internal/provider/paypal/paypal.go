// Package paypal translates PayPal orders, captures and webhook events into ledger outcomes.
package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/paycredits/internal/provider"
	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
	"go.uber.org/zap"
)

const (
	eventOrderApproved   = "CHECKOUT.ORDER.APPROVED"
	eventCaptureComplete = "PAYMENT.CAPTURE.COMPLETED"
	eventCaptureDenied   = "PAYMENT.CAPTURE.DENIED"
	eventCaptureRefunded = "PAYMENT.CAPTURE.REFUNDED"

	orderStatusApproved  = "APPROVED"
	orderStatusCompleted = "COMPLETED"
	captureCompleted     = "COMPLETED"

	capturePathSegment = "/v2/payments/captures/"
)

// OrderAPI is the part of Client the adapter needs.
type OrderAPI interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	CaptureOrder(ctx context.Context, orderID string) (Order, error)
	VerifyWebhookSignature(ctx context.Context, headers SignatureHeaders, webhookID string, payload []byte) (bool, error)
}

// Adapter authenticates PayPal deliveries and resolves orders.
type Adapter struct {
	api       OrderAPI
	webhookID string
	payments  provider.PaymentLookup
	logger    *zap.Logger
}

// NewAdapter wires an Adapter. An empty webhookID skips signature verification with a warning.
func NewAdapter(api OrderAPI, webhookID string, payments provider.PaymentLookup, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{api: api, webhookID: strings.TrimSpace(webhookID), payments: payments, logger: logger}
}

type webhookEnvelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type refundResource struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

// ParseWebhook authenticates payload and translates the event.
func (adapter *Adapter) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (provider.Outcome, error) {
	if err := adapter.verifySignature(ctx, payload, header); err != nil {
		return provider.Outcome{}, err
	}
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return provider.Outcome{}, fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err)
	}
	outcome := provider.Outcome{
		Kind:      provider.OutcomeIgnored,
		Provider:  credits.ProviderPayPal,
		EventID:   envelope.ID,
		EventType: envelope.EventType,
		Payload:   payload,
	}
	switch envelope.EventType {
	case eventOrderApproved:
		var order Order
		if err := json.Unmarshal(envelope.Resource, &order); err != nil {
			return provider.Outcome{}, fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err)
		}
		resolved, err := adapter.resolveOrder(ctx, order.ID, credits.SourceWebhook)
		if errors.Is(err, provider.ErrPaymentNotPaid) {
			outcome.Kind = provider.OutcomePending
			outcome.PaymentID = order.ID
			return outcome, nil
		}
		if err != nil {
			return provider.Outcome{}, err
		}
		outcome.Kind = provider.OutcomePurchase
		outcome.Purchase = resolved.Purchase
	case eventCaptureComplete:
		var capture Capture
		if err := json.Unmarshal(envelope.Resource, &capture); err != nil {
			return provider.Outcome{}, fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err)
		}
		purchase, err := adapter.purchaseFromCapture(ctx, capture)
		if err != nil {
			return provider.Outcome{}, err
		}
		outcome.Kind = provider.OutcomePurchase
		outcome.Purchase = purchase
	case eventCaptureDenied:
		var capture Capture
		if err := json.Unmarshal(envelope.Resource, &capture); err != nil {
			return provider.Outcome{}, fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err)
		}
		outcome.Kind = provider.OutcomeFailure
		outcome.PaymentID = capture.SupplementaryData.RelatedIDs.OrderID
	case eventCaptureRefunded:
		var refund refundResource
		if err := json.Unmarshal(envelope.Resource, &refund); err != nil {
			return provider.Outcome{}, fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err)
		}
		captureID := refundedCaptureID(refund)
		if captureID == "" {
			return provider.Outcome{}, fmt.Errorf("%w: refund %s does not link its capture", provider.ErrMalformedPayload, refund.ID)
		}
		outcome.Kind = provider.OutcomeRefund
		outcome.Refund = credits.RefundEvent{
			Provider:          credits.ProviderPayPal,
			ProviderReference: captureID,
			RefundID:          refund.ID,
			Source:            credits.SourceWebhook,
		}
	}
	return outcome, nil
}

// VerifyOrder captures orderID when it is approved and returns the purchase it represents.
func (adapter *Adapter) VerifyOrder(ctx context.Context, orderID string) (provider.Outcome, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return provider.Outcome{}, fmt.Errorf("%w: orderId is required", provider.ErrMalformedPayload)
	}
	outcome, err := adapter.resolveOrder(ctx, orderID, credits.SourceVerify)
	if errors.Is(err, provider.ErrPaymentNotPaid) {
		return provider.Outcome{Kind: provider.OutcomePending, Provider: credits.ProviderPayPal, PaymentID: orderID}, err
	}
	return outcome, err
}

func (adapter *Adapter) resolveOrder(ctx context.Context, orderID string, source credits.ClaimSource) (provider.Outcome, error) {
	if adapter.api == nil {
		return provider.Outcome{}, fmt.Errorf("%w: paypal is not configured", provider.ErrProviderUnavailable)
	}
	if orderID == "" {
		return provider.Outcome{}, fmt.Errorf("%w: order id missing", provider.ErrMalformedPayload)
	}
	order, err := adapter.api.GetOrder(ctx, orderID)
	if err != nil {
		return provider.Outcome{}, err
	}
	if order.Status == orderStatusApproved {
		order, err = adapter.api.CaptureOrder(ctx, orderID)
		if err != nil {
			return provider.Outcome{}, err
		}
	}
	if order.Status != orderStatusCompleted {
		return provider.Outcome{}, fmt.Errorf("%w: order %s is %s", provider.ErrPaymentNotPaid, orderID, order.Status)
	}
	purchase, err := adapter.purchaseFromOrder(ctx, order, source)
	if err != nil {
		return provider.Outcome{}, err
	}
	return provider.Outcome{Kind: provider.OutcomePurchase, Provider: credits.ProviderPayPal, Purchase: purchase}, nil
}

func (adapter *Adapter) purchaseFromOrder(ctx context.Context, order Order, source credits.ClaimSource) (credits.PaymentEvent, error) {
	event := credits.PaymentEvent{
		Provider:          credits.ProviderPayPal,
		ExternalPaymentID: order.ID,
		Email:             order.Payer.EmailAddress,
		Source:            source,
	}
	customID := ""
	if len(order.PurchaseUnits) > 0 {
		unit := order.PurchaseUnits[0]
		customID = unit.CustomID
		amount := unit.Amount
		if captures := unit.Payments.Captures; len(captures) > 0 {
			event.ProviderReference = captures[0].ID
			if customID == "" {
				customID = captures[0].CustomID
			}
			if captures[0].Amount != nil {
				amount = captures[0].Amount
			}
		}
		if err := applyAmount(&event, amount); err != nil {
			return credits.PaymentEvent{}, err
		}
	}
	metadata, _ := provider.MetadataFromJSON([]byte(customID))
	if err := provider.ResolvePurchase(ctx, adapter.payments, &event, metadata); err != nil {
		return credits.PaymentEvent{}, err
	}
	return event, nil
}

func (adapter *Adapter) purchaseFromCapture(ctx context.Context, capture Capture) (credits.PaymentEvent, error) {
	if capture.Status != "" && capture.Status != captureCompleted {
		return credits.PaymentEvent{}, fmt.Errorf("%w: capture %s is %s", provider.ErrPaymentNotPaid, capture.ID, capture.Status)
	}
	orderID := capture.SupplementaryData.RelatedIDs.OrderID
	if orderID == "" {
		return credits.PaymentEvent{}, fmt.Errorf("%w: capture %s has no order id", provider.ErrMalformedPayload, capture.ID)
	}
	event := credits.PaymentEvent{
		Provider:          credits.ProviderPayPal,
		ExternalPaymentID: orderID,
		ProviderReference: capture.ID,
		Source:            credits.SourceWebhook,
	}
	if err := applyAmount(&event, capture.Amount); err != nil {
		return credits.PaymentEvent{}, err
	}
	metadata, _ := provider.MetadataFromJSON([]byte(capture.CustomID))
	if err := provider.ResolvePurchase(ctx, adapter.payments, &event, metadata); err != nil {
		return credits.PaymentEvent{}, err
	}
	return event, nil
}

func (adapter *Adapter) verifySignature(ctx context.Context, payload []byte, header http.Header) error {
	if adapter.webhookID == "" {
		adapter.logger.Warn("paypal webhook id not configured, accepting unverified payload")
		return nil
	}
	if adapter.api == nil {
		return fmt.Errorf("%w: paypal is not configured", provider.ErrProviderUnavailable)
	}
	headers := SignatureHeadersFrom(header)
	if headers.TransmissionID == "" || headers.TransmissionSig == "" {
		return fmt.Errorf("%w: missing paypal transmission headers", provider.ErrInvalidSignature)
	}
	verified, err := adapter.api.VerifyWebhookSignature(ctx, headers, adapter.webhookID, payload)
	if err != nil {
		return err
	}
	if !verified {
		return provider.ErrInvalidSignature
	}
	return nil
}

func applyAmount(event *credits.PaymentEvent, amount *Amount) error {
	if amount == nil {
		return nil
	}
	cents, err := provider.ParseCents(amount.Value)
	if err != nil {
		return err
	}
	event.AmountCents = cents
	event.Currency = strings.ToLower(amount.CurrencyCode)
	return nil
}

func refundedCaptureID(refund refundResource) string {
	for _, link := range refund.Links {
		if link.Rel != "up" {
			continue
		}
		if index := strings.LastIndex(link.Href, capturePathSegment); index >= 0 {
			return strings.Trim(link.Href[index+len(capturePathSegment):], "/")
		}
	}
	return ""
}

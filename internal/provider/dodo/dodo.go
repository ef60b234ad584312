// Package dodo verifies Dodo Payments webhooks and translates them into ledger outcomes.
package dodo

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/paycredits/internal/provider"
	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
	"go.uber.org/zap"
)

const (
	headerWebhookID        = "webhook-id"
	headerWebhookTimestamp = "webhook-timestamp"
	headerWebhookSignature = "webhook-signature"

	secretPrefix     = "whsec_"
	signatureVersion = "v1"

	eventPaymentSucceeded = "payment.succeeded"
	eventPaymentFailed    = "payment.failed"
	eventRefundSucceeded  = "refund.succeeded"

	// DefaultTolerance bounds how far webhook-timestamp may drift from now.
	DefaultTolerance = 5 * time.Minute
)

// Adapter verifies Standard Webhooks signatures on Dodo deliveries.
type Adapter struct {
	secret    []byte
	payments  provider.PaymentLookup
	now       func() time.Time
	tolerance time.Duration
	logger    *zap.Logger
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithClock overrides the clock used for timestamp tolerance.
func WithClock(now func() time.Time) Option {
	return func(adapter *Adapter) {
		if now != nil {
			adapter.now = now
		}
	}
}

// WithTolerance overrides DefaultTolerance.
func WithTolerance(tolerance time.Duration) Option {
	return func(adapter *Adapter) {
		if tolerance > 0 {
			adapter.tolerance = tolerance
		}
	}
}

// NewAdapter wires an Adapter. An empty secret accepts unsigned payloads with a warning.
func NewAdapter(secret string, payments provider.PaymentLookup, logger *zap.Logger, options ...Option) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	adapter := &Adapter{payments: payments, now: time.Now, tolerance: DefaultTolerance, logger: logger}
	if trimmed := strings.TrimSpace(secret); trimmed != "" {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(trimmed, secretPrefix))
		if err != nil {
			return nil, fmt.Errorf("decode dodo webhook secret: %w", err)
		}
		adapter.secret = decoded
	}
	for _, option := range options {
		option(adapter)
	}
	return adapter, nil
}

type webhookEnvelope struct {
	Type      string      `json:"type"`
	EventType string      `json:"event_type"`
	Data      webhookData `json:"data"`
}

type webhookData struct {
	PaymentID   string          `json:"payment_id"`
	RefundID    string          `json:"refund_id"`
	TotalAmount int64           `json:"total_amount"`
	Currency    string          `json:"currency"`
	Metadata    json.RawMessage `json:"metadata"`
	Customer    struct {
		Email string `json:"email"`
	} `json:"customer"`
}

// ParseWebhook authenticates payload and translates the event.
func (adapter *Adapter) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (provider.Outcome, error) {
	webhookID := strings.TrimSpace(header.Get(headerWebhookID))
	if err := adapter.verify(payload, header); err != nil {
		return provider.Outcome{}, err
	}
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return provider.Outcome{}, fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err)
	}
	eventType := envelope.Type
	if eventType == "" {
		eventType = envelope.EventType
	}
	outcome := provider.Outcome{
		Kind:      provider.OutcomeIgnored,
		Provider:  credits.ProviderDodo,
		EventID:   webhookID,
		EventType: eventType,
		Payload:   payload,
	}
	data := envelope.Data
	switch eventType {
	case eventPaymentSucceeded:
		if data.PaymentID == "" {
			return provider.Outcome{}, fmt.Errorf("%w: payment_id missing", provider.ErrMalformedPayload)
		}
		event := credits.PaymentEvent{
			Provider:          credits.ProviderDodo,
			ExternalPaymentID: data.PaymentID,
			AmountCents:       data.TotalAmount,
			Currency:          strings.ToLower(data.Currency),
			Email:             data.Customer.Email,
			Source:            credits.SourceWebhook,
		}
		metadata, _ := provider.MetadataFromJSON(data.Metadata)
		if err := provider.ResolvePurchase(ctx, adapter.payments, &event, metadata); err != nil {
			return provider.Outcome{}, err
		}
		outcome.Kind = provider.OutcomePurchase
		outcome.Purchase = event
	case eventPaymentFailed:
		outcome.Kind = provider.OutcomeFailure
		outcome.PaymentID = data.PaymentID
	case eventRefundSucceeded:
		if data.PaymentID == "" {
			return provider.Outcome{}, fmt.Errorf("%w: refunded payment_id missing", provider.ErrMalformedPayload)
		}
		outcome.Kind = provider.OutcomeRefund
		outcome.Refund = credits.RefundEvent{
			Provider:          credits.ProviderDodo,
			ExternalPaymentID: data.PaymentID,
			RefundID:          data.RefundID,
			Source:            credits.SourceWebhook,
		}
	}
	return outcome, nil
}

func (adapter *Adapter) verify(payload []byte, header http.Header) error {
	if len(adapter.secret) == 0 {
		adapter.logger.Warn("dodo webhook secret not configured, accepting unsigned payload")
		return nil
	}
	webhookID := strings.TrimSpace(header.Get(headerWebhookID))
	rawTimestamp := strings.TrimSpace(header.Get(headerWebhookTimestamp))
	signatures := strings.TrimSpace(header.Get(headerWebhookSignature))
	if webhookID == "" || rawTimestamp == "" || signatures == "" {
		return fmt.Errorf("%w: missing webhook headers", provider.ErrInvalidSignature)
	}
	seconds, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: webhook-timestamp %q", provider.ErrInvalidSignature, rawTimestamp)
	}
	drift := adapter.now().Sub(time.Unix(seconds, 0))
	if drift > adapter.tolerance || drift < -adapter.tolerance {
		return fmt.Errorf("%w: webhook-timestamp outside tolerance", provider.ErrInvalidSignature)
	}
	expected := Sign(adapter.secret, webhookID, rawTimestamp, payload)
	for _, candidate := range strings.Fields(signatures) {
		version, signature, found := strings.Cut(candidate, ",")
		if !found || version != signatureVersion {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(signature)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return provider.ErrInvalidSignature
}

// Sign computes the Standard Webhooks HMAC over "<id>.<timestamp>.<payload>".
func Sign(secret []byte, webhookID string, timestamp string, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	var content bytes.Buffer
	content.WriteString(webhookID)
	content.WriteByte('.')
	content.WriteString(timestamp)
	content.WriteByte('.')
	content.Write(payload)
	mac.Write(content.Bytes())
	return mac.Sum(nil)
}

// SignatureHeader formats a signature for the webhook-signature header.
func SignatureHeader(signature []byte) string {
	return signatureVersion + "," + base64.StdEncoding.EncodeToString(signature)
}

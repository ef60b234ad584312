package stripe

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/paycredits/internal/provider"
	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test_secret"

const completedSessionEvent = `{
  "id": "evt_1",
  "object": "event",
  "type": "checkout.session.completed",
  "data": {
    "object": {
      "id": "cs_test_1",
      "object": "checkout.session",
      "payment_status": "paid",
      "amount_total": 999,
      "currency": "usd",
      "payment_intent": "pi_1",
      "customer_details": {"email": "buyer@example.com"},
      "metadata": {"user_id": "user-1", "credits": "10", "credit_type": "similarity_only", "validity_days": "30", "package_id": "starter"}
    }
  }
}`

const refundedChargeEvent = `{
  "id": "evt_2",
  "object": "event",
  "type": "charge.refunded",
  "data": {"object": {"id": "ch_1", "object": "charge", "payment_intent": "pi_1", "refunded": true}}
}`

type fakeSessions struct {
	session *stripego.CheckoutSession
	err     error
}

func (fake *fakeSessions) RetrieveSession(context.Context, string) (*stripego.CheckoutSession, error) {
	return fake.session, fake.err
}

func signed(test *testing.T, payload string) (string, []byte) {
	test.Helper()
	signedPayload := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: []byte(payload), Secret: testWebhookSecret})
	return signedPayload.Header, signedPayload.Payload
}

func TestParseWebhookCheckoutCompleted(test *testing.T) {
	test.Parallel()
	adapter := NewAdapter(testWebhookSecret, nil, nil)
	header, body := signed(test, completedSessionEvent)

	outcome, err := adapter.ParseWebhook(body, header)
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if outcome.Kind != provider.OutcomePurchase || outcome.EventID != "evt_1" {
		test.Fatalf("unexpected outcome: %+v", outcome)
	}
	purchase := outcome.Purchase
	if purchase.ExternalPaymentID != "cs_test_1" || purchase.ProviderReference != "pi_1" || purchase.UserID.String() != "user-1" {
		test.Fatalf("unexpected purchase identity: %+v", purchase)
	}
	if purchase.Credits != 10 || purchase.CreditType != credits.CreditTypeSimilarityOnly || purchase.ValidityDays != 30 || purchase.PackageID != "starter" {
		test.Fatalf("unexpected purchase metadata: %+v", purchase)
	}
	if purchase.AmountCents != 999 || purchase.Currency != "usd" || purchase.Email != "buyer@example.com" || purchase.Source != credits.SourceWebhook {
		test.Fatalf("unexpected purchase details: %+v", purchase)
	}
}

func TestParseWebhookSignatureFailures(test *testing.T) {
	test.Parallel()
	adapter := NewAdapter(testWebhookSecret, nil, nil)
	testCases := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong signature", header: "t=1700000000,v1=deadbeef"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if _, err := adapter.ParseWebhook([]byte(completedSessionEvent), testCase.header); !errors.Is(err, provider.ErrInvalidSignature) {
				test.Fatalf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestParseWebhookWithoutSecretAcceptsUnsigned(test *testing.T) {
	test.Parallel()
	adapter := NewAdapter("", nil, nil)
	outcome, err := adapter.ParseWebhook([]byte(completedSessionEvent), "")
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if outcome.Kind != provider.OutcomePurchase {
		test.Fatalf("expected purchase, got %s", outcome.Kind)
	}
}

func TestParseWebhookChargeRefunded(test *testing.T) {
	test.Parallel()
	adapter := NewAdapter(testWebhookSecret, nil, nil)
	header, body := signed(test, refundedChargeEvent)
	outcome, err := adapter.ParseWebhook(body, header)
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if outcome.Kind != provider.OutcomeRefund || outcome.Refund.ProviderReference != "pi_1" || outcome.Refund.RefundID != "ch_1" {
		test.Fatalf("unexpected refund outcome: %+v", outcome)
	}
}

func TestParseWebhookIgnoresPartialRefund(test *testing.T) {
	test.Parallel()
	adapter := NewAdapter(testWebhookSecret, nil, nil)
	header, body := signed(test, `{"id":"evt_4","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_2","object":"charge","payment_intent":"pi_2","amount":1000,"amount_refunded":300,"refunded":false}}}`)
	outcome, err := adapter.ParseWebhook(body, header)
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if outcome.Kind != provider.OutcomeIgnored || outcome.EventID != "evt_4" || outcome.Refund.RefundID != "" {
		test.Fatalf("expected a partial refund to be ignored, got %+v", outcome)
	}
}

func TestParseWebhookIgnoresOtherEvents(test *testing.T) {
	test.Parallel()
	adapter := NewAdapter(testWebhookSecret, nil, nil)
	header, body := signed(test, `{"id":"evt_3","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
	outcome, err := adapter.ParseWebhook(body, header)
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if outcome.Kind != provider.OutcomeIgnored || outcome.EventType != "customer.created" {
		test.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestParseWebhookRejectsMissingMetadata(test *testing.T) {
	test.Parallel()
	adapter := NewAdapter(testWebhookSecret, nil, nil)
	header, body := signed(test, `{"id":"evt_4","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_2","payment_status":"paid","metadata":{}}}}`)
	if _, err := adapter.ParseWebhook(body, header); !errors.Is(err, provider.ErrMalformedPayload) {
		test.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestVerifySession(test *testing.T) {
	test.Parallel()
	paid := &stripego.CheckoutSession{
		ID:            "cs_verify",
		PaymentStatus: stripego.CheckoutSessionPaymentStatusPaid,
		AmountTotal:   499,
		Currency:      stripego.CurrencyUSD,
		Metadata:      map[string]string{"user_id": "user-5", "credits": "10"},
	}
	unpaid := &stripego.CheckoutSession{ID: "cs_unpaid", PaymentStatus: stripego.CheckoutSessionPaymentStatusUnpaid}
	testCases := []struct {
		name     string
		sessions *fakeSessions
		expected error
	}{
		{name: "paid", sessions: &fakeSessions{session: paid}},
		{name: "unpaid", sessions: &fakeSessions{session: unpaid}, expected: provider.ErrPaymentNotPaid},
		{name: "provider down", sessions: &fakeSessions{err: errors.New("timeout")}, expected: provider.ErrProviderUnavailable},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			adapter := NewAdapter(testWebhookSecret, testCase.sessions, nil)
			outcome, err := adapter.VerifySession(context.Background(), "cs_verify")
			if !errors.Is(err, testCase.expected) {
				test.Fatalf("expected %v, got %v", testCase.expected, err)
			}
			if testCase.expected != nil {
				return
			}
			if outcome.Purchase.ExternalPaymentID != "cs_verify" || outcome.Purchase.Source != credits.SourceVerify || outcome.Purchase.CreditType != credits.CreditTypeFull {
				test.Fatalf("unexpected verify outcome: %+v", outcome.Purchase)
			}
		})
	}
}

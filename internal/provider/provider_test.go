package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
)

type fakeLedger struct {
	seen        map[string]bool
	recorded    []credits.WebhookEvent
	purchases   []credits.PaymentEvent
	refundErr   error
	failErr     error
	failed      []string
	pending     map[string]credits.PaymentRecord
	purchaseErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{seen: map[string]bool{}, pending: map[string]credits.PaymentRecord{}}
}

func (ledger *fakeLedger) Payment(_ context.Context, _ credits.Provider, externalID string) (credits.PaymentRecord, error) {
	record, ok := ledger.pending[externalID]
	if !ok {
		return credits.PaymentRecord{}, credits.ErrPaymentNotFound
	}
	return record, nil
}

func (ledger *fakeLedger) CreditPurchase(_ context.Context, event credits.PaymentEvent) (credits.PurchaseResult, error) {
	if ledger.purchaseErr != nil {
		return credits.PurchaseResult{}, ledger.purchaseErr
	}
	ledger.purchases = append(ledger.purchases, event)
	return credits.PurchaseResult{CreditsAdded: event.Credits.Credits(), NewBalance: event.Credits.Credits()}, nil
}

func (ledger *fakeLedger) RefundPayment(context.Context, credits.RefundEvent) (credits.RefundResult, error) {
	if ledger.refundErr != nil {
		return credits.RefundResult{}, ledger.refundErr
	}
	return credits.RefundResult{CreditsDeducted: 3}, nil
}

func (ledger *fakeLedger) MarkPaymentFailed(_ context.Context, _ credits.Provider, externalID string) error {
	ledger.failed = append(ledger.failed, externalID)
	return ledger.failErr
}

func (ledger *fakeLedger) SeenWebhookEvent(_ context.Context, _ credits.Provider, eventID string) (bool, error) {
	return ledger.seen[eventID], nil
}

func (ledger *fakeLedger) RecordWebhookEvent(_ context.Context, event credits.WebhookEvent) error {
	ledger.seen[event.EventID] = true
	ledger.recorded = append(ledger.recorded, event)
	return nil
}

func purchaseOutcome(test *testing.T, eventID string) Outcome {
	test.Helper()
	event := credits.PaymentEvent{Provider: credits.ProviderStripe, ExternalPaymentID: "cs_1"}
	if err := (Metadata{UserID: "user-1", Credits: "4"}).Apply(&event); err != nil {
		test.Fatalf("apply: %v", err)
	}
	return Outcome{Kind: OutcomePurchase, Provider: credits.ProviderStripe, EventID: eventID, EventType: "checkout.session.completed", Purchase: event}
}

func TestReconcileDedupesLoggedDeliveries(test *testing.T) {
	test.Parallel()
	ledger := newFakeLedger()
	outcome := purchaseOutcome(test, "evt_1")

	first, err := Reconcile(context.Background(), ledger, outcome)
	if err != nil {
		test.Fatalf("first: %v", err)
	}
	if first.AlreadyProcessed || first.CreditsAdded != 4 || !first.HasBalance {
		test.Fatalf("unexpected first result: %+v", first)
	}
	second, err := Reconcile(context.Background(), ledger, outcome)
	if err != nil {
		test.Fatalf("second: %v", err)
	}
	if !second.AlreadyProcessed || len(ledger.purchases) != 1 || len(ledger.recorded) != 1 {
		test.Fatalf("expected one purchase and one log row, got %+v purchases=%d logs=%d", second, len(ledger.purchases), len(ledger.recorded))
	}
}

func TestReconcileDoesNotLogFailedOrPendingOutcomes(test *testing.T) {
	test.Parallel()
	ledger := newFakeLedger()
	ledger.purchaseErr = errors.New("database down")

	if _, err := Reconcile(context.Background(), ledger, purchaseOutcome(test, "evt_2")); err == nil {
		test.Fatalf("expected purchase error")
	}
	if _, err := Reconcile(context.Background(), ledger, Outcome{Kind: OutcomePending, Provider: credits.ProviderStripe, EventID: "evt_3"}); err != nil {
		test.Fatalf("pending: %v", err)
	}
	if len(ledger.recorded) != 0 {
		test.Fatalf("failed and pending deliveries must stay retryable, logged %d", len(ledger.recorded))
	}
}

func TestReconcileUnknownPaymentsAreIgnored(test *testing.T) {
	test.Parallel()
	ledger := newFakeLedger()
	ledger.refundErr = credits.ErrPaymentNotFound
	ledger.failErr = credits.ErrPaymentNotFound

	refund, err := Reconcile(context.Background(), ledger, Outcome{Kind: OutcomeRefund, Provider: credits.ProviderDodo, EventID: "msg_1"})
	if err != nil || refund.Kind != OutcomeIgnored {
		test.Fatalf("expected ignored refund, got %+v %v", refund, err)
	}
	failure, err := Reconcile(context.Background(), ledger, Outcome{Kind: OutcomeFailure, Provider: credits.ProviderDodo, EventID: "msg_2", PaymentID: "pay_1"})
	if err != nil || failure.Kind != OutcomeIgnored {
		test.Fatalf("expected ignored failure, got %+v %v", failure, err)
	}
	if len(ledger.recorded) != 2 {
		test.Fatalf("expected both deliveries logged, got %d", len(ledger.recorded))
	}
}

func TestReconcileIgnoresRefundOfSettledPayment(test *testing.T) {
	test.Parallel()
	ledger := newFakeLedger()
	ledger.refundErr = fmt.Errorf("%w: refunded -> refunded", credits.ErrInvalidPaymentTransition)

	for _, eventID := range []string{"msg_r2", "msg_r3"} {
		result, err := Reconcile(context.Background(), ledger, Outcome{Kind: OutcomeRefund, Provider: credits.ProviderDodo, EventID: eventID})
		if err != nil || result.Kind != OutcomeIgnored || result.HasBalance {
			test.Fatalf("%s: expected ignored refund, got %+v %v", eventID, result, err)
		}
	}
	if len(ledger.recorded) != 2 {
		test.Fatalf("expected both deliveries logged, got %d", len(ledger.recorded))
	}

	ledger.refundErr = errors.New("database down")
	if _, err := Reconcile(context.Background(), ledger, Outcome{Kind: OutcomeRefund, Provider: credits.ProviderDodo, EventID: "msg_r4"}); err == nil {
		test.Fatalf("expected storage errors to surface")
	}
}

func TestResolvePurchaseFallsBackToPendingRecord(test *testing.T) {
	test.Parallel()
	ledger := newFakeLedger()
	userID, err := credits.NewUserID("user-2")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	ledger.pending["ord_1"] = credits.PaymentRecord{ExternalID: "ord_1", UserID: userID, Credits: 8, CreditType: credits.CreditTypeSimilarityOnly, AmountCents: 800, Currency: "usd"}

	event := credits.PaymentEvent{Provider: credits.ProviderPayPal, ExternalPaymentID: "ord_1", AmountCents: 800, Currency: "USD"}
	if err := ResolvePurchase(context.Background(), ledger, &event, Metadata{}); err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if event.UserID != userID || event.Credits != 8 || event.CreditType != credits.CreditTypeSimilarityOnly || event.AmountCents != 800 {
		test.Fatalf("unexpected event: %+v", event)
	}

	missing := credits.PaymentEvent{Provider: credits.ProviderPayPal, ExternalPaymentID: "ord_2"}
	if err := ResolvePurchase(context.Background(), ledger, &missing, Metadata{}); !errors.Is(err, ErrMalformedPayload) {
		test.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestMetadataParsing(test *testing.T) {
	test.Parallel()
	metadata, ok := MetadataFromJSON([]byte(`{"user_id":"user-3","credits":12,"validity_days":"30","credit_type":"similarity_only"}`))
	if !ok || metadata.Credits != "12" || metadata.ValidityDays != "30" {
		test.Fatalf("unexpected metadata: %+v", metadata)
	}
	if _, ok := MetadataFromJSON([]byte("plan-a")); ok {
		test.Fatalf("plain strings are not metadata")
	}

	testCases := []struct {
		name     string
		metadata Metadata
	}{
		{name: "missing user", metadata: Metadata{Credits: "1"}},
		{name: "non numeric credits", metadata: Metadata{UserID: "u", Credits: "ten"}},
		{name: "zero credits", metadata: Metadata{UserID: "u", Credits: "0"}},
		{name: "unknown credit type", metadata: Metadata{UserID: "u", Credits: "1", CreditType: "gold"}},
		{name: "negative validity", metadata: Metadata{UserID: "u", Credits: "1", ValidityDays: "-1"}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			var event credits.PaymentEvent
			if err := testCase.metadata.Apply(&event); !errors.Is(err, ErrMalformedPayload) {
				test.Fatalf("expected ErrMalformedPayload, got %v", err)
			}
		})
	}
}

func TestParseCents(test *testing.T) {
	test.Parallel()
	testCases := map[string]int64{"9.99": 999, "12": 1200, "0.5": 50, "": 0}
	for raw, expected := range testCases {
		cents, err := ParseCents(raw)
		if err != nil || cents != expected {
			test.Fatalf("ParseCents(%q) = %d, %v; expected %d", raw, cents, err, expected)
		}
	}
	if _, err := ParseCents("1.234"); !errors.Is(err, ErrMalformedPayload) {
		test.Fatalf("expected ErrMalformedPayload for three decimals, got %v", err)
	}
}

func TestResolvePurchaseRejectsPaidAmountMismatch(test *testing.T) {
	test.Parallel()
	ledger := newFakeLedger()
	userID, err := credits.NewUserID("user-3")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	ledger.pending["9001"] = credits.PaymentRecord{ExternalID: "9001", UserID: userID, Credits: 1000000, CreditType: credits.CreditTypeFull, AmountCents: 50000, Currency: "eur"}
	ledger.pending["9002"] = credits.PaymentRecord{ExternalID: "9002", UserID: userID, Credits: 1000000, CreditType: credits.CreditTypeFull, Currency: "eur"}

	testCases := []struct {
		name       string
		externalID string
		amount     int64
		currency   string
	}{
		{name: "underpaid", externalID: "9001", amount: 100, currency: "eur"},
		{name: "amount not reported", externalID: "9001", amount: 0, currency: "eur"},
		{name: "other currency", externalID: "9001", amount: 50000, currency: "usd"},
		{name: "unpriced record", externalID: "9002", amount: 0, currency: "eur"},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			event := credits.PaymentEvent{Provider: credits.ProviderViva, ExternalPaymentID: testCase.externalID, AmountCents: testCase.amount, Currency: testCase.currency}
			if err := ResolvePurchase(context.Background(), ledger, &event, Metadata{}); !errors.Is(err, ErrMalformedPayload) {
				test.Fatalf("expected ErrMalformedPayload, got %v", err)
			}
			if !event.UserID.IsZero() || event.Credits != 0 {
				test.Fatalf("rejected event must not carry the pending grant: %+v", event)
			}
		})
	}
}

package viva

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/paycredits/internal/provider"
	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
)

type pendingLookup map[string]credits.PaymentRecord

func (lookup pendingLookup) Payment(_ context.Context, _ credits.Provider, externalID string) (credits.PaymentRecord, error) {
	record, ok := lookup[externalID]
	if !ok {
		return credits.PaymentRecord{}, credits.ErrPaymentNotFound
	}
	return record, nil
}

func newVivaServer(test *testing.T, states map[string]int) *Client {
	test.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		if request.URL.Path == tokenPath {
			if _, _, ok := request.BasicAuth(); !ok {
				writer.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = writer.Write([]byte(`{"access_token":"viva-token","token_type":"Bearer","expires_in":3600}`))
			return
		}
		if request.Header.Get("Authorization") != "Bearer viva-token" {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		orderCode := strings.TrimPrefix(request.URL.Path, ordersPath)
		state, ok := states[orderCode]
		if !ok {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = fmt.Fprintf(writer, `{"OrderCode":%s,"StateId":%d,"Amount":1500,"CurrencyCode":"EUR","MerchantTrns":"plan-a"}`, orderCode, state)
	}))
	test.Cleanup(server.Close)
	return NewClient(Config{AccountsURL: server.URL, APIURL: server.URL, ClientID: "viva-client", ClientSecret: "viva-secret", Timeout: 5 * time.Second})
}

func TestVerifyOrderStates(test *testing.T) {
	test.Parallel()
	userID, err := credits.NewUserID("user-viva")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	lookup := pendingLookup{
		"1003": {Provider: credits.ProviderViva, ExternalID: "1003", UserID: userID, Credits: 30, CreditType: credits.CreditTypeFull, ValidityDays: 60, AmountCents: 1500, Currency: "eur"},
		"1005": {Provider: credits.ProviderViva, ExternalID: "1005", UserID: userID, Credits: 1000000, CreditType: credits.CreditTypeFull, AmountCents: 500000, Currency: "eur"},
	}
	client := newVivaServer(test, map[string]int{"1000": 0, "1001": 1, "1002": 2, "1003": 3, "1004": 3, "1005": 3})

	testCases := []struct {
		name        string
		orderCode   string
		expectKind  provider.OutcomeKind
		expectError error
	}{
		{name: "pending", orderCode: "1000", expectKind: provider.OutcomePending, expectError: provider.ErrPaymentNotPaid},
		{name: "expired", orderCode: "1001", expectKind: provider.OutcomeFailure},
		{name: "canceled", orderCode: "1002", expectKind: provider.OutcomeFailure},
		{name: "paid", orderCode: "1003", expectKind: provider.OutcomePurchase},
		{name: "paid without pending record", orderCode: "1004", expectError: provider.ErrMalformedPayload},
		{name: "paid less than registered", orderCode: "1005", expectError: provider.ErrMalformedPayload},
		{name: "unknown order", orderCode: "9999", expectError: provider.ErrMalformedPayload},
		{name: "blank order", orderCode: " ", expectError: provider.ErrMalformedPayload},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			adapter := NewAdapter(client, lookup)
			outcome, err := adapter.VerifyOrder(context.Background(), testCase.orderCode, "txn-1")
			if testCase.expectError != nil {
				if !errors.Is(err, testCase.expectError) {
					test.Fatalf("expected %v, got %v", testCase.expectError, err)
				}
			} else if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if testCase.expectKind != "" && outcome.Kind != testCase.expectKind {
				test.Fatalf("expected kind %s, got %+v", testCase.expectKind, outcome)
			}
		})
	}
}

func TestVerifyOrderPaidUsesPendingRecord(test *testing.T) {
	test.Parallel()
	userID, err := credits.NewUserID("user-viva")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	lookup := pendingLookup{
		"2001": {Provider: credits.ProviderViva, ExternalID: "2001", UserID: userID, Credits: 30, CreditType: credits.CreditTypeFull, ValidityDays: 60, AmountCents: 1500, Currency: "eur", Email: "viva@example.com"},
	}
	adapter := NewAdapter(newVivaServer(test, map[string]int{"2001": 3}), lookup)

	outcome, err := adapter.VerifyOrder(context.Background(), "2001", "txn-9")
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	purchase := outcome.Purchase
	if purchase.ExternalPaymentID != "2001" || purchase.ProviderReference != "txn-9" || purchase.UserID != userID {
		test.Fatalf("unexpected purchase identity: %+v", purchase)
	}
	if purchase.Credits != 30 || purchase.ValidityDays != 60 || purchase.AmountCents != 1500 || purchase.Currency != "eur" || purchase.Email != "viva@example.com" {
		test.Fatalf("unexpected purchase: %+v", purchase)
	}
}

func TestOrderStateString(test *testing.T) {
	test.Parallel()
	if OrderPaid.String() != "paid" || OrderState(7).String() != "state_7" {
		test.Fatalf("unexpected state names")
	}
}

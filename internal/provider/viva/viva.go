// Package viva resolves Viva Smart Checkout orders into ledger outcomes.
package viva

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/paycredits/internal/provider"
	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	tokenPath  = "/connect/token"
	ordersPath = "/checkout/v2/orders/"
)

// OrderState is Viva's StateId.
type OrderState int

const (
	OrderPending  OrderState = 0
	OrderExpired  OrderState = 1
	OrderCanceled OrderState = 2
	OrderPaid     OrderState = 3
)

func (state OrderState) String() string {
	switch state {
	case OrderPending:
		return "pending"
	case OrderExpired:
		return "expired"
	case OrderCanceled:
		return "canceled"
	case OrderPaid:
		return "paid"
	default:
		return fmt.Sprintf("state_%d", int(state))
	}
}

// Config holds Viva credentials. AccountsURL issues tokens, APIURL serves orders.
type Config struct {
	AccountsURL  string
	APIURL       string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Order is the subset of a Viva checkout order the ledger reads.
type Order struct {
	OrderCode    json.Number `json:"OrderCode"`
	StateID      OrderState  `json:"StateId"`
	Amount       int64       `json:"Amount"`
	CurrencyCode string      `json:"CurrencyCode"`
	MerchantTrns string      `json:"MerchantTrns"`
	CustomerTrns string      `json:"CustomerTrns"`
}

// Client fetches Viva orders with a client-credentials token.
type Client struct {
	apiURL string
	http   *http.Client
}

// NewClient wires a Client.
func NewClient(config Config) *Client {
	credentials := clientcredentials.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		TokenURL:     strings.TrimRight(config.AccountsURL, "/") + tokenPath,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: config.Timeout})
	httpClient := credentials.Client(ctx)
	httpClient.Timeout = config.Timeout
	return &Client{apiURL: strings.TrimRight(config.APIURL, "/"), http: httpClient}
}

// GetOrder fetches orderCode.
func (client *Client) GetOrder(ctx context.Context, orderCode string) (Order, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.apiURL+ordersPath+url.PathEscape(orderCode), nil)
	if err != nil {
		return Order{}, fmt.Errorf("build viva request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	response, err := client.http.Do(request)
	if err != nil {
		return Order{}, fmt.Errorf("%w: viva order %s: %v", provider.ErrProviderUnavailable, orderCode, err)
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNotFound {
		return Order{}, fmt.Errorf("%w: viva order %s not found", provider.ErrMalformedPayload, orderCode)
	}
	if response.StatusCode >= http.StatusBadRequest {
		return Order{}, fmt.Errorf("%w: viva order %s: status %d", provider.ErrProviderUnavailable, orderCode, response.StatusCode)
	}
	var order Order
	if err := json.NewDecoder(io.LimitReader(response.Body, 1<<20)).Decode(&order); err != nil {
		return Order{}, fmt.Errorf("%w: decode viva order: %v", provider.ErrProviderUnavailable, err)
	}
	return order, nil
}

// OrderAPI is the part of Client the adapter needs.
type OrderAPI interface {
	GetOrder(ctx context.Context, orderCode string) (Order, error)
}

// Adapter maps Viva order states onto outcomes. Viva does not round-trip metadata, so purchases come
// from the pending payment registered at checkout.
type Adapter struct {
	api      OrderAPI
	payments provider.PaymentLookup
}

// NewAdapter wires an Adapter.
func NewAdapter(api OrderAPI, payments provider.PaymentLookup) *Adapter {
	return &Adapter{api: api, payments: payments}
}

// VerifyOrder fetches orderCode and translates its state. A pending order returns ErrPaymentNotPaid.
func (adapter *Adapter) VerifyOrder(ctx context.Context, orderCode string, transactionID string) (provider.Outcome, error) {
	orderCode = strings.TrimSpace(orderCode)
	if orderCode == "" {
		return provider.Outcome{}, fmt.Errorf("%w: orderCode is required", provider.ErrMalformedPayload)
	}
	if adapter.api == nil {
		return provider.Outcome{}, fmt.Errorf("%w: viva is not configured", provider.ErrProviderUnavailable)
	}
	order, err := adapter.api.GetOrder(ctx, orderCode)
	if err != nil {
		return provider.Outcome{}, err
	}
	outcome := provider.Outcome{Provider: credits.ProviderViva, PaymentID: orderCode}
	switch order.StateID {
	case OrderPending:
		outcome.Kind = provider.OutcomePending
		return outcome, fmt.Errorf("%w: viva order %s is pending", provider.ErrPaymentNotPaid, orderCode)
	case OrderExpired, OrderCanceled:
		outcome.Kind = provider.OutcomeFailure
		return outcome, nil
	case OrderPaid:
	default:
		return provider.Outcome{}, fmt.Errorf("%w: viva order %s has state %s", provider.ErrMalformedPayload, orderCode, order.StateID)
	}
	event := credits.PaymentEvent{
		Provider:          credits.ProviderViva,
		ExternalPaymentID: orderCode,
		ProviderReference: strings.TrimSpace(transactionID),
		AmountCents:       order.Amount,
		Currency:          strings.ToLower(order.CurrencyCode),
		Source:            credits.SourceVerify,
	}
	metadata, _ := provider.MetadataFromJSON([]byte(order.MerchantTrns))
	if err := provider.ResolvePurchase(ctx, adapter.payments, &event, metadata); err != nil {
		return provider.Outcome{}, err
	}
	outcome.Kind = provider.OutcomePurchase
	outcome.Purchase = event
	return outcome, nil
}

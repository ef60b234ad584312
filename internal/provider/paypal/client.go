package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/paycredits/internal/provider"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	tokenPath             = "/v1/oauth2/token"
	ordersPath            = "/v2/checkout/orders/"
	verifySignaturePath   = "/v1/notifications/verify-webhook-signature"
	verificationSucceeded = "SUCCESS"
	issueAlreadyCaptured  = "ORDER_ALREADY_CAPTURED"
)

// Config holds PayPal REST credentials.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Client calls the PayPal REST API with an OAuth2 client-credentials token.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient wires a Client. Tokens are fetched lazily and cached until expiry.
func NewClient(config Config) *Client {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	credentials := clientcredentials.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		TokenURL:     baseURL + tokenPath,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	base := &http.Client{Timeout: config.Timeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := credentials.Client(ctx)
	httpClient.Timeout = config.Timeout
	return &Client{baseURL: baseURL, http: httpClient}
}

// Amount is a PayPal money value.
type Amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// Capture is a PayPal payment capture.
type Capture struct {
	ID                string  `json:"id"`
	Status            string  `json:"status"`
	CustomID          string  `json:"custom_id"`
	Amount            *Amount `json:"amount,omitempty"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// PurchaseUnit is one unit of a PayPal order.
type PurchaseUnit struct {
	ReferenceID string  `json:"reference_id"`
	CustomID    string  `json:"custom_id"`
	Amount      *Amount `json:"amount,omitempty"`
	Payments    struct {
		Captures []Capture `json:"captures"`
	} `json:"payments"`
}

// Order is a PayPal checkout order.
type Order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units"`
	Payer         struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
}

// APIError is a PayPal error response. It matches provider.ErrProviderUnavailable.
type APIError struct {
	Status  int    `json:"-"`
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}

func (failure *APIError) Error() string {
	return fmt.Sprintf("paypal %d %s: %s", failure.Status, failure.Name, failure.Message)
}

func (failure *APIError) Unwrap() error {
	return provider.ErrProviderUnavailable
}

// HasIssue reports whether PayPal listed issue among the error details.
func (failure *APIError) HasIssue(issue string) bool {
	for _, detail := range failure.Details {
		if detail.Issue == issue {
			return true
		}
	}
	return false
}

// GetOrder fetches an order.
func (client *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var order Order
	err := client.do(ctx, http.MethodGet, ordersPath+url.PathEscape(orderID), nil, &order)
	return order, err
}

// CaptureOrder captures an approved order. An order captured earlier is fetched instead.
func (client *Client) CaptureOrder(ctx context.Context, orderID string) (Order, error) {
	var order Order
	err := client.do(ctx, http.MethodPost, ordersPath+url.PathEscape(orderID)+"/capture", map[string]any{}, &order)
	var failure *APIError
	if errors.As(err, &failure) && failure.HasIssue(issueAlreadyCaptured) {
		return client.GetOrder(ctx, orderID)
	}
	return order, err
}

// SignatureHeaders are the transmission headers PayPal signs a webhook with.
type SignatureHeaders struct {
	AuthAlgo         string `json:"auth_algo"`
	CertURL          string `json:"cert_url"`
	TransmissionID   string `json:"transmission_id"`
	TransmissionSig  string `json:"transmission_sig"`
	TransmissionTime string `json:"transmission_time"`
}

// SignatureHeadersFrom reads the PAYPAL-* transmission headers.
func SignatureHeadersFrom(header http.Header) SignatureHeaders {
	return SignatureHeaders{
		AuthAlgo:         header.Get("PAYPAL-AUTH-ALGO"),
		CertURL:          header.Get("PAYPAL-CERT-URL"),
		TransmissionID:   header.Get("PAYPAL-TRANSMISSION-ID"),
		TransmissionSig:  header.Get("PAYPAL-TRANSMISSION-SIG"),
		TransmissionTime: header.Get("PAYPAL-TRANSMISSION-TIME"),
	}
}

// VerifyWebhookSignature asks PayPal whether payload was signed for webhookID.
func (client *Client) VerifyWebhookSignature(ctx context.Context, headers SignatureHeaders, webhookID string, payload []byte) (bool, error) {
	request := struct {
		SignatureHeaders
		WebhookID    string          `json:"webhook_id"`
		WebhookEvent json.RawMessage `json:"webhook_event"`
	}{SignatureHeaders: headers, WebhookID: webhookID, WebhookEvent: payload}
	var response struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := client.do(ctx, http.MethodPost, verifySignaturePath, request, &response); err != nil {
		return false, err
	}
	return response.VerificationStatus == verificationSucceeded, nil
}

func (client *Client) do(ctx context.Context, method string, path string, body any, target any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode paypal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build paypal request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := client.http.Do(request)
	if err != nil {
		return fmt.Errorf("%w: paypal %s %s: %v", provider.ErrProviderUnavailable, method, path, err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read paypal response: %v", provider.ErrProviderUnavailable, err)
	}
	if response.StatusCode >= http.StatusBadRequest {
		failure := &APIError{Status: response.StatusCode}
		if json.Unmarshal(raw, failure) == nil && failure.Name != "" {
			return failure
		}
		return fmt.Errorf("%w: paypal %s %s: status %d", provider.ErrProviderUnavailable, method, path, response.StatusCode)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: decode paypal response: %v", provider.ErrProviderUnavailable, err)
	}
	return nil
}

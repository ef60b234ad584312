// Package provider holds what the Stripe, PayPal, Dodo and Viva adapters share: the outcome type they
// translate provider payloads into, metadata parsing, and the pipeline that applies an outcome to the ledger.
package provider

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
)

// Adapter-level error values.
var (
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrMalformedPayload    = errors.New("malformed provider payload")
	ErrPaymentNotPaid      = errors.New("payment not paid")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrUserMismatch        = errors.New("payment belongs to another user")
)

// OutcomeKind classifies what a provider event means for the ledger.
type OutcomeKind string

const (
	OutcomePurchase OutcomeKind = "purchase"
	OutcomeRefund   OutcomeKind = "refund"
	OutcomeFailure  OutcomeKind = "failure"
	OutcomePending  OutcomeKind = "pending"
	OutcomeIgnored  OutcomeKind = "ignored"
)

// Outcome is the provider-neutral translation of one webhook delivery or verify call.
// EventID is the provider's delivery id, used for webhook-log dedupe when set.
type Outcome struct {
	Kind      OutcomeKind
	Provider  credits.Provider
	EventID   string
	EventType string
	Payload   []byte
	Purchase  credits.PaymentEvent
	Refund    credits.RefundEvent
	// PaymentID names the payment a failure or pending outcome refers to.
	PaymentID string
}

// Metadata carries the purchase fields providers round-trip for us.
type Metadata struct {
	UserID       string `json:"user_id"`
	Credits      string `json:"credits"`
	CreditType   string `json:"credit_type"`
	ValidityDays string `json:"validity_days"`
	PackageID    string `json:"package_id"`
	Email        string `json:"email"`
}

// Complete reports whether the metadata names both a user and a credit amount.
func (metadata Metadata) Complete() bool {
	return strings.TrimSpace(metadata.UserID) != "" && strings.TrimSpace(metadata.Credits) != ""
}

// MetadataFromMap reads the well-known keys from a provider metadata map.
func MetadataFromMap(values map[string]string) Metadata {
	return Metadata{
		UserID:       values["user_id"],
		Credits:      values["credits"],
		CreditType:   values["credit_type"],
		ValidityDays: values["validity_days"],
		PackageID:    values["package_id"],
		Email:        values["email"],
	}
}

// MetadataFromJSON reads metadata from a JSON object whose values may be strings or numbers.
// It reports false when raw is not a JSON object.
func MetadataFromJSON(raw []byte) (Metadata, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Metadata{}, false
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var values map[string]any
	if err := decoder.Decode(&values); err != nil {
		return Metadata{}, false
	}
	flat := make(map[string]string, len(values))
	for key, value := range values {
		switch typed := value.(type) {
		case string:
			flat[key] = typed
		case json.Number:
			flat[key] = typed.String()
		}
	}
	return MetadataFromMap(flat), true
}

// Apply parses metadata into event.
func (metadata Metadata) Apply(event *credits.PaymentEvent) error {
	userID, err := credits.NewUserID(metadata.UserID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	rawCredits, err := strconv.ParseInt(strings.TrimSpace(metadata.Credits), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: credits %q", ErrMalformedPayload, metadata.Credits)
	}
	amount, err := credits.NewPositiveCredits(rawCredits)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	creditType, err := credits.ParseCreditType(metadata.CreditType)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	validityDays := 0
	if trimmed := strings.TrimSpace(metadata.ValidityDays); trimmed != "" {
		validityDays, err = strconv.Atoi(trimmed)
		if err != nil || validityDays < 0 {
			return fmt.Errorf("%w: validity_days %q", ErrMalformedPayload, metadata.ValidityDays)
		}
	}
	event.UserID = userID
	event.Credits = amount
	event.CreditType = creditType
	event.ValidityDays = validityDays
	event.PackageID = strings.TrimSpace(metadata.PackageID)
	if email := strings.TrimSpace(metadata.Email); email != "" && event.Email == "" {
		event.Email = email
	}
	return nil
}

// ApplyPending fills event from a locally registered pending payment. The amount and currency the provider
// reports as paid must equal the registered price.
func ApplyPending(event *credits.PaymentEvent, pending credits.PaymentRecord) error {
	amount, err := credits.NewPositiveCredits(pending.Credits.Int64())
	if err != nil {
		return fmt.Errorf("%w: pending payment %s has no credits", ErrMalformedPayload, pending.ExternalID)
	}
	if pending.AmountCents <= 0 || event.AmountCents != pending.AmountCents {
		return fmt.Errorf("%w: payment %s paid %d, registered %d", ErrMalformedPayload, pending.ExternalID, event.AmountCents, pending.AmountCents)
	}
	if !strings.EqualFold(strings.TrimSpace(event.Currency), strings.TrimSpace(pending.Currency)) {
		return fmt.Errorf("%w: payment %s paid in %q, registered %q", ErrMalformedPayload, pending.ExternalID, event.Currency, pending.Currency)
	}
	event.UserID = pending.UserID
	event.Credits = amount
	event.CreditType = pending.CreditType
	event.ValidityDays = pending.ValidityDays
	event.PackageID = pending.PackageID
	if event.Email == "" {
		event.Email = pending.Email
	}
	return nil
}

// ParseCents converts a decimal major-unit amount such as "9.99" into cents.
func ParseCents(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	whole, fraction, _ := strings.Cut(trimmed, ".")
	if len(fraction) > 2 {
		return 0, fmt.Errorf("%w: amount %q", ErrMalformedPayload, raw)
	}
	for len(fraction) < 2 {
		fraction += "0"
	}
	cents, err := strconv.ParseInt(whole+fraction, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q", ErrMalformedPayload, raw)
	}
	return cents, nil
}

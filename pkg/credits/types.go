package credits

import (
	"fmt"
	"strings"
	"time"
)

// Credits is a signed number of credits.
type Credits int64

// Int64 returns the raw value.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// PositiveCredits is a strictly positive number of credits.
type PositiveCredits int64

// NewPositiveCredits validates that raw is greater than zero.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits(raw), nil
}

// Credits converts to a signed amount.
func (amount PositiveCredits) Credits() Credits {
	return Credits(amount)
}

// Negated returns the signed negative amount.
func (amount PositiveCredits) Negated() Credits {
	return -Credits(amount)
}

// UserID identifies a credit holder.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// EventKey uniquely identifies an external event within a provider keyspace.
type EventKey struct {
	value string
}

// NewEventKey validates and normalizes an event key.
func NewEventKey(raw string) (EventKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EventKey{}, fmt.Errorf("%w: empty value", ErrInvalidEventKey)
	}
	return EventKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key EventKey) String() string {
	return key.value
}

func deriveEventKey(prefix string, raw string) (EventKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EventKey{}, fmt.Errorf("%w: empty value", ErrInvalidEventKey)
	}
	return NewEventKey(prefix + eventKeyDelimiter + trimmed)
}

// CreditType selects one of the two independent balances.
type CreditType string

const (
	CreditTypeFull           CreditType = "full"
	CreditTypeSimilarityOnly CreditType = "similarity_only"
)

// ParseCreditType validates a credit type. An empty value selects full credits.
func ParseCreditType(raw string) (CreditType, error) {
	switch CreditType(strings.TrimSpace(raw)) {
	case "", CreditTypeFull:
		return CreditTypeFull, nil
	case CreditTypeSimilarityOnly:
		return CreditTypeSimilarityOnly, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCreditType, raw)
	}
}

// String returns the stored representation.
func (creditType CreditType) String() string {
	return string(creditType)
}

func (creditType CreditType) valid() bool {
	return creditType == CreditTypeFull || creditType == CreditTypeSimilarityOnly
}

// TransactionKind enumerates credit transaction kinds.
type TransactionKind string

const (
	KindPurchase   TransactionKind = "purchase"
	KindDeduction  TransactionKind = "deduction"
	KindRefund     TransactionKind = "refund"
	KindExpiration TransactionKind = "expiration"
	KindAdd        TransactionKind = "add"
	KindDeduct     TransactionKind = "deduct"
)

// ParseTransactionKind validates a stored transaction kind.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	kind := TransactionKind(raw)
	switch kind {
	case KindPurchase, KindDeduction, KindRefund, KindExpiration, KindAdd, KindDeduct:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
	}
}

// String returns the stored representation.
func (kind TransactionKind) String() string {
	return string(kind)
}

// Provider names the origin of an idempotency claim.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPayPal Provider = "paypal"
	ProviderDodo   Provider = "dodo"
	ProviderViva   Provider = "viva"
	ProviderAdmin  Provider = "admin"
	ProviderSystem Provider = "system"
)

// ParseProvider validates a provider name.
func ParseProvider(raw string) (Provider, error) {
	provider := Provider(strings.ToLower(strings.TrimSpace(raw)))
	switch provider {
	case ProviderStripe, ProviderPayPal, ProviderDodo, ProviderViva, ProviderAdmin, ProviderSystem:
		return provider, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidProvider, raw)
	}
}

// String returns the stored representation.
func (provider Provider) String() string {
	return string(provider)
}

func (provider Provider) isPaymentProvider() bool {
	switch provider {
	case ProviderStripe, ProviderPayPal, ProviderDodo, ProviderViva:
		return true
	default:
		return false
	}
}

// ClaimSource records which code path took a claim.
type ClaimSource string

const (
	SourceWebhook ClaimSource = "webhook"
	SourceVerify  ClaimSource = "verify"
	SourceAdmin   ClaimSource = "admin"
	SourceSpend   ClaimSource = "spend"
	SourceSweep   ClaimSource = "sweep"
)

// PaymentStatus tracks an external payment lifecycle.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// ParsePaymentStatus validates a stored payment status.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	status := PaymentStatus(raw)
	switch status {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentRefunded:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPaymentStatus, raw)
	}
}

// String returns the stored representation.
func (status PaymentStatus) String() string {
	return string(status)
}

// CanTransitionTo reports whether status may move to next. Nothing returns to pending.
func (status PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	switch status {
	case PaymentPending:
		return next == PaymentCompleted || next == PaymentFailed
	case PaymentFailed:
		return next == PaymentCompleted
	case PaymentCompleted:
		return next == PaymentRefunded
	default:
		return false
	}
}

// sourcesFor lists the statuses allowed to move to next.
func sourcesFor(next PaymentStatus) []PaymentStatus {
	sources := make([]PaymentStatus, 0, 2)
	for _, status := range []PaymentStatus{PaymentPending, PaymentCompleted, PaymentFailed, PaymentRefunded} {
		if status.CanTransitionTo(next) {
			sources = append(sources, status)
		}
	}
	return sources
}

// Balances holds both credit pools of one user.
type Balances struct {
	Full           Credits
	SimilarityOnly Credits
}

// Of returns the balance for creditType.
func (balances Balances) Of(creditType CreditType) Credits {
	if creditType == CreditTypeSimilarityOnly {
		return balances.SimilarityOnly
	}
	return balances.Full
}

// BalanceChange is the before/after pair produced by one delta.
type BalanceChange struct {
	Before Credits
	After  Credits
}

// Transaction is one append-only row of the credit log.
type Transaction struct {
	TransactionID string
	UserID        UserID
	Amount        Credits
	BalanceBefore Credits
	BalanceAfter  Credits
	Kind          TransactionKind
	CreditType    CreditType
	Description   string
	ActorID       string
	EventKey      string
	CreatedAt     time.Time
}

// Claim reserves the right to apply one external event.
type Claim struct {
	EventKey  EventKey
	Provider  Provider
	UserID    UserID
	Source    ClaimSource
	CreatedAt time.Time
}

// ValidityRecord is a batch of credits with its own expiry.
type ValidityRecord struct {
	RecordID             string
	UserID               UserID
	CreditType           CreditType
	CreditsAmount        Credits
	RemainingCredits     Credits
	CreditsExpiredUnused Credits
	ExpiresAt            time.Time
	Expired              bool
	ExpiredAt            *time.Time
	TransactionID        string
	PackageID            string
}

// PaymentRecord caches a provider payment and its lifecycle state.
type PaymentRecord struct {
	Provider          Provider
	ExternalID        string
	ProviderReference string
	UserID            UserID
	Credits           Credits
	CreditType        CreditType
	AmountCents       int64
	Currency          string
	ValidityDays      int
	PackageID         string
	Email             string
	Status            PaymentStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WebhookEvent is a provider delivery recorded for dedupe.
type WebhookEvent struct {
	Provider  Provider
	EventID   string
	EventType string
	Payload   []byte
}

package credits

import (
	"context"
	"time"
)

// Store is the persistence contract used by Service and Dispatcher.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// InsertClaim must fail with ErrDuplicateClaim when (key, provider) already exists.
	InsertClaim(ctx context.Context, claim Claim) error

	EnsureAccount(ctx context.Context, userID UserID, email string) error
	GetBalances(ctx context.Context, userID UserID, forUpdate bool) (Balances, error)
	// IncrementBalance applies delta atomically. With requireNonNegative it fails with
	// ErrInsufficientCredits instead of driving the balance below zero.
	IncrementBalance(ctx context.Context, userID UserID, creditType CreditType, delta Credits, requireNonNegative bool) (BalanceChange, error)
	InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error)
	ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)

	InsertValidityRecord(ctx context.Context, record ValidityRecord) (ValidityRecord, error)
	ListDueValidityRecords(ctx context.Context, at time.Time, limit int, exclude []string) ([]ValidityRecord, error)
	GetValidityRecord(ctx context.Context, recordID string, forUpdate bool) (ValidityRecord, error)
	// MarkValidityExpired fails with ErrValidityExpired when the record is already expired.
	MarkValidityExpired(ctx context.Context, recordID string, unused Credits, at time.Time) error

	CreatePayment(ctx context.Context, payment PaymentRecord) error
	GetPayment(ctx context.Context, provider Provider, externalID string) (PaymentRecord, error)
	FindPaymentByReference(ctx context.Context, provider Provider, reference string) (PaymentRecord, error)
	// UpdatePaymentStatus fails with ErrInvalidPaymentTransition when the row is not in one of from.
	UpdatePaymentStatus(ctx context.Context, provider Provider, externalID string, from []PaymentStatus, to PaymentStatus, reference string) error

	HasWebhookEvent(ctx context.Context, provider Provider, eventID string) (bool, error)
	RecordWebhookEvent(ctx context.Context, event WebhookEvent) error

	EnqueueIntents(ctx context.Context, intents []Intent) error
	ListDueIntents(ctx context.Context, at time.Time, limit int) ([]Intent, error)
	MarkIntentDelivered(ctx context.Context, intentID string, at time.Time) error
	MarkIntentFailed(ctx context.Context, intentID string, attempts int, nextAttemptAt time.Time, dead bool, lastError string) error
}

package credits

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"
)

type stubState struct {
	claims       map[string]Claim
	accounts     map[string]Balances
	emails       map[string]string
	transactions []Transaction
	validity     map[string]ValidityRecord
	payments     map[string]PaymentRecord
	webhooks     map[string]WebhookEvent
	intents      []Intent
	sequence     int
}

func (state *stubState) clone() *stubState {
	return &stubState{
		claims:       maps.Clone(state.claims),
		accounts:     maps.Clone(state.accounts),
		emails:       maps.Clone(state.emails),
		transactions: slices.Clone(state.transactions),
		validity:     maps.Clone(state.validity),
		payments:     maps.Clone(state.payments),
		webhooks:     maps.Clone(state.webhooks),
		intents:      slices.Clone(state.intents),
		sequence:     state.sequence,
	}
}

// stubStore keeps everything in memory. WithTx serializes transactions and discards the working copy on error.
type stubStore struct {
	mutex   *sync.Mutex
	state   *stubState
	inTx    bool
	failOn  map[string]error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		mutex: &sync.Mutex{},
		state: &stubState{
			claims:   make(map[string]Claim),
			accounts: make(map[string]Balances),
			emails:   make(map[string]string),
			validity: make(map[string]ValidityRecord),
			payments: make(map[string]PaymentRecord),
			webhooks: make(map[string]WebhookEvent),
		},
		failOn: make(map[string]error),
	}
}

func (store *stubStore) lock() func() {
	if store.inTx {
		return func() {}
	}
	store.mutex.Lock()
	return store.mutex.Unlock
}

func (store *stubStore) fail(method string) error {
	return store.failOn[method]
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	working := &stubStore{mutex: store.mutex, state: store.state.clone(), inTx: true, failOn: store.failOn}
	if err := fn(ctx, working); err != nil {
		return err
	}
	store.state = working.state
	return nil
}

func (store *stubStore) nextID(prefix string) string {
	store.state.sequence++
	return fmt.Sprintf("%s-%d", prefix, store.state.sequence)
}

func (store *stubStore) InsertClaim(_ context.Context, claim Claim) error {
	defer store.lock()()
	if err := store.fail("InsertClaim"); err != nil {
		return err
	}
	key := string(claim.Provider) + "|" + claim.EventKey.String()
	if _, exists := store.state.claims[key]; exists {
		return ErrDuplicateClaim
	}
	store.state.claims[key] = claim
	return nil
}

func (store *stubStore) EnsureAccount(_ context.Context, userID UserID, email string) error {
	defer store.lock()()
	if _, exists := store.state.accounts[userID.String()]; !exists {
		store.state.accounts[userID.String()] = Balances{}
	}
	if email != "" {
		store.state.emails[userID.String()] = email
	}
	return nil
}

func (store *stubStore) GetBalances(_ context.Context, userID UserID, _ bool) (Balances, error) {
	defer store.lock()()
	if err := store.fail("GetBalances"); err != nil {
		return Balances{}, err
	}
	balances, exists := store.state.accounts[userID.String()]
	if !exists {
		return Balances{}, ErrUnknownAccount
	}
	return balances, nil
}

func (store *stubStore) IncrementBalance(_ context.Context, userID UserID, creditType CreditType, delta Credits, requireNonNegative bool) (BalanceChange, error) {
	defer store.lock()()
	if err := store.fail("IncrementBalance"); err != nil {
		return BalanceChange{}, err
	}
	balances, exists := store.state.accounts[userID.String()]
	if !exists {
		return BalanceChange{}, ErrUnknownAccount
	}
	before := balances.Of(creditType)
	after := before + delta
	if requireNonNegative && after < 0 {
		return BalanceChange{}, ErrInsufficientCredits
	}
	if creditType == CreditTypeSimilarityOnly {
		balances.SimilarityOnly = after
	} else {
		balances.Full = after
	}
	store.state.accounts[userID.String()] = balances
	return BalanceChange{Before: before, After: after}, nil
}

func (store *stubStore) InsertTransaction(_ context.Context, transaction Transaction) (Transaction, error) {
	defer store.lock()()
	if err := store.fail("InsertTransaction"); err != nil {
		return Transaction{}, err
	}
	transaction.TransactionID = store.nextID("txn")
	store.state.transactions = append(store.state.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) ListTransactions(_ context.Context, userID UserID, limit int) ([]Transaction, error) {
	defer store.lock()()
	var result []Transaction
	for index := len(store.state.transactions) - 1; index >= 0 && len(result) < limit; index-- {
		if store.state.transactions[index].UserID == userID {
			result = append(result, store.state.transactions[index])
		}
	}
	return result, nil
}

func (store *stubStore) InsertValidityRecord(_ context.Context, record ValidityRecord) (ValidityRecord, error) {
	defer store.lock()()
	record.RecordID = store.nextID("validity")
	store.state.validity[record.RecordID] = record
	return record, nil
}

func (store *stubStore) ListDueValidityRecords(_ context.Context, at time.Time, limit int, exclude []string) ([]ValidityRecord, error) {
	defer store.lock()()
	var due []ValidityRecord
	for _, record := range store.state.validity {
		if !record.Expired && record.ExpiresAt.Before(at) && !slices.Contains(exclude, record.RecordID) {
			due = append(due, record)
		}
	}
	sort.Slice(due, func(left, right int) bool { return due[left].RecordID < due[right].RecordID })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (store *stubStore) GetValidityRecord(_ context.Context, recordID string, _ bool) (ValidityRecord, error) {
	defer store.lock()()
	record, exists := store.state.validity[recordID]
	if !exists {
		return ValidityRecord{}, ErrValidityNotFound
	}
	return record, nil
}

func (store *stubStore) MarkValidityExpired(_ context.Context, recordID string, unused Credits, at time.Time) error {
	defer store.lock()()
	if err := store.fail("MarkValidityExpired"); err != nil {
		return err
	}
	if err := store.fail("MarkValidityExpired:" + recordID); err != nil {
		return err
	}
	record, exists := store.state.validity[recordID]
	if !exists {
		return ErrValidityNotFound
	}
	if record.Expired {
		return ErrValidityExpired
	}
	expiredAt := at
	record.Expired = true
	record.ExpiredAt = &expiredAt
	record.CreditsExpiredUnused = unused
	record.RemainingCredits = 0
	store.state.validity[recordID] = record
	return nil
}

func paymentKey(provider Provider, externalID string) string {
	return string(provider) + "|" + externalID
}

func (store *stubStore) CreatePayment(_ context.Context, payment PaymentRecord) error {
	defer store.lock()()
	key := paymentKey(payment.Provider, payment.ExternalID)
	if _, exists := store.state.payments[key]; exists {
		return ErrPaymentExists
	}
	store.state.payments[key] = payment
	return nil
}

func (store *stubStore) GetPayment(_ context.Context, provider Provider, externalID string) (PaymentRecord, error) {
	defer store.lock()()
	payment, exists := store.state.payments[paymentKey(provider, externalID)]
	if !exists {
		return PaymentRecord{}, ErrPaymentNotFound
	}
	return payment, nil
}

func (store *stubStore) FindPaymentByReference(_ context.Context, provider Provider, reference string) (PaymentRecord, error) {
	defer store.lock()()
	for _, payment := range store.state.payments {
		if payment.Provider == provider && payment.ProviderReference == reference {
			return payment, nil
		}
	}
	return PaymentRecord{}, ErrPaymentNotFound
}

func (store *stubStore) UpdatePaymentStatus(_ context.Context, provider Provider, externalID string, from []PaymentStatus, to PaymentStatus, reference string) error {
	defer store.lock()()
	key := paymentKey(provider, externalID)
	payment, exists := store.state.payments[key]
	if !exists {
		return ErrPaymentNotFound
	}
	if !slices.Contains(from, payment.Status) {
		return ErrInvalidPaymentTransition
	}
	payment.Status = to
	if reference != "" {
		payment.ProviderReference = reference
	}
	store.state.payments[key] = payment
	return nil
}

func (store *stubStore) HasWebhookEvent(_ context.Context, provider Provider, eventID string) (bool, error) {
	defer store.lock()()
	_, exists := store.state.webhooks[paymentKey(provider, eventID)]
	return exists, nil
}

func (store *stubStore) RecordWebhookEvent(_ context.Context, event WebhookEvent) error {
	defer store.lock()()
	key := paymentKey(event.Provider, event.EventID)
	if _, exists := store.state.webhooks[key]; !exists {
		store.state.webhooks[key] = event
	}
	return nil
}

func (store *stubStore) EnqueueIntents(_ context.Context, intents []Intent) error {
	defer store.lock()()
	if err := store.fail("EnqueueIntents"); err != nil {
		return err
	}
	for _, intent := range intents {
		intent.IntentID = store.nextID("intent")
		store.state.intents = append(store.state.intents, intent)
	}
	return nil
}

func (store *stubStore) ListDueIntents(_ context.Context, at time.Time, limit int) ([]Intent, error) {
	defer store.lock()()
	var due []Intent
	for _, intent := range store.state.intents {
		if intent.Status == IntentPending && !intent.NextAttemptAt.After(at) && len(due) < limit {
			due = append(due, intent)
		}
	}
	return due, nil
}

func (store *stubStore) updateIntent(intentID string, update func(*Intent)) error {
	for index := range store.state.intents {
		if store.state.intents[index].IntentID == intentID {
			update(&store.state.intents[index])
			return nil
		}
	}
	return errors.New("intent not found")
}

func (store *stubStore) MarkIntentDelivered(_ context.Context, intentID string, _ time.Time) error {
	defer store.lock()()
	return store.updateIntent(intentID, func(intent *Intent) { intent.Status = IntentDelivered })
}

func (store *stubStore) MarkIntentFailed(_ context.Context, intentID string, attempts int, nextAttemptAt time.Time, dead bool, lastError string) error {
	defer store.lock()()
	return store.updateIntent(intentID, func(intent *Intent) {
		intent.Attempts = attempts
		intent.NextAttemptAt = nextAttemptAt
		intent.LastError = lastError
		if dead {
			intent.Status = IntentDead
		}
	})
}

func (store *stubStore) balances(test *testing.T, userID UserID) Balances {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.state.accounts[userID.String()]
}

func (store *stubStore) setBalance(test *testing.T, userID UserID, balances Balances) {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.state.accounts[userID.String()] = balances
}

func (store *stubStore) snapshot(test *testing.T) *stubState {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.state.clone()
}

type fixedClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newFixedClock(at time.Time) *fixedClock {
	return &fixedClock{current: at}
}

func (clock *fixedClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *fixedClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

var stubEpoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func mustNewService(test *testing.T, store Store, clock *fixedClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	amount, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("positive credits: %v", err)
	}
	return amount
}

func stripePurchase(test *testing.T, userID UserID, externalID string, credits int64, validityDays int) PaymentEvent {
	test.Helper()
	return PaymentEvent{
		Provider:          ProviderStripe,
		ExternalPaymentID: externalID,
		UserID:            userID,
		Credits:           mustPositiveCredits(test, credits),
		CreditType:        CreditTypeFull,
		AmountCents:       499,
		Currency:          "usd",
		ValidityDays:      validityDays,
		PackageID:         "starter",
		Email:             "buyer@example.com",
		Source:            SourceWebhook,
	}
}

package credits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// IntentKind selects the sink that delivers an intent.
type IntentKind string

const (
	IntentInApp   IntentKind = "in_app"
	IntentPush    IntentKind = "push"
	IntentEmail   IntentKind = "email"
	IntentInvoice IntentKind = "invoice"
)

// ParseIntentKind validates a stored intent kind.
func ParseIntentKind(raw string) (IntentKind, error) {
	kind := IntentKind(raw)
	switch kind {
	case IntentInApp, IntentPush, IntentEmail, IntentInvoice:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidIntentKind, raw)
	}
}

// String returns the stored representation.
func (kind IntentKind) String() string {
	return string(kind)
}

// IntentStatus tracks outbox delivery.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentDelivered IntentStatus = "delivered"
	IntentDead      IntentStatus = "dead"
)

// NoticeEvent names what happened to the balance.
type NoticeEvent string

const (
	NoticePurchase   NoticeEvent = "purchase"
	NoticeRefund     NoticeEvent = "refund"
	NoticeExpiration NoticeEvent = "expiration"
)

// Notice is the payload every sink renders from.
type Notice struct {
	Event             NoticeEvent `json:"event"`
	Title             string      `json:"title"`
	Body              string      `json:"body"`
	Email             string      `json:"email,omitempty"`
	Provider          Provider    `json:"provider,omitempty"`
	ExternalPaymentID string      `json:"external_payment_id,omitempty"`
	TransactionID     string      `json:"transaction_id,omitempty"`
	CreditType        CreditType  `json:"credit_type"`
	Credits           Credits     `json:"credits"`
	NewBalance        Credits     `json:"new_balance"`
	AmountCents       int64       `json:"amount_cents,omitempty"`
	Currency          string      `json:"currency,omitempty"`
}

// Intent is one queued side effect, committed together with the balance change it reports.
type Intent struct {
	IntentID      string
	Kind          IntentKind
	UserID        UserID
	Notice        Notice
	Status        IntentStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}

// Sink delivers one kind of intent.
type Sink interface {
	Deliver(ctx context.Context, intent Intent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, intent Intent) error

// Deliver calls fn.
func (fn SinkFunc) Deliver(ctx context.Context, intent Intent) error {
	return fn(ctx, intent)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSink registers the sink for kind.
func WithSink(kind IntentKind, sink Sink) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if sink != nil {
			dispatcher.sinks[kind] = sink
		}
	}
}

// WithRetryPolicy sets the attempt budget and the exponential backoff bounds.
func WithRetryPolicy(maxAttempts int, baseDelay time.Duration, maxDelay time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if maxAttempts > 0 {
			dispatcher.maxAttempts = maxAttempts
		}
		if baseDelay > 0 {
			dispatcher.baseDelay = baseDelay
		}
		if maxDelay > 0 {
			dispatcher.maxDelay = maxDelay
		}
	}
}

// WithBatchSize bounds how many intents one Drain loads.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.batchSize = size
		}
	}
}

// WithDispatcherLogger wires the operation logger.
func WithDispatcherLogger(logger OperationLogger) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.logger = logger
	}
}

// Dispatcher drains the outbox. Sink failures are logged and rescheduled, never propagated to the ledger.
type Dispatcher struct {
	store       Store
	nowFn       func() time.Time
	sinks       map[IntentKind]Sink
	logger      OperationLogger
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	batchSize   int
}

// DrainReport summarizes one Drain pass.
type DrainReport struct {
	Delivered int
	Retried   int
	Dead      int
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(store Store, now func() time.Time, options ...DispatcherOption) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	dispatcher := &Dispatcher{
		store:       store,
		nowFn:       now,
		sinks:       make(map[IntentKind]Sink),
		maxAttempts: 8,
		baseDelay:   30 * time.Second,
		maxDelay:    6 * time.Hour,
		batchSize:   defaultOutboxBatch,
	}
	for _, option := range options {
		if option != nil {
			option(dispatcher)
		}
	}
	return dispatcher, nil
}

// Drain delivers every due intent once. It returns an error only when the store itself fails.
func (dispatcher *Dispatcher) Drain(ctx context.Context) (DrainReport, error) {
	now := dispatcher.nowFn().UTC()
	intents, err := dispatcher.store.ListDueIntents(ctx, now, dispatcher.batchSize)
	if err != nil {
		return DrainReport{}, err
	}
	var (
		report     DrainReport
		storeError error
	)
	for _, intent := range intents {
		if err := ctx.Err(); err != nil {
			return report, errors.Join(storeError, err)
		}
		deliveryError := dispatcher.deliver(ctx, intent)
		if deliveryError == nil {
			if err := dispatcher.store.MarkIntentDelivered(ctx, intent.IntentID, now); err != nil {
				storeError = errors.Join(storeError, err)
				continue
			}
			report.Delivered++
			dispatcher.logDelivery(ctx, intent, "", nil)
			continue
		}
		attempts := intent.Attempts + 1
		dead := attempts >= dispatcher.maxAttempts || errors.Is(deliveryError, ErrInvalidIntentKind)
		next := now.Add(dispatcher.backoff(attempts))
		if err := dispatcher.store.MarkIntentFailed(ctx, intent.IntentID, attempts, next, dead, deliveryError.Error()); err != nil {
			storeError = errors.Join(storeError, err)
			continue
		}
		if dead {
			report.Dead++
			dispatcher.logDelivery(ctx, intent, string(IntentDead), deliveryError)
		} else {
			report.Retried++
			dispatcher.logDelivery(ctx, intent, "", deliveryError)
		}
	}
	return report, storeError
}

func (dispatcher *Dispatcher) deliver(ctx context.Context, intent Intent) (deliveryError error) {
	sink, ok := dispatcher.sinks[intent.Kind]
	if !ok {
		return fmt.Errorf("%w: no sink for %q", ErrInvalidIntentKind, intent.Kind)
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			deliveryError = fmt.Errorf("sink %s panicked: %v", intent.Kind, recovered)
		}
	}()
	return sink.Deliver(ctx, intent)
}

// backoff returns base * 2^(attempts-1), capped at maxDelay.
func (dispatcher *Dispatcher) backoff(attempts int) time.Duration {
	delay := dispatcher.baseDelay
	for step := 1; step < attempts; step++ {
		delay *= 2
		if delay >= dispatcher.maxDelay {
			return dispatcher.maxDelay
		}
	}
	return delay
}

func (dispatcher *Dispatcher) logDelivery(ctx context.Context, intent Intent, status string, err error) {
	logTo(ctx, dispatcher.logger, OperationLog{
		Operation:  operationDeliver,
		Provider:   intent.Notice.Provider,
		UserID:     intent.UserID,
		CreditType: intent.Notice.CreditType,
		Amount:     intent.Notice.Credits,
		EventKey:   intent.IntentID,
		Detail:     intent.Kind.String(),
		Status:     status,
		Error:      err,
	})
}

func noticeIntents(userID UserID, notice Notice, createdAt time.Time, kinds ...IntentKind) []Intent {
	intents := make([]Intent, 0, len(kinds))
	for _, kind := range kinds {
		intents = append(intents, Intent{
			Kind:          kind,
			UserID:        userID,
			Notice:        notice,
			Status:        IntentPending,
			NextAttemptAt: createdAt,
			CreatedAt:     createdAt,
		})
	}
	return intents
}

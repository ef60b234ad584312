package credits

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordingSink struct {
	delivered []Intent
	failWith  error
	panicWith any
}

func (sink *recordingSink) Deliver(_ context.Context, intent Intent) error {
	if sink.panicWith != nil {
		panic(sink.panicWith)
	}
	if sink.failWith != nil {
		return sink.failWith
	}
	sink.delivered = append(sink.delivered, intent)
	return nil
}

func seedPurchaseIntents(test *testing.T, store *stubStore, clock *fixedClock) {
	test.Helper()
	service := mustNewService(test, store, clock)
	if _, err := service.CreditPurchase(context.Background(), stripePurchase(test, mustUserID(test, "notified"), "cs_outbox", 10, 0)); err != nil {
		test.Fatalf("purchase: %v", err)
	}
}

func TestDrainDeliversEveryKind(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newFixedClock(stubEpoch)
	seedPurchaseIntents(test, store, clock)
	sinks := map[IntentKind]*recordingSink{
		IntentInApp:   {},
		IntentPush:    {},
		IntentEmail:   {},
		IntentInvoice: {},
	}
	options := make([]DispatcherOption, 0, len(sinks))
	for kind, sink := range sinks {
		options = append(options, WithSink(kind, sink))
	}
	dispatcher, err := NewDispatcher(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("dispatcher: %v", err)
	}

	report, err := dispatcher.Drain(context.Background())
	if err != nil {
		test.Fatalf("drain: %v", err)
	}
	if report.Delivered != 4 || report.Retried != 0 || report.Dead != 0 {
		test.Fatalf("unexpected report: %+v", report)
	}
	for kind, sink := range sinks {
		if len(sink.delivered) != 1 {
			test.Fatalf("expected one %s delivery, got %d", kind, len(sink.delivered))
		}
		notice := sink.delivered[0].Notice
		if notice.Event != NoticePurchase || notice.Credits != 10 || notice.NewBalance != 10 || notice.ExternalPaymentID != "cs_outbox" {
			test.Fatalf("unexpected %s notice: %+v", kind, notice)
		}
	}
	report, err = dispatcher.Drain(context.Background())
	if err != nil || report.Delivered != 0 {
		test.Fatalf("expected empty second drain, got %+v %v", report, err)
	}
}

func TestDrainIsolatesSinkFailures(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newFixedClock(stubEpoch)
	seedPurchaseIntents(test, store, clock)
	dispatcher, err := NewDispatcher(store, clock.Now,
		WithSink(IntentInApp, &recordingSink{}),
		WithSink(IntentPush, &recordingSink{panicWith: "nats gone"}),
		WithSink(IntentEmail, &recordingSink{failWith: errors.New("smtp timeout")}),
		WithSink(IntentInvoice, &recordingSink{}),
		WithRetryPolicy(3, time.Minute, time.Hour),
	)
	if err != nil {
		test.Fatalf("dispatcher: %v", err)
	}

	report, err := dispatcher.Drain(context.Background())
	if err != nil {
		test.Fatalf("drain: %v", err)
	}
	if report.Delivered != 2 || report.Retried != 2 {
		test.Fatalf("unexpected report: %+v", report)
	}
	if got := store.balances(test, mustUserID(test, "notified")).Full; got != 10 {
		test.Fatalf("sink failure touched the balance: %d", got)
	}
	for _, intent := range store.snapshot(test).intents {
		if intent.Kind == IntentEmail {
			if intent.Attempts != 1 || intent.LastError != "smtp timeout" || !intent.NextAttemptAt.Equal(stubEpoch.Add(time.Minute)) {
				test.Fatalf("unexpected email intent after failure: %+v", intent)
			}
		}
	}

	clock.Advance(time.Minute)
	if _, err := dispatcher.Drain(context.Background()); err != nil {
		test.Fatalf("second drain: %v", err)
	}
	clock.Advance(2 * time.Minute)
	report, err = dispatcher.Drain(context.Background())
	if err != nil {
		test.Fatalf("third drain: %v", err)
	}
	if report.Dead != 2 {
		test.Fatalf("expected both failing intents dead after three attempts, got %+v", report)
	}
}

func TestDrainMarksUnknownKindDead(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := newFixedClock(stubEpoch)
	seedPurchaseIntents(test, store, clock)
	dispatcher, err := NewDispatcher(store, clock.Now, WithSink(IntentInApp, &recordingSink{}))
	if err != nil {
		test.Fatalf("dispatcher: %v", err)
	}

	report, err := dispatcher.Drain(context.Background())
	if err != nil {
		test.Fatalf("drain: %v", err)
	}
	if report.Delivered != 1 || report.Dead != 3 {
		test.Fatalf("unexpected report: %+v", report)
	}
}

func TestBackoffDoublesUntilCap(test *testing.T) {
	test.Parallel()
	dispatcher, err := NewDispatcher(newStubStore(test), newFixedClock(stubEpoch).Now, WithRetryPolicy(10, time.Second, 5*time.Second))
	if err != nil {
		test.Fatalf("dispatcher: %v", err)
	}
	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for index, want := range expected {
		if got := dispatcher.backoff(index + 1); got != want {
			test.Fatalf("attempt %d: expected %s, got %s", index+1, want, got)
		}
	}
}

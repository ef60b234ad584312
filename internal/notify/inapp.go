package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
)

// InAppSink writes a notification row.
type InAppSink struct {
	store NotificationStore
	nowFn func() time.Time
}

// NewInAppSink wires an InAppSink.
func NewInAppSink(store NotificationStore, now func() time.Time) (*InAppSink, error) {
	if store == nil || now == nil {
		return nil, fmt.Errorf("%w: in-app sink needs a store and a clock", ErrInvalidSinkConfig)
	}
	return &InAppSink{store: store, nowFn: now}, nil
}

// Deliver implements credits.Sink.
func (sink *InAppSink) Deliver(ctx context.Context, intent credits.Intent) error {
	return sink.store.InsertNotification(ctx, Notification{
		IntentID:  intent.IntentID,
		UserID:    intent.UserID.String(),
		Event:     string(intent.Notice.Event),
		Title:     intent.Notice.Title,
		Body:      intent.Notice.Body,
		CreatedAt: sink.nowFn().UTC(),
	})
}

// Package notify holds the outbox sinks that turn committed credit changes into user-facing side effects.
package notify

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidSinkConfig reports a sink constructed without a required dependency.
var ErrInvalidSinkConfig = errors.New("invalid sink config")

// Notification is an in-app message shown to a user.
type Notification struct {
	IntentID  string
	UserID    string
	Event     string
	Title     string
	Body      string
	CreatedAt time.Time
}

// Invoice documents one purchase.
type Invoice struct {
	IntentID          string
	Number            string
	UserID            string
	Email             string
	Provider          string
	ExternalPaymentID string
	CreditType        string
	Credits           int64
	AmountCents       int64
	Currency          string
	IssuedAt          time.Time
}

// NotificationStore persists in-app notifications. Inserting the same intent twice must be a no-op.
type NotificationStore interface {
	InsertNotification(ctx context.Context, notification Notification) error
}

// InvoiceStore persists invoices. Inserting the same intent twice must be a no-op.
type InvoiceStore interface {
	InsertInvoice(ctx context.Context, invoice Invoice) error
}

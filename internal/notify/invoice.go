package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
)

const invoiceNumberPrefix = "INV-"

// InvoiceSink issues an invoice for purchase notices.
type InvoiceSink struct {
	store InvoiceStore
	nowFn func() time.Time
}

// NewInvoiceSink wires an InvoiceSink.
func NewInvoiceSink(store InvoiceStore, now func() time.Time) (*InvoiceSink, error) {
	if store == nil || now == nil {
		return nil, fmt.Errorf("%w: invoice sink needs a store and a clock", ErrInvalidSinkConfig)
	}
	return &InvoiceSink{store: store, nowFn: now}, nil
}

// Deliver implements credits.Sink. Only purchases are invoiced.
func (sink *InvoiceSink) Deliver(ctx context.Context, intent credits.Intent) error {
	if intent.Notice.Event != credits.NoticePurchase {
		return nil
	}
	issuedAt := sink.nowFn().UTC()
	return sink.store.InsertInvoice(ctx, Invoice{
		IntentID:          intent.IntentID,
		Number:            InvoiceNumber(intent.IntentID, issuedAt),
		UserID:            intent.UserID.String(),
		Email:             intent.Notice.Email,
		Provider:          intent.Notice.Provider.String(),
		ExternalPaymentID: intent.Notice.ExternalPaymentID,
		CreditType:        intent.Notice.CreditType.String(),
		Credits:           intent.Notice.Credits.Int64(),
		AmountCents:       intent.Notice.AmountCents,
		Currency:          intent.Notice.Currency,
		IssuedAt:          issuedAt,
	})
}

// InvoiceNumber formats INV-YYYYMMDD-<8 hex>. The suffix is derived from the intent id.
func InvoiceNumber(intentID string, issuedAt time.Time) string {
	digest := sha256.Sum256([]byte(intentID))
	return invoiceNumberPrefix + issuedAt.UTC().Format("20060102") + "-" + hex.EncodeToString(digest[:4])
}

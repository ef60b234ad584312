package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account holds both credit balances of one user.
type Account struct {
	UserID                  string    `gorm:"primaryKey"`
	Email                   string    `gorm:"not null;default:''"`
	CreditBalance           int64     `gorm:"not null;default:0;check:chk_accounts_credit_balance,credit_balance >= 0"`
	SimilarityCreditBalance int64     `gorm:"not null;default:0;check:chk_accounts_similarity_balance,similarity_credit_balance >= 0"`
	CreatedAt               time.Time `gorm:"not null"`
	UpdatedAt               time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// CreditTransaction mirrors the append-only credit_transactions table.
type CreditTransaction struct {
	TransactionID string    `gorm:"type:uuid;primaryKey"`
	UserID        string    `gorm:"not null;index:idx_credit_transactions_user_created,priority:1"`
	Amount        int64     `gorm:"not null"`
	BalanceBefore int64     `gorm:"not null"`
	BalanceAfter  int64     `gorm:"not null"`
	Kind          string    `gorm:"not null"`
	CreditType    string    `gorm:"not null"`
	Description   string    `gorm:"not null;default:''"`
	ActorID       *string   `gorm:""`
	EventKey      *string   `gorm:"index"`
	CreatedAt     time.Time `gorm:"not null;index:idx_credit_transactions_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// IdempotencyClaim is a permanent tombstone; rows are never updated or deleted.
type IdempotencyClaim struct {
	EventKey  string    `gorm:"primaryKey"`
	Provider  string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	Source    string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (IdempotencyClaim) TableName() string { return "idempotency_claims" }

// CreditValidity tracks expiry of one purchased batch.
type CreditValidity struct {
	RecordID             string     `gorm:"type:uuid;primaryKey"`
	UserID               string     `gorm:"not null;index"`
	CreditType           string     `gorm:"not null"`
	CreditsAmount        int64      `gorm:"not null"`
	RemainingCredits     int64      `gorm:"not null"`
	CreditsExpiredUnused int64      `gorm:"not null;default:0"`
	ExpiresAt            time.Time  `gorm:"not null;index:idx_credit_validity_due,priority:2"`
	Expired              bool       `gorm:"not null;default:false;index:idx_credit_validity_due,priority:1"`
	ExpiredAt            *time.Time `gorm:""`
	TransactionID        string     `gorm:"not null;default:''"`
	PackageID            string     `gorm:"not null;default:''"`
	CreatedAt            time.Time  `gorm:"not null"`
}

func (CreditValidity) TableName() string { return "credit_validity" }

func (record *CreditValidity) BeforeCreate(tx *gorm.DB) error {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	return nil
}

// Payment caches one provider payment across all providers.
type Payment struct {
	Provider          string    `gorm:"primaryKey;index:idx_payments_reference,priority:1"`
	ExternalID        string    `gorm:"primaryKey"`
	ProviderReference string    `gorm:"not null;default:'';index:idx_payments_reference,priority:2"`
	UserID            string    `gorm:"not null;index"`
	Credits           int64     `gorm:"not null"`
	CreditType        string    `gorm:"not null"`
	AmountCents       int64     `gorm:"not null;default:0"`
	Currency          string    `gorm:"not null;default:''"`
	ValidityDays      int       `gorm:"not null;default:0"`
	PackageID         string    `gorm:"not null;default:''"`
	Email             string    `gorm:"not null;default:''"`
	Status            string    `gorm:"not null"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

// WebhookEventLog records provider deliveries for event-level dedupe.
type WebhookEventLog struct {
	Provider    string         `gorm:"primaryKey"`
	EventID     string         `gorm:"primaryKey"`
	EventType   string         `gorm:"not null;default:''"`
	Payload     datatypes.JSON `gorm:"type:jsonb"`
	ProcessedAt time.Time      `gorm:"not null"`
}

func (WebhookEventLog) TableName() string { return "webhook_events" }

// OutboxIntent is one queued side effect.
type OutboxIntent struct {
	IntentID      string         `gorm:"type:uuid;primaryKey"`
	Kind          string         `gorm:"not null"`
	UserID        string         `gorm:"not null;index"`
	Payload       datatypes.JSON `gorm:"type:jsonb;not null"`
	Status        string         `gorm:"not null;index:idx_outbox_due,priority:1"`
	Attempts      int            `gorm:"not null;default:0"`
	NextAttemptAt time.Time      `gorm:"not null;index:idx_outbox_due,priority:2"`
	LastError     string         `gorm:"not null;default:''"`
	DeliveredAt   *time.Time     `gorm:""`
	CreatedAt     time.Time      `gorm:"not null"`
}

func (OutboxIntent) TableName() string { return "outbox_intents" }

func (intent *OutboxIntent) BeforeCreate(tx *gorm.DB) error {
	if intent.IntentID == "" {
		intent.IntentID = uuid.NewString()
	}
	return nil
}

// NotificationRow is an in-app notification.
type NotificationRow struct {
	NotificationID string     `gorm:"type:uuid;primaryKey"`
	IntentID       string     `gorm:"not null;uniqueIndex"`
	UserID         string     `gorm:"not null;index:idx_notifications_user_created,priority:1"`
	Event          string     `gorm:"not null"`
	Title          string     `gorm:"not null"`
	Body           string     `gorm:"not null"`
	ReadAt         *time.Time `gorm:""`
	CreatedAt      time.Time  `gorm:"not null;index:idx_notifications_user_created,priority:2"`
}

func (NotificationRow) TableName() string { return "notifications" }

func (row *NotificationRow) BeforeCreate(tx *gorm.DB) error {
	if row.NotificationID == "" {
		row.NotificationID = uuid.NewString()
	}
	return nil
}

// InvoiceRow is the invoice issued for one purchase intent.
type InvoiceRow struct {
	InvoiceID         string    `gorm:"type:uuid;primaryKey"`
	IntentID          string    `gorm:"not null;uniqueIndex"`
	Number            string    `gorm:"not null;uniqueIndex"`
	UserID            string    `gorm:"not null;index"`
	Email             string    `gorm:"not null;default:''"`
	Provider          string    `gorm:"not null"`
	ExternalPaymentID string    `gorm:"not null"`
	CreditType        string    `gorm:"not null"`
	Credits           int64     `gorm:"not null"`
	AmountCents       int64     `gorm:"not null"`
	Currency          string    `gorm:"not null;default:''"`
	IssuedAt          time.Time `gorm:"not null"`
}

func (InvoiceRow) TableName() string { return "invoices" }

func (row *InvoiceRow) BeforeCreate(tx *gorm.DB) error {
	if row.InvoiceID == "" {
		row.InvoiceID = uuid.NewString()
	}
	return nil
}

// Models lists every table managed by the store, in migration order.
func Models() []any {
	return []any{
		&Account{},
		&CreditTransaction{},
		&IdempotencyClaim{},
		&CreditValidity{},
		&Payment{},
		&WebhookEventLog{},
		&OutboxIntent{},
		&NotificationRow{},
		&InvoiceRow{},
	}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

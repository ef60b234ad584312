package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/paycredits/internal/notify"
	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnCreditBalance           = "credit_balance"
	columnSimilarityCreditBalance = "similarity_credit_balance"
	emptyPayloadJSON              = "{}"
	pgUniqueViolationCode         = "23505"
	sqliteConstraintPrimaryKey    = 1555
	sqliteConstraintUnique        = 2067
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectBalance           = "balance"
	errorSubjectClaim             = "claim"
	errorSubjectIntent            = "intent"
	errorSubjectInvoice           = "invoice"
	errorSubjectNotification      = "notification"
	errorSubjectPayment           = "payment"
	errorSubjectTransaction       = "transaction"
	errorSubjectValidity          = "validity"
	errorSubjectWebhook           = "webhook"
	errorCodeCreate               = "create"
	errorCodeDuplicate            = "duplicate"
	errorCodeEncode               = "encode"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeUpdate               = "update"
	errorCodeUpdateStatus         = "update_status"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) InsertClaim(ctx context.Context, claim credits.Claim) error {
	model := IdempotencyClaim{
		EventKey:  claim.EventKey.String(),
		Provider:  claim.Provider.String(),
		UserID:    claim.UserID.String(),
		Source:    string(claim.Source),
		CreatedAt: claim.CreatedAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectClaim, errorCodeDuplicate, credits.ErrDuplicateClaim)
	}
	if err != nil {
		return wrapStoreError(errorSubjectClaim, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) EnsureAccount(ctx context.Context, userID credits.UserID, email string) error {
	now := time.Now().UTC()
	account := Account{UserID: userID.String(), Email: email, CreatedAt: now, UpdatedAt: now}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&account).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	if email == "" {
		return nil
	}
	err = store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND email <> ?", userID.String(), email).
		Updates(map[string]any{"email": email, "updated_at": now}).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) GetBalances(ctx context.Context, userID credits.UserID, forUpdate bool) (credits.Balances, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var account Account
	err := query.Where("user_id = ?", userID.String()).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Balances{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrUnknownAccount)
	}
	if err != nil {
		return credits.Balances{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return credits.Balances{
		Full:           credits.Credits(account.CreditBalance),
		SimilarityOnly: credits.Credits(account.SimilarityCreditBalance),
	}, nil
}

func (store *Store) IncrementBalance(ctx context.Context, userID credits.UserID, creditType credits.CreditType, delta credits.Credits, requireNonNegative bool) (credits.BalanceChange, error) {
	column := balanceColumn(creditType)
	query := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID.String())
	if requireNonNegative {
		query = query.Where(column+" + ? >= 0", delta.Int64())
	}
	result := query.UpdateColumns(map[string]any{
		column:       gorm.Expr(column+" + ?", delta.Int64()),
		"updated_at": time.Now().UTC(),
	})
	if result.Error != nil {
		return credits.BalanceChange{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		if requireNonNegative {
			return credits.BalanceChange{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, credits.ErrInsufficientCredits)
		}
		return credits.BalanceChange{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, credits.ErrUnknownAccount)
	}
	var after sqlBalance
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Select(column+" AS value").
		Where("user_id = ?", userID.String()).
		Scan(&after).Error
	if err != nil {
		return credits.BalanceChange{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return credits.BalanceChange{
		Before: credits.Credits(after.Value) - delta,
		After:  credits.Credits(after.Value),
	}, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.Transaction) (credits.Transaction, error) {
	model := CreditTransaction{
		UserID:        transaction.UserID.String(),
		Amount:        transaction.Amount.Int64(),
		BalanceBefore: transaction.BalanceBefore.Int64(),
		BalanceAfter:  transaction.BalanceAfter.Int64(),
		Kind:          transaction.Kind.String(),
		CreditType:    transaction.CreditType.String(),
		Description:   transaction.Description,
		ActorID:       optionalString(transaction.ActorID),
		EventKey:      optionalString(transaction.EventKey),
		CreatedAt:     transaction.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transaction.TransactionID = model.TransactionID
	transaction.CreatedAt = model.CreatedAt
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID credits.UserID, limit int) ([]credits.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) InsertValidityRecord(ctx context.Context, record credits.ValidityRecord) (credits.ValidityRecord, error) {
	model := CreditValidity{
		UserID:           record.UserID.String(),
		CreditType:       record.CreditType.String(),
		CreditsAmount:    record.CreditsAmount.Int64(),
		RemainingCredits: record.RemainingCredits.Int64(),
		ExpiresAt:        record.ExpiresAt.UTC(),
		TransactionID:    record.TransactionID,
		PackageID:        record.PackageID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return credits.ValidityRecord{}, wrapStoreError(errorSubjectValidity, errorCodeInsert, err)
	}
	record.RecordID = model.RecordID
	return record, nil
}

func (store *Store) ListDueValidityRecords(ctx context.Context, at time.Time, limit int, exclude []string) ([]credits.ValidityRecord, error) {
	var rows []CreditValidity
	query := store.db.WithContext(ctx).Where("expired = ? AND expires_at < ?", false, at.UTC())
	if len(exclude) > 0 {
		query = query.Where("record_id NOT IN ?", exclude)
	}
	err := query.Order("expires_at ASC").Order("record_id ASC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectValidity, errorCodeList, err)
	}
	records := make([]credits.ValidityRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mapValidity(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectValidity, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (store *Store) GetValidityRecord(ctx context.Context, recordID string, forUpdate bool) (credits.ValidityRecord, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row CreditValidity
	err := query.Where("record_id = ?", recordID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.ValidityRecord{}, wrapStoreError(errorSubjectValidity, errorCodeGet, credits.ErrValidityNotFound)
	}
	if err != nil {
		return credits.ValidityRecord{}, wrapStoreError(errorSubjectValidity, errorCodeGet, err)
	}
	record, err := mapValidity(row)
	if err != nil {
		return credits.ValidityRecord{}, wrapStoreError(errorSubjectValidity, errorCodeInvalid, err)
	}
	return record, nil
}

func (store *Store) MarkValidityExpired(ctx context.Context, recordID string, unused credits.Credits, at time.Time) error {
	expiredAt := at.UTC()
	result := store.db.WithContext(ctx).
		Model(&CreditValidity{}).
		Where("record_id = ? AND expired = ?", recordID, false).
		Updates(map[string]any{
			"expired":                true,
			"expired_at":             expiredAt,
			"remaining_credits":      0,
			"credits_expired_unused": unused.Int64(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectValidity, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := store.db.WithContext(ctx).Model(&CreditValidity{}).Where("record_id = ?", recordID).Count(&count).Error; err != nil {
		return wrapStoreError(errorSubjectValidity, errorCodeGet, err)
	}
	if count == 0 {
		return wrapStoreError(errorSubjectValidity, errorCodeUpdate, credits.ErrValidityNotFound)
	}
	return wrapStoreError(errorSubjectValidity, errorCodeUpdate, credits.ErrValidityExpired)
}

func (store *Store) CreatePayment(ctx context.Context, payment credits.PaymentRecord) error {
	model := Payment{
		Provider:          payment.Provider.String(),
		ExternalID:        payment.ExternalID,
		ProviderReference: payment.ProviderReference,
		UserID:            payment.UserID.String(),
		Credits:           payment.Credits.Int64(),
		CreditType:        payment.CreditType.String(),
		AmountCents:       payment.AmountCents,
		Currency:          payment.Currency,
		ValidityDays:      payment.ValidityDays,
		PackageID:         payment.PackageID,
		Email:             payment.Email,
		Status:            payment.Status.String(),
		CreatedAt:         payment.CreatedAt,
		UpdatedAt:         payment.UpdatedAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, credits.ErrPaymentExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPayment(ctx context.Context, provider credits.Provider, externalID string) (credits.PaymentRecord, error) {
	return store.findPayment(ctx, "provider = ? AND external_id = ?", provider.String(), externalID)
}

func (store *Store) FindPaymentByReference(ctx context.Context, provider credits.Provider, reference string) (credits.PaymentRecord, error) {
	if reference == "" {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeGet, credits.ErrPaymentNotFound)
	}
	return store.findPayment(ctx, "provider = ? AND provider_reference = ?", provider.String(), reference)
}

func (store *Store) findPayment(ctx context.Context, condition string, args ...any) (credits.PaymentRecord, error) {
	var row Payment
	err := store.db.WithContext(ctx).Where(condition, args...).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeGet, credits.ErrPaymentNotFound)
	}
	if err != nil {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	payment, err := mapPayment(row)
	if err != nil {
		return credits.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	return payment, nil
}

func (store *Store) UpdatePaymentStatus(ctx context.Context, provider credits.Provider, externalID string, from []credits.PaymentStatus, to credits.PaymentStatus, reference string) error {
	sources := make([]string, 0, len(from))
	for _, status := range from {
		sources = append(sources, status.String())
	}
	updates := map[string]any{"status": to.String(), "updated_at": time.Now().UTC()}
	if reference != "" {
		updates["provider_reference"] = reference
	}
	result := store.db.WithContext(ctx).
		Model(&Payment{}).
		Where("provider = ? AND external_id = ? AND status IN ?", provider.String(), externalID, sources).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if _, err := store.GetPayment(ctx, provider, externalID); err != nil {
		return err
	}
	return wrapStoreError(errorSubjectPayment, errorCodeUpdateStatus, credits.ErrInvalidPaymentTransition)
}

func (store *Store) HasWebhookEvent(ctx context.Context, provider credits.Provider, eventID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&WebhookEventLog{}).
		Where("provider = ? AND event_id = ?", provider.String(), eventID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectWebhook, errorCodeGet, err)
	}
	return count > 0, nil
}

func (store *Store) RecordWebhookEvent(ctx context.Context, event credits.WebhookEvent) error {
	model := WebhookEventLog{
		Provider:    event.Provider.String(),
		EventID:     event.EventID,
		EventType:   event.EventType,
		Payload:     payloadJSON(event.Payload),
		ProcessedAt: time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectWebhook, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) EnqueueIntents(ctx context.Context, intents []credits.Intent) error {
	if len(intents) == 0 {
		return nil
	}
	rows := make([]OutboxIntent, 0, len(intents))
	for _, intent := range intents {
		payload, err := json.Marshal(intent.Notice)
		if err != nil {
			return wrapStoreError(errorSubjectIntent, errorCodeEncode, err)
		}
		rows = append(rows, OutboxIntent{
			Kind:          intent.Kind.String(),
			UserID:        intent.UserID.String(),
			Payload:       datatypes.JSON(payload),
			Status:        string(credits.IntentPending),
			NextAttemptAt: intent.NextAttemptAt.UTC(),
			CreatedAt:     intent.CreatedAt.UTC(),
		})
	}
	if err := store.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListDueIntents(ctx context.Context, at time.Time, limit int) ([]credits.Intent, error) {
	var rows []OutboxIntent
	err := store.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", string(credits.IntentPending), at.UTC()).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
	}
	intents := make([]credits.Intent, 0, len(rows))
	for _, row := range rows {
		intent, err := mapIntent(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

func (store *Store) MarkIntentDelivered(ctx context.Context, intentID string, at time.Time) error {
	deliveredAt := at.UTC()
	err := store.db.WithContext(ctx).
		Model(&OutboxIntent{}).
		Where("intent_id = ?", intentID).
		Updates(map[string]any{"status": string(credits.IntentDelivered), "delivered_at": deliveredAt, "last_error": ""}).Error
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, err)
	}
	return nil
}

func (store *Store) MarkIntentFailed(ctx context.Context, intentID string, attempts int, nextAttemptAt time.Time, dead bool, lastError string) error {
	status := credits.IntentPending
	if dead {
		status = credits.IntentDead
	}
	err := store.db.WithContext(ctx).
		Model(&OutboxIntent{}).
		Where("intent_id = ?", intentID).
		Updates(map[string]any{
			"status":          string(status),
			"attempts":        attempts,
			"next_attempt_at": nextAttemptAt.UTC(),
			"last_error":      lastError,
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, err)
	}
	return nil
}

// InsertNotification stores an in-app notification once per intent.
func (store *Store) InsertNotification(ctx context.Context, notification notify.Notification) error {
	row := NotificationRow{
		IntentID:  notification.IntentID,
		UserID:    notification.UserID,
		Event:     notification.Event,
		Title:     notification.Title,
		Body:      notification.Body,
		CreatedAt: notification.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "intent_id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectNotification, errorCodeInsert, err)
	}
	return nil
}

// ListNotifications returns the newest notifications of a user first.
func (store *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]notify.Notification, error) {
	var rows []NotificationRow
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectNotification, errorCodeList, err)
	}
	notifications := make([]notify.Notification, 0, len(rows))
	for _, row := range rows {
		notifications = append(notifications, notify.Notification{
			IntentID:  row.IntentID,
			UserID:    row.UserID,
			Event:     row.Event,
			Title:     row.Title,
			Body:      row.Body,
			CreatedAt: row.CreatedAt,
		})
	}
	return notifications, nil
}

// InsertInvoice stores an invoice once per intent.
func (store *Store) InsertInvoice(ctx context.Context, invoice notify.Invoice) error {
	row := InvoiceRow{
		IntentID:          invoice.IntentID,
		Number:            invoice.Number,
		UserID:            invoice.UserID,
		Email:             invoice.Email,
		Provider:          invoice.Provider,
		ExternalPaymentID: invoice.ExternalPaymentID,
		CreditType:        invoice.CreditType,
		Credits:           invoice.Credits,
		AmountCents:       invoice.AmountCents,
		Currency:          invoice.Currency,
		IssuedAt:          invoice.IssuedAt.UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "intent_id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectInvoice, errorCodeInsert, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

type sqlBalance struct {
	Value int64
}

func balanceColumn(creditType credits.CreditType) string {
	if creditType == credits.CreditTypeSimilarityOnly {
		return columnSimilarityCreditBalance
	}
	return columnCreditBalance
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func payloadJSON(raw []byte) datatypes.JSON {
	if len(raw) == 0 || !json.Valid(raw) {
		return datatypes.JSON([]byte(emptyPayloadJSON))
	}
	return datatypes.JSON(raw)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey
	}
	return false
}

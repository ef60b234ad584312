package gormstore

import (
	"encoding/json"

	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
)

func mapTransaction(row CreditTransaction) (credits.Transaction, error) {
	userID, err := credits.NewUserID(row.UserID)
	if err != nil {
		return credits.Transaction{}, err
	}
	kind, err := credits.ParseTransactionKind(row.Kind)
	if err != nil {
		return credits.Transaction{}, err
	}
	creditType, err := credits.ParseCreditType(row.CreditType)
	if err != nil {
		return credits.Transaction{}, err
	}
	return credits.Transaction{
		TransactionID: row.TransactionID,
		UserID:        userID,
		Amount:        credits.Credits(row.Amount),
		BalanceBefore: credits.Credits(row.BalanceBefore),
		BalanceAfter:  credits.Credits(row.BalanceAfter),
		Kind:          kind,
		CreditType:    creditType,
		Description:   row.Description,
		ActorID:       derefString(row.ActorID),
		EventKey:      derefString(row.EventKey),
		CreatedAt:     row.CreatedAt.UTC(),
	}, nil
}

func mapValidity(row CreditValidity) (credits.ValidityRecord, error) {
	userID, err := credits.NewUserID(row.UserID)
	if err != nil {
		return credits.ValidityRecord{}, err
	}
	creditType, err := credits.ParseCreditType(row.CreditType)
	if err != nil {
		return credits.ValidityRecord{}, err
	}
	return credits.ValidityRecord{
		RecordID:             row.RecordID,
		UserID:               userID,
		CreditType:           creditType,
		CreditsAmount:        credits.Credits(row.CreditsAmount),
		RemainingCredits:     credits.Credits(row.RemainingCredits),
		CreditsExpiredUnused: credits.Credits(row.CreditsExpiredUnused),
		ExpiresAt:            row.ExpiresAt.UTC(),
		Expired:              row.Expired,
		ExpiredAt:            row.ExpiredAt,
		TransactionID:        row.TransactionID,
		PackageID:            row.PackageID,
	}, nil
}

func mapPayment(row Payment) (credits.PaymentRecord, error) {
	provider, err := credits.ParseProvider(row.Provider)
	if err != nil {
		return credits.PaymentRecord{}, err
	}
	userID, err := credits.NewUserID(row.UserID)
	if err != nil {
		return credits.PaymentRecord{}, err
	}
	creditType, err := credits.ParseCreditType(row.CreditType)
	if err != nil {
		return credits.PaymentRecord{}, err
	}
	status, err := credits.ParsePaymentStatus(row.Status)
	if err != nil {
		return credits.PaymentRecord{}, err
	}
	return credits.PaymentRecord{
		Provider:          provider,
		ExternalID:        row.ExternalID,
		ProviderReference: row.ProviderReference,
		UserID:            userID,
		Credits:           credits.Credits(row.Credits),
		CreditType:        creditType,
		AmountCents:       row.AmountCents,
		Currency:          row.Currency,
		ValidityDays:      row.ValidityDays,
		PackageID:         row.PackageID,
		Email:             row.Email,
		Status:            status,
		CreatedAt:         row.CreatedAt.UTC(),
		UpdatedAt:         row.UpdatedAt.UTC(),
	}, nil
}

func mapIntent(row OutboxIntent) (credits.Intent, error) {
	userID, err := credits.NewUserID(row.UserID)
	if err != nil {
		return credits.Intent{}, err
	}
	var notice credits.Notice
	if err := json.Unmarshal(row.Payload, &notice); err != nil {
		return credits.Intent{}, err
	}
	return credits.Intent{
		IntentID:      row.IntentID,
		Kind:          credits.IntentKind(row.Kind),
		UserID:        userID,
		Notice:        notice,
		Status:        credits.IntentStatus(row.Status),
		Attempts:      row.Attempts,
		NextAttemptAt: row.NextAttemptAt.UTC(),
		LastError:     row.LastError,
		CreatedAt:     row.CreatedAt.UTC(),
	}, nil
}

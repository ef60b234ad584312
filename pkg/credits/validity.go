package credits

import (
	"context"
	"errors"
	"fmt"
)

// SweepReport summarizes one ExpireCredits run.
type SweepReport struct {
	Scanned         int
	Expired         int
	CreditsDeducted Credits
	Failed          int
}

// ExpireCredits removes the unused part of every validity record whose expiry has passed.
// Each record runs in its own transaction; a failed record is counted and the sweep moves on.
func (service *Service) ExpireCredits(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	// Records that stay due after their attempt are excluded from later pages of the same run.
	var passed []string
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		records, err := service.store.ListDueValidityRecords(ctx, service.now(), service.sweepBatchSize, passed)
		if err != nil {
			return report, err
		}
		for _, record := range records {
			report.Scanned++
			deducted, expired, err := service.expireRecord(ctx, record.RecordID)
			if err != nil {
				report.Failed++
				passed = append(passed, record.RecordID)
				continue
			}
			if !expired {
				passed = append(passed, record.RecordID)
				continue
			}
			report.Expired++
			report.CreditsDeducted += deducted
		}
		if len(records) < service.sweepBatchSize {
			return report, nil
		}
	}
}

func (service *Service) expireRecord(ctx context.Context, recordID string) (Credits, bool, error) {
	var (
		deducted Credits
		record   ValidityRecord
		key      EventKey
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		var err error
		record, err = txStore.GetValidityRecord(ctx, recordID, true)
		if err != nil {
			return err
		}
		if record.Expired {
			return ErrValidityExpired
		}
		key, err = deriveEventKey(eventKeyPrefixExpire, record.RecordID)
		if err != nil {
			return err
		}
		if err := service.claim(ctx, txStore, key, ProviderSystem, record.UserID, SourceSweep); err != nil {
			return err
		}
		now := service.now()
		transaction, removed, err := service.deductClamped(ctx, txStore, delta{
			userID:      record.UserID,
			creditType:  record.CreditType,
			kind:        KindExpiration,
			description: expirationDescription(record),
			eventKey:    key,
		}, record.RemainingCredits)
		if err != nil {
			return err
		}
		if err := txStore.MarkValidityExpired(ctx, record.RecordID, record.RemainingCredits, now); err != nil {
			return err
		}
		deducted = removed
		if removed == 0 {
			return nil
		}
		notice := Notice{
			Event:         NoticeExpiration,
			Title:         "Credits expired",
			Body:          fmt.Sprintf("%d %s credits expired unused.", removed, creditLabel(record.CreditType)),
			Provider:      ProviderSystem,
			TransactionID: transaction.TransactionID,
			CreditType:    record.CreditType,
			Credits:       -removed,
			NewBalance:    transaction.BalanceAfter,
		}
		return txStore.EnqueueIntents(ctx, noticeIntents(record.UserID, notice, now, IntentInApp, IntentEmail))
	})
	skipped := errors.Is(operationError, ErrValidityExpired) || isDuplicateClaim(operationError)
	if skipped {
		return 0, false, nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:  operationExpire,
		Provider:   ProviderSystem,
		UserID:     record.UserID,
		CreditType: record.CreditType,
		Amount:     -deducted,
		EventKey:   key.String(),
		Detail:     recordID,
		Error:      operationError,
	})
	if operationError != nil {
		return 0, false, operationError
	}
	return deducted, true, nil
}

func expirationDescription(record ValidityRecord) string {
	if record.PackageID != "" {
		return fmt.Sprintf("Expiration of package %s credits", record.PackageID)
	}
	return "Expiration of unused credits"
}

package credits

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SpendRequest consumes credits for platform usage.
type SpendRequest struct {
	UserID      UserID
	CreditType  CreditType
	Amount      PositiveCredits
	Description string
	RequestID   string
}

// SpendResult reports the outcome of Spend.
type SpendResult struct {
	Transaction      Transaction
	NewBalance       Credits
	AlreadyProcessed bool
}

// Adjustment is an admin-initiated change. Positive amounts add, negative amounts deduct (clamped at zero).
type Adjustment struct {
	UserID     UserID
	CreditType CreditType
	Amount     Credits
	ActorID    string
	Reason     string
	RequestID  string
}

// AdjustResult reports the outcome of AdjustCredits.
type AdjustResult struct {
	Transaction      Transaction
	Applied          Credits
	NewBalance       Credits
	AlreadyProcessed bool
}

type delta struct {
	userID      UserID
	creditType  CreditType
	amount      Credits
	kind        TransactionKind
	description string
	actorID     string
	eventKey    EventKey
}

// Spend deducts credits and rejects the request when the balance would go negative.
func (service *Service) Spend(ctx context.Context, request SpendRequest) (SpendResult, error) {
	if err := validateHolder(request.UserID, request.CreditType); err != nil {
		return SpendResult{}, err
	}
	if request.Amount <= 0 {
		return SpendResult{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	key, err := deriveEventKey(eventKeyPrefixSpend, requestIDOrRandom(request.RequestID))
	if err != nil {
		return SpendResult{}, err
	}
	var result SpendResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := service.claim(ctx, txStore, key, ProviderSystem, request.UserID, SourceSpend); err != nil {
			return err
		}
		if err := txStore.EnsureAccount(ctx, request.UserID, ""); err != nil {
			return err
		}
		transaction, err := service.applyDelta(ctx, txStore, delta{
			userID:      request.UserID,
			creditType:  request.CreditType,
			amount:      request.Amount.Negated(),
			kind:        KindDeduction,
			description: request.Description,
			eventKey:    key,
		}, true)
		if err != nil {
			return err
		}
		result = SpendResult{Transaction: transaction, NewBalance: transaction.BalanceAfter}
		return nil
	})
	duplicate := isDuplicateClaim(operationError)
	if duplicate {
		balance, err := service.committedBalance(ctx, request.UserID, request.CreditType)
		result = SpendResult{NewBalance: balance, AlreadyProcessed: true}
		operationError = err
	}
	service.logOperation(ctx, OperationLog{
		Operation:  operationSpend,
		Provider:   ProviderSystem,
		UserID:     request.UserID,
		CreditType: request.CreditType,
		Amount:     request.Amount.Negated(),
		EventKey:   key.String(),
		Status:     statusFor(operationError, duplicate),
		Error:      operationError,
	})
	if operationError != nil {
		return SpendResult{}, operationError
	}
	return result, nil
}

// AdjustCredits applies an admin change on behalf of ActorID.
func (service *Service) AdjustCredits(ctx context.Context, adjustment Adjustment) (AdjustResult, error) {
	if err := validateHolder(adjustment.UserID, adjustment.CreditType); err != nil {
		return AdjustResult{}, err
	}
	if adjustment.Amount == 0 {
		return AdjustResult{}, fmt.Errorf("%w: must not be zero", ErrInvalidCredits)
	}
	key, err := deriveEventKey(eventKeyPrefixAdmin, requestIDOrRandom(adjustment.RequestID))
	if err != nil {
		return AdjustResult{}, err
	}
	var result AdjustResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := service.claim(ctx, txStore, key, ProviderAdmin, adjustment.UserID, SourceAdmin); err != nil {
			return err
		}
		if err := txStore.EnsureAccount(ctx, adjustment.UserID, ""); err != nil {
			return err
		}
		input := delta{
			userID:      adjustment.UserID,
			creditType:  adjustment.CreditType,
			amount:      adjustment.Amount,
			kind:        KindAdd,
			description: adjustment.Reason,
			actorID:     adjustment.ActorID,
			eventKey:    key,
		}
		if adjustment.Amount > 0 {
			transaction, err := service.applyDelta(ctx, txStore, input, false)
			if err != nil {
				return err
			}
			result = AdjustResult{Transaction: transaction, Applied: transaction.Amount, NewBalance: transaction.BalanceAfter}
			return nil
		}
		input.kind = KindDeduct
		transaction, deducted, err := service.deductClamped(ctx, txStore, input, -adjustment.Amount)
		if err != nil {
			return err
		}
		result = AdjustResult{Transaction: transaction, Applied: -deducted, NewBalance: transaction.BalanceAfter}
		return nil
	})
	duplicate := isDuplicateClaim(operationError)
	if duplicate {
		balance, err := service.committedBalance(ctx, adjustment.UserID, adjustment.CreditType)
		result = AdjustResult{NewBalance: balance, AlreadyProcessed: true}
		operationError = err
	}
	service.logOperation(ctx, OperationLog{
		Operation:  operationAdjust,
		Provider:   ProviderAdmin,
		UserID:     adjustment.UserID,
		CreditType: adjustment.CreditType,
		Amount:     result.Applied,
		EventKey:   key.String(),
		Detail:     adjustment.ActorID,
		Status:     statusFor(operationError, duplicate),
		Error:      operationError,
	})
	if operationError != nil {
		return AdjustResult{}, operationError
	}
	return result, nil
}

// applyDelta increments the balance atomically and appends the matching transaction row.
func (service *Service) applyDelta(ctx context.Context, txStore Store, input delta, requireNonNegative bool) (Transaction, error) {
	change, err := txStore.IncrementBalance(ctx, input.userID, input.creditType, input.amount, requireNonNegative)
	if err != nil {
		return Transaction{}, err
	}
	if change.After != change.Before+input.amount {
		return Transaction{}, WrapError("service", "balance", "arithmetic", ErrInvalidCredits)
	}
	return txStore.InsertTransaction(ctx, Transaction{
		UserID:        input.userID,
		Amount:        input.amount,
		BalanceBefore: change.Before,
		BalanceAfter:  change.After,
		Kind:          input.kind,
		CreditType:    input.creditType,
		Description:   input.description,
		ActorID:       input.actorID,
		EventKey:      input.eventKey.String(),
		CreatedAt:     service.now(),
	})
}

// deductClamped removes min(requested, balance) credits. When nothing can be deducted no row is written
// and the returned transaction only carries the unchanged balance.
func (service *Service) deductClamped(ctx context.Context, txStore Store, input delta, requested Credits) (Transaction, Credits, error) {
	balances, err := txStore.GetBalances(ctx, input.userID, true)
	if err != nil {
		return Transaction{}, 0, err
	}
	available := balances.Of(input.creditType)
	deductible := min(requested, available)
	if deductible <= 0 {
		return Transaction{BalanceBefore: available, BalanceAfter: available}, 0, nil
	}
	input.amount = -deductible
	transaction, err := service.applyDelta(ctx, txStore, input, true)
	if err != nil {
		return Transaction{}, 0, err
	}
	return transaction, deductible, nil
}

func validateHolder(userID UserID, creditType CreditType) error {
	if userID.IsZero() {
		return ErrInvalidUserID
	}
	if !creditType.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCreditType, creditType)
	}
	return nil
}

func requestIDOrRandom(requestID string) string {
	if trimmed := strings.TrimSpace(requestID); trimmed != "" {
		return trimmed
	}
	return uuid.NewString()
}

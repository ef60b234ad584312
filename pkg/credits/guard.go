package credits

import (
	"context"
	"errors"
)

// claim inserts the idempotency tombstone for key inside txStore.
// The caller must abort its transaction when this returns an error.
func (service *Service) claim(ctx context.Context, txStore Store, key EventKey, provider Provider, userID UserID, source ClaimSource) error {
	return txStore.InsertClaim(ctx, Claim{
		EventKey:  key,
		Provider:  provider,
		UserID:    userID,
		Source:    source,
		CreatedAt: service.now(),
	})
}

// committedBalance reads the balance outside of any transaction, for replies to already claimed events.
func (service *Service) committedBalance(ctx context.Context, userID UserID, creditType CreditType) (Credits, error) {
	if err := service.store.EnsureAccount(ctx, userID, ""); err != nil {
		return 0, err
	}
	balances, err := service.store.GetBalances(ctx, userID, false)
	if err != nil {
		return 0, err
	}
	return balances.Of(creditType), nil
}

func isDuplicateClaim(err error) bool {
	return errors.Is(err, ErrDuplicateClaim)
}

func statusFor(err error, duplicate bool) string {
	if err != nil {
		return operationStatusError
	}
	if duplicate {
		return operationStatusDuplicate
	}
	return operationStatusOK
}

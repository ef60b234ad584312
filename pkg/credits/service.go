package credits

import (
	"context"
	"fmt"
	"time"
)

// Service contains the reconciliation logic over a Store.
type Service struct {
	store          Store
	nowFn          func() time.Time
	logger         OperationLogger
	sweepBatchSize int
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, sweepBatchSize: defaultSweepBatch}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balances returns both credit pools of a user.
func (service *Service) Balances(ctx context.Context, userID UserID) (Balances, error) {
	if userID.IsZero() {
		return Balances{}, ErrInvalidUserID
	}
	if err := service.store.EnsureAccount(ctx, userID, ""); err != nil {
		return Balances{}, err
	}
	return service.store.GetBalances(ctx, userID, false)
}

// ListTransactions returns the newest transactions of a user first.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	if userID.IsZero() {
		return nil, ErrInvalidUserID
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return service.store.ListTransactions(ctx, userID, limit)
}

func (service *Service) now() time.Time {
	return service.nowFn().UTC()
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	logTo(ctx, service.logger, entry)
}

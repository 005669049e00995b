package ledger

import (
	"context"
	"fmt"
)

// Credit adds funds to the user's balance and appends the matching transaction.
func (service *Service) Credit(ctx context.Context, userID UserID, amount PositiveAmountCents, kind TransactionKind, description string) error {
	return service.applyDelta(ctx, operationCredit, userID, amount.ToSignedAmountCents(), kind, description, MetadataJSON{})
}

// Debit removes funds from the user's balance and appends the matching transaction.
// The balance never goes below zero; ErrInsufficientFunds is returned instead.
func (service *Service) Debit(ctx context.Context, userID UserID, amount PositiveAmountCents, kind TransactionKind, description string) error {
	return service.applyDelta(ctx, operationDebit, userID, amount.ToSignedAmountCents().Negated(), kind, description, MetadataJSON{})
}

// Deposit credits a top-up.
func (service *Service) Deposit(ctx context.Context, userID UserID, amount PositiveAmountCents, description string) error {
	if description == "" {
		description = "Balance top-up"
	}
	return service.Credit(ctx, userID, amount, TransactionDeposit, description)
}

// AdjustBalance applies an operator correction of either sign.
func (service *Service) AdjustBalance(ctx context.Context, userID UserID, delta SignedAmountCents, description string) error {
	if description == "" {
		description = "Adjustment by administrator"
	}
	operation := operationCredit
	if delta < 0 {
		operation = operationDebit
	}
	return service.applyDelta(ctx, operation, userID, delta, TransactionAdminAdjustment, description, MetadataJSON{})
}

// ClaimDailyBonus credits the bonus when the previous claim is at least 24 hours old.
// The claim stamp and the credit are written together so concurrent claims cannot both pass the window check.
func (service *Service) ClaimDailyBonus(ctx context.Context, userID UserID, amount PositiveAmountCents) (PositiveAmountCents, error) {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		if err := transactionStore.StampBonusClaim(ctx, userID, nowUnixUTC, nowUnixUTC-dailyBonusIntervalSeconds); err != nil {
			return err
		}
		delta := amount.ToSignedAmountCents()
		if err := transactionStore.ApplyBalanceDelta(ctx, userID, delta); err != nil {
			return err
		}
		return transactionStore.InsertTransaction(ctx, Transaction{
			TransactionID:  service.newID(),
			UserID:         userID,
			Kind:           TransactionBonus,
			Amount:         delta,
			Description:    "Daily bonus",
			CreatedUnixUTC: nowUnixUTC,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationClaimBonus,
		UserID:    userID,
		Amount:    amount.ToSignedAmountCents(),
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return amount, nil
}

// NextBonusUnixUTC returns when the user may claim the daily bonus again (0 when available now).
func (service *Service) NextBonusUnixUTC(ctx context.Context, userID UserID) (int64, error) {
	user, err := service.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if user.LastBonusClaimUnixUTC == 0 {
		return 0, nil
	}
	next := user.LastBonusClaimUnixUTC + dailyBonusIntervalSeconds
	if next <= service.nowFn() {
		return 0, nil
	}
	return next, nil
}

// SetBlocked blocks or unblocks a user.
func (service *Service) SetBlocked(ctx context.Context, userID UserID, blocked bool) error {
	operationError := service.store.SetUserBlocked(ctx, userID, blocked)
	service.logOperation(ctx, OperationLog{
		Operation: operationSetBlocked,
		UserID:    userID,
		Error:     operationError,
	})
	return operationError
}

// ListTransactions returns the user's most recent transactions, optionally filtered by kind.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, kind TransactionKind, limit int) ([]Transaction, error) {
	if kind != "" {
		if _, err := ParseTransactionKind(kind.String()); err != nil {
			return nil, err
		}
	}
	return service.store.ListTransactions(ctx, userID, kind, normalizeLimit(limit))
}

// Stats returns operator statistics.
func (service *Service) Stats(ctx context.Context) (Stats, error) {
	return service.store.Stats(ctx)
}

func (service *Service) applyDelta(ctx context.Context, operation string, userID UserID, delta SignedAmountCents, kind TransactionKind, description string, metadata MetadataJSON) error {
	operationError := func() error {
		if _, err := NewSignedAmountCents(delta.Int64()); err != nil {
			return err
		}
		if _, err := ParseTransactionKind(kind.String()); err != nil {
			return err
		}
		if kind == TransactionPurchase {
			return fmt.Errorf("%w: purchases are recorded by FinalizePurchase", ErrInvalidTransactionKind)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if err := transactionStore.ApplyBalanceDelta(ctx, userID, delta); err != nil {
				return err
			}
			return transactionStore.InsertTransaction(ctx, Transaction{
				TransactionID:  service.newID(),
				UserID:         userID,
				Kind:           kind,
				Amount:         delta,
				Description:    description,
				Metadata:       metadata,
				CreatedUnixUTC: service.nowFn(),
			})
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operation,
		UserID:    userID,
		Amount:    delta,
		Error:     operationError,
	})
	return operationError
}

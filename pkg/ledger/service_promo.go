package ledger

import (
	"context"
	"fmt"
)

// CreatePromo stores a new unused promo code.
func (service *Service) CreatePromo(ctx context.Context, code PromoCode, value PositiveAmountCents) error {
	operationError := func() error {
		if code.String() == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidPromoCode)
		}
		if _, err := NewPositiveAmountCents(value.Int64()); err != nil {
			return err
		}
		return service.store.InsertPromo(ctx, Promo{
			Code:           code,
			Value:          value,
			CreatedUnixUTC: service.nowFn(),
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationCreatePromo,
		PromoCode: code,
		Amount:    value.ToSignedAmountCents(),
		Error:     operationError,
	})
	return operationError
}

// DeletePromo removes a promo code.
func (service *Service) DeletePromo(ctx context.Context, code PromoCode) error {
	operationError := service.store.DeletePromo(ctx, code)
	service.logOperation(ctx, OperationLog{
		Operation: operationDeletePromo,
		PromoCode: code,
		Error:     operationError,
	})
	return operationError
}

// ListPromos returns every promo code, newest first.
func (service *Service) ListPromos(ctx context.Context) ([]Promo, error) {
	return service.store.ListPromos(ctx)
}

// RedeemPromo marks the code used by the user and credits its value.
// Of several concurrent redemptions of one code exactly one succeeds; the rest get ErrPromoAlreadyUsed.
func (service *Service) RedeemPromo(ctx context.Context, code PromoCode, userID UserID) (PositiveAmountCents, error) {
	var value PositiveAmountCents
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		promo, err := transactionStore.GetPromo(ctx, code)
		if err != nil {
			return err
		}
		if promo.Used {
			return ErrPromoAlreadyUsed
		}
		if _, err := transactionStore.GetUser(ctx, userID); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if err := transactionStore.MarkPromoUsed(ctx, code, userID, nowUnixUTC); err != nil {
			return err
		}
		delta := promo.Value.ToSignedAmountCents()
		if err := transactionStore.ApplyBalanceDelta(ctx, userID, delta); err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, Transaction{
			TransactionID:  service.newID(),
			UserID:         userID,
			Kind:           TransactionPromo,
			Amount:         delta,
			Description:    fmt.Sprintf("Promo code %s", code.String()),
			Metadata:       metadataFromMap(map[string]any{metadataKeyPromoCode: code.String()}),
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		value = promo.Value
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRedeemPromo,
		UserID:    userID,
		PromoCode: code,
		Amount:    value.ToSignedAmountCents(),
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return value, nil
}

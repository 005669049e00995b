package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	newID  func() string
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// EnsureUser creates the user on first contact and refreshes the profile afterwards.
func (service *Service) EnsureUser(ctx context.Context, profile UserProfile) (User, error) {
	if profile.UserID.IsZero() {
		return User{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	user, operationError := service.store.UpsertUser(ctx, profile, service.nowFn())
	service.logOperation(ctx, OperationLog{
		Operation: operationEnsureUser,
		UserID:    profile.UserID,
		Error:     operationError,
	})
	return user, operationError
}

// User returns the stored user.
func (service *Service) User(ctx context.Context, userID UserID) (User, error) {
	return service.store.GetUser(ctx, userID)
}

// Balance returns the user's current balance.
func (service *Service) Balance(ctx context.Context, userID UserID) (AmountCents, error) {
	user, err := service.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.Balance, nil
}

// CreatePurchaseIntent records a pending purchase before any external transfer is attempted.
func (service *Service) CreatePurchaseIntent(ctx context.Context, buyerID UserID, recipientHandle string, quantity Quantity, amount PositiveAmountCents) (IntentID, error) {
	var intentID IntentID
	operationError := func() error {
		recipient, err := NormalizeRecipientHandle(recipientHandle)
		if err != nil {
			return err
		}
		if _, err := NewQuantity(quantity.Int64()); err != nil {
			return err
		}
		if _, err := NewPositiveAmountCents(amount.Int64()); err != nil {
			return err
		}
		generatedID, err := NewIntentID(service.newID())
		if err != nil {
			return err
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if _, err := transactionStore.GetUser(ctx, buyerID); err != nil {
				return err
			}
			nowUnixUTC := service.nowFn()
			err := transactionStore.InsertIntent(ctx, PurchaseIntent{
				IntentID:        generatedID,
				BuyerID:         buyerID,
				RecipientHandle: recipient,
				Quantity:        quantity,
				AmountCharged:   amount,
				Status:          IntentStatusPending,
				CreatedUnixUTC:  nowUnixUTC,
				UpdatedUnixUTC:  nowUnixUTC,
			})
			if err != nil {
				return err
			}
			intentID = generatedID
			return nil
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationCreateIntent,
		UserID:    buyerID,
		IntentID:  intentID,
		Amount:    SignedAmountCents(amount),
		Error:     operationError,
	})
	return intentID, operationError
}

// FinalizePurchase moves a pending intent to its terminal status.
// A completed outcome debits the buyer and appends the purchase transaction in the same unit of work.
// Finalizing an intent that is already terminal is a no-op.
func (service *Service) FinalizePurchase(ctx context.Context, intentID IntentID, outcome PurchaseOutcome) error {
	var (
		buyerID UserID
		amount  SignedAmountCents
		noop    bool
	)
	operationError := outcome.validate()
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			intent, err := transactionStore.GetIntent(ctx, intentID)
			if err != nil {
				return err
			}
			buyerID = intent.BuyerID
			if intent.Status.IsTerminal() {
				noop = true
				return nil
			}
			nowUnixUTC := service.nowFn()
			err = transactionStore.UpdateIntentStatus(
				ctx,
				intentID,
				IntentStatusPending,
				outcome.Status(),
				outcome.TransferRef().String(),
				outcome.Reason(),
				nowUnixUTC,
			)
			if errors.Is(err, ErrIntentClosed) {
				noop = true
				return nil
			}
			if err != nil {
				return err
			}
			if outcome.Status() != IntentStatusCompleted {
				return nil
			}
			amount = intent.AmountCharged.ToSignedAmountCents().Negated()
			if err := transactionStore.ApplyBalanceDelta(ctx, intent.BuyerID, amount); err != nil {
				return err
			}
			return transactionStore.InsertTransaction(ctx, Transaction{
				TransactionID: service.newID(),
				UserID:        intent.BuyerID,
				Kind:          TransactionPurchase,
				Amount:        amount,
				Description:   fmt.Sprintf("Purchase of %d stars for %s", intent.Quantity.Int64(), intent.RecipientHandle),
				Metadata: metadataFromMap(map[string]any{
					metadataKeyIntentID:    intentID.String(),
					metadataKeyTransferRef: outcome.TransferRef().String(),
					metadataKeyRecipient:   intent.RecipientHandle,
					metadataKeyQuantity:    intent.Quantity.Int64(),
				}),
				CreatedUnixUTC: nowUnixUTC,
			})
		})
	}
	entry := OperationLog{
		Operation: operationFinalizePurchase,
		UserID:    buyerID,
		IntentID:  intentID,
		Amount:    amount,
		Error:     operationError,
	}
	if noop && operationError == nil {
		entry.Status = operationStatusNoop
	}
	service.logOperation(ctx, entry)
	return operationError
}

// ListPurchases returns the buyer's most recent purchase intents.
func (service *Service) ListPurchases(ctx context.Context, buyerID UserID, limit int) ([]PurchaseIntent, error) {
	return service.store.ListIntents(ctx, IntentFilter{BuyerID: buyerID, Limit: normalizeLimit(limit)})
}

// ListPendingIntents returns intents still pending that were created at least olderThanSeconds ago.
func (service *Service) ListPendingIntents(ctx context.Context, olderThanSeconds int64, limit int) ([]PurchaseIntent, error) {
	if olderThanSeconds < 0 {
		olderThanSeconds = 0
	}
	return service.store.ListIntents(ctx, IntentFilter{
		Status:               IntentStatusPending,
		CreatedBeforeUnixUTC: service.nowFn() - olderThanSeconds + 1,
		Limit:                normalizeLimit(limit),
	})
}

// Intent returns a single purchase intent.
func (service *Service) Intent(ctx context.Context, intentID IntentID) (PurchaseIntent, error) {
	return service.store.GetIntent(ctx, intentID)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

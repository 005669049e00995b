package gormstore

import (
	"github.com/MarkoPoloResearchLab/starshop/pkg/ledger"
)

func mapUser(row User) (ledger.User, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.User{}, err
	}
	balance, err := ledger.NewBalance(row.BalanceCents)
	if err != nil {
		return ledger.User{}, err
	}
	return ledger.User{
		UserID:                userID,
		Username:              row.Username,
		FirstName:             row.FirstName,
		LastName:              row.LastName,
		Balance:               balance,
		Blocked:               row.Blocked,
		LastBonusClaimUnixUTC: row.LastBonusClaimUnix,
		CreatedUnixUTC:        row.CreatedUnix,
	}, nil
}

func mapIntent(row PurchaseIntent) (ledger.PurchaseIntent, error) {
	intentID, err := ledger.NewIntentID(row.IntentID)
	if err != nil {
		return ledger.PurchaseIntent{}, err
	}
	buyerID, err := ledger.NewUserID(row.BuyerID)
	if err != nil {
		return ledger.PurchaseIntent{}, err
	}
	quantity, err := ledger.NewQuantity(row.Quantity)
	if err != nil {
		return ledger.PurchaseIntent{}, err
	}
	amount, err := ledger.NewPositiveAmountCents(row.AmountCents)
	if err != nil {
		return ledger.PurchaseIntent{}, err
	}
	status, err := ledger.ParseIntentStatus(row.Status)
	if err != nil {
		return ledger.PurchaseIntent{}, err
	}
	return ledger.PurchaseIntent{
		IntentID:        intentID,
		BuyerID:         buyerID,
		RecipientHandle: row.RecipientHandle,
		Quantity:        quantity,
		AmountCharged:   amount,
		TransferRef:     row.TransferRef,
		Status:          status,
		FailureReason:   row.FailureReason,
		CreatedUnixUTC:  row.CreatedUnix,
		UpdatedUnixUTC:  row.UpdatedUnix,
	}, nil
}

func mapPromo(row PromoCode) (ledger.Promo, error) {
	code, err := ledger.NewPromoCode(row.Code)
	if err != nil {
		return ledger.Promo{}, err
	}
	value, err := ledger.NewPositiveAmountCents(row.ValueCents)
	if err != nil {
		return ledger.Promo{}, err
	}
	promo := ledger.Promo{
		Code:           code,
		Value:          value,
		Used:           row.Used,
		UsedUnixUTC:    row.UsedUnix,
		CreatedUnixUTC: row.CreatedUnix,
	}
	if row.UsedBy != nil && *row.UsedBy != "" {
		usedBy, err := ledger.NewUserID(*row.UsedBy)
		if err != nil {
			return ledger.Promo{}, err
		}
		promo.UsedBy = usedBy
	}
	return promo, nil
}

func mapTransaction(row LedgerTransaction) (ledger.Transaction, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	kind, err := ledger.ParseTransactionKind(row.Kind)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := ledger.NewSignedAmountCents(row.AmountCents)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		TransactionID:  row.TransactionID,
		UserID:         userID,
		Kind:           kind,
		Amount:         amount,
		Description:    row.Description,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedUnix,
	}, nil
}

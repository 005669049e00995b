package pgstore

import (
	"github.com/MarkoPoloResearchLab/starshop/pkg/ledger"
	"github.com/jackc/pgx/v5"
)

type userRow struct {
	userID             string
	username           string
	firstName          string
	lastName           string
	balanceCents       int64
	blocked            bool
	lastBonusClaimUnix int64
	createdUnix        int64
}

func (row userRow) toDomain() (ledger.User, error) {
	userID, err := ledger.NewUserID(row.userID)
	if err != nil {
		return ledger.User{}, err
	}
	balance, err := ledger.NewBalance(row.balanceCents)
	if err != nil {
		return ledger.User{}, err
	}
	return ledger.User{
		UserID:                userID,
		Username:              row.username,
		FirstName:             row.firstName,
		LastName:              row.lastName,
		Balance:               balance,
		Blocked:               row.blocked,
		LastBonusClaimUnixUTC: row.lastBonusClaimUnix,
		CreatedUnixUTC:        row.createdUnix,
	}, nil
}

type transactionRow struct {
	transactionID string
	userID        string
	kind          string
	amountCents   int64
	description   string
	metadata      string
	createdUnix   int64
}

func (row transactionRow) toDomain() (ledger.Transaction, error) {
	userID, err := ledger.NewUserID(row.userID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	kind, err := ledger.ParseTransactionKind(row.kind)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := ledger.NewSignedAmountCents(row.amountCents)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(row.metadata)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		TransactionID:  row.transactionID,
		UserID:         userID,
		Kind:           kind,
		Amount:         amount,
		Description:    row.description,
		Metadata:       metadata,
		CreatedUnixUTC: row.createdUnix,
	}, nil
}

type intentRow struct {
	intentID        string
	buyerID         string
	recipientHandle string
	quantity        int64
	amountCents     int64
	transferRef     string
	status          string
	failureReason   string
	createdUnix     int64
	updatedUnix     int64
}

func (row *intentRow) scan(source pgx.Row) error {
	return source.Scan(
		&row.intentID,
		&row.buyerID,
		&row.recipientHandle,
		&row.quantity,
		&row.amountCents,
		&row.transferRef,
		&row.status,
		&row.failureReason,
		&row.createdUnix,
		&row.updatedUnix,
	)
}

func (row intentRow) toDomain() (ledger.PurchaseIntent, error) {
	intentID, err := ledger.NewIntentID(row.intentID)
	if err != nil {
		return ledger.PurchaseIntent{}, err
	}
	buyerID, err := ledger.NewUserID(row.buyerID)
	if err != nil {
		return ledger.PurchaseIntent{}, err
	}
	quantity, err := ledger.NewQuantity(row.quantity)
	if err != nil {
		return ledger.PurchaseIntent{}, err
	}
	amount, err := ledger.NewPositiveAmountCents(row.amountCents)
	if err != nil {
		return ledger.PurchaseIntent{}, err
	}
	status, err := ledger.ParseIntentStatus(row.status)
	if err != nil {
		return ledger.PurchaseIntent{}, err
	}
	return ledger.PurchaseIntent{
		IntentID:        intentID,
		BuyerID:         buyerID,
		RecipientHandle: row.recipientHandle,
		Quantity:        quantity,
		AmountCharged:   amount,
		TransferRef:     row.transferRef,
		Status:          status,
		FailureReason:   row.failureReason,
		CreatedUnixUTC:  row.createdUnix,
		UpdatedUnixUTC:  row.updatedUnix,
	}, nil
}

type promoRow struct {
	code        string
	valueCents  int64
	used        bool
	usedBy      string
	usedUnix    int64
	createdUnix int64
}

func (row *promoRow) scan(source pgx.Row) error {
	return source.Scan(&row.code, &row.valueCents, &row.used, &row.usedBy, &row.usedUnix, &row.createdUnix)
}

func (row promoRow) toDomain() (ledger.Promo, error) {
	code, err := ledger.NewPromoCode(row.code)
	if err != nil {
		return ledger.Promo{}, err
	}
	value, err := ledger.NewPositiveAmountCents(row.valueCents)
	if err != nil {
		return ledger.Promo{}, err
	}
	promo := ledger.Promo{
		Code:           code,
		Value:          value,
		Used:           row.used,
		UsedUnixUTC:    row.usedUnix,
		CreatedUnixUTC: row.createdUnix,
	}
	if row.usedBy != "" {
		usedBy, err := ledger.NewUserID(row.usedBy)
		if err != nil {
			return ledger.Promo{}, err
		}
		promo.UsedBy = usedBy
	}
	return promo, nil
}

package httpapi

import (
	"encoding/json"

	"github.com/MarkoPoloResearchLab/starshop/internal/purchase"
	"github.com/MarkoPoloResearchLab/starshop/pkg/ledger"
)

type purchaseRequest struct {
	Handle   string `json:"handle" binding:"required"`
	Quantity int64  `json:"quantity"`
}

type redeemPromoRequest struct {
	Code string `json:"code" binding:"required"`
}

type createPromoRequest struct {
	Code  string `json:"code" binding:"required"`
	Value string `json:"value" binding:"required"`
}

type adjustBalanceRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
}

type amountPayload struct {
	Cents   int64  `json:"cents"`
	Display string `json:"display"`
}

func newAmountPayload(cents int64) amountPayload {
	return amountPayload{Cents: cents, Display: ledger.SignedAmountCents(cents).String()}
}

type walletResponse struct {
	UserID           string               `json:"user_id"`
	Balance          amountPayload        `json:"balance"`
	Blocked          bool                 `json:"blocked"`
	NextBonusUnixUTC int64                `json:"next_bonus_unix_utc"`
	UnitPrice        amountPayload        `json:"unit_price"`
	Transactions     []transactionPayload `json:"transactions"`
	Purchases        []intentPayload      `json:"purchases"`
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	Kind           string          `json:"kind"`
	Amount         amountPayload   `json:"amount"`
	Description    string          `json:"description"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func newTransactionPayloads(transactions []ledger.Transaction) []transactionPayload {
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, transactionPayload{
			TransactionID:  transaction.TransactionID,
			Kind:           transaction.Kind.String(),
			Amount:         newAmountPayload(transaction.Amount.Int64()),
			Description:    transaction.Description,
			Metadata:       json.RawMessage(transaction.Metadata.String()),
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	return payloads
}

type intentPayload struct {
	IntentID        string        `json:"intent_id"`
	BuyerID         string        `json:"buyer_id"`
	RecipientHandle string        `json:"recipient_handle"`
	Quantity        int64         `json:"quantity"`
	Amount          amountPayload `json:"amount"`
	Status          string        `json:"status"`
	TransferRef     string        `json:"transfer_ref,omitempty"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	CreatedUnixUTC  int64         `json:"created_unix_utc"`
	UpdatedUnixUTC  int64         `json:"updated_unix_utc"`
}

func newIntentPayloads(intents []ledger.PurchaseIntent) []intentPayload {
	payloads := make([]intentPayload, 0, len(intents))
	for _, intent := range intents {
		payloads = append(payloads, intentPayload{
			IntentID:        intent.IntentID.String(),
			BuyerID:         intent.BuyerID.String(),
			RecipientHandle: intent.RecipientHandle,
			Quantity:        intent.Quantity.Int64(),
			Amount:          newAmountPayload(intent.AmountCharged.Int64()),
			Status:          intent.Status.String(),
			TransferRef:     intent.TransferRef,
			FailureReason:   intent.FailureReason,
			CreatedUnixUTC:  intent.CreatedUnixUTC,
			UpdatedUnixUTC:  intent.UpdatedUnixUTC,
		})
	}
	return payloads
}

type receiptPayload struct {
	IntentID    string        `json:"intent_id"`
	TransferRef string        `json:"transfer_ref"`
	Amount      amountPayload `json:"amount"`
	Quantity    int64         `json:"quantity"`
	Recipient   string        `json:"recipient"`
	State       string        `json:"state"`
}

func newReceiptPayload(receipt purchase.Receipt) receiptPayload {
	return receiptPayload{
		IntentID:    receipt.IntentID.String(),
		TransferRef: receipt.TransferRef.String(),
		Amount:      newAmountPayload(receipt.Amount.Int64()),
		Quantity:    receipt.Quantity.Int64(),
		Recipient:   receipt.Recipient,
		State:       string(receipt.State),
	}
}

type promoPayload struct {
	Code        string        `json:"code"`
	Value       amountPayload `json:"value"`
	Used        bool          `json:"used"`
	UsedBy      string        `json:"used_by,omitempty"`
	UsedUnixUTC int64         `json:"used_unix_utc,omitempty"`
}

func newPromoPayload(promo ledger.Promo) promoPayload {
	return promoPayload{
		Code:        promo.Code.String(),
		Value:       newAmountPayload(promo.Value.Int64()),
		Used:        promo.Used,
		UsedBy:      promo.UsedBy.String(),
		UsedUnixUTC: promo.UsedUnixUTC,
	}
}

type userPayload struct {
	UserID   string        `json:"user_id"`
	Username string        `json:"username"`
	Balance  amountPayload `json:"balance"`
	Blocked  bool          `json:"blocked"`
}

func newUserPayload(user ledger.User) userPayload {
	return userPayload{
		UserID:   user.UserID.String(),
		Username: user.Username,
		Balance:  newAmountPayload(user.Balance.Int64()),
		Blocked:  user.Blocked,
	}
}

type statsPayload struct {
	TotalUsers         int64         `json:"total_users"`
	BlockedUsers       int64         `json:"blocked_users"`
	TotalPromoCodes    int64         `json:"total_promo_codes"`
	UsedPromoCodes     int64         `json:"used_promo_codes"`
	CompletedPurchases int64         `json:"completed_purchases"`
	TotalUnitsSold     int64         `json:"total_units_sold"`
	TotalBalance       amountPayload `json:"total_balance"`
}

type configPayload struct {
	UnitPrice         amountPayload `json:"unit_price"`
	DailyBonus        amountPayload `json:"daily_bonus"`
	SettleWaitSeconds float64       `json:"settle_wait_seconds"`
	Admins            int           `json:"admins"`
}

package ledger

const (
	operationEnsureUser       = "ensure_user"
	operationSetBlocked       = "set_blocked"
	operationCreateIntent     = "create_intent"
	operationFinalizePurchase = "finalize_purchase"
	operationCredit           = "credit"
	operationDebit            = "debit"
	operationRedeemPromo      = "redeem_promo"
	operationClaimBonus       = "claim_bonus"
	operationCreatePromo      = "create_promo"
	operationDeletePromo      = "delete_promo"

	operationStatusOK    = "ok"
	operationStatusNoop  = "noop"
	operationStatusError = "error"

	dailyBonusIntervalSeconds int64 = 24 * 60 * 60

	metadataKeyIntentID    = "intent_id"
	metadataKeyTransferRef = "transfer_ref"
	metadataKeyRecipient   = "recipient"
	metadataKeyQuantity    = "quantity"
	metadataKeyPromoCode   = "promo_code"

	defaultListLimit = 10
	maxListLimit     = 200
)

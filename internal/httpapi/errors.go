package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/starshop/internal/buyerlock"
	"github.com/MarkoPoloResearchLab/starshop/internal/config"
	"github.com/MarkoPoloResearchLab/starshop/internal/marketplace"
	"github.com/MarkoPoloResearchLab/starshop/internal/purchase"
	"github.com/MarkoPoloResearchLab/starshop/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorMapping struct {
	err     error
	status  int
	code    string
	message string
}

// Order matters: a failed purchase wraps its cause, so it is matched first.
var errorMappings = []errorMapping{
	{err: purchase.ErrPurchaseFailed, status: http.StatusBadGateway, code: "purchase_failed", message: "the purchase did not complete, please contact support"},
	{err: buyerlock.ErrBusy, status: http.StatusConflict, code: "purchase_in_progress", message: "another purchase is still in progress"},
	{err: ledger.ErrInvalidQuantity, status: http.StatusBadRequest, code: "invalid_quantity", message: "quantity must be a positive integer"},
	{err: ledger.ErrInvalidRecipient, status: http.StatusBadRequest, code: "invalid_recipient", message: "recipient handle is invalid"},
	{err: ledger.ErrInvalidPromoCode, status: http.StatusBadRequest, code: "invalid_promo_code", message: "promo code is invalid"},
	{err: ledger.ErrInvalidAmountCents, status: http.StatusBadRequest, code: "invalid_amount", message: "amount is invalid"},
	{err: ledger.ErrInvalidSignedAmount, status: http.StatusBadRequest, code: "invalid_amount", message: "amount is invalid"},
	{err: ledger.ErrInvalidUserID, status: http.StatusBadRequest, code: "invalid_user_id", message: "user id is invalid"},
	{err: ledger.ErrUserBlocked, status: http.StatusForbidden, code: "user_blocked", message: "your account is blocked"},
	{err: ledger.ErrUnknownUser, status: http.StatusNotFound, code: "unknown_user", message: "user not found"},
	{err: ledger.ErrInsufficientFunds, status: http.StatusPaymentRequired, code: "insufficient_funds", message: "insufficient balance"},
	{err: ledger.ErrPromoNotFound, status: http.StatusNotFound, code: "promo_not_found", message: "promo code not found"},
	{err: ledger.ErrPromoAlreadyUsed, status: http.StatusConflict, code: "promo_already_used", message: "promo code was already used"},
	{err: ledger.ErrPromoExists, status: http.StatusConflict, code: "promo_exists", message: "promo code already exists"},
	{err: ledger.ErrBonusTooSoon, status: http.StatusTooManyRequests, code: "bonus_too_soon", message: "daily bonus was already claimed"},
	{err: marketplace.ErrRecipientNotFound, status: http.StatusNotFound, code: "recipient_not_found", message: "recipient not found"},
	{err: marketplace.ErrSessionRejected, status: http.StatusUnprocessableEntity, code: "marketplace_rejected", message: "the marketplace declined the purchase"},
	{err: marketplace.ErrQuoteRejected, status: http.StatusUnprocessableEntity, code: "marketplace_rejected", message: "the marketplace declined the purchase"},
	{err: marketplace.ErrInvalidRequest, status: http.StatusBadRequest, code: "invalid_request", message: "the purchase request is invalid"},
	{err: marketplace.ErrGatewayUnavailable, status: http.StatusBadGateway, code: "marketplace_unavailable", message: "the marketplace is unavailable, try again later"},
	{err: config.ErrInvalidConfig, status: http.StatusUnprocessableEntity, code: "invalid_config", message: "configuration is invalid"},
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.err) {
			ctx.JSON(mapping.status, errorResponse(mapping.code, mapping.message))
			return
		}
	}
	handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "internal error"))
}

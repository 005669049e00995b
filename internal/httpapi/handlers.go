package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/starshop/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const pendingIntentsLimit = 200

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID := getUserID(ctx)
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	wallet, err := handler.fetchWallet(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": wallet})
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	userID := getUserID(ctx)
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	release, err := handler.locker.Acquire(ctx.Request.Context(), userID.String())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	defer release()

	receipt, err := handler.purchaser.Purchase(ctx.Request.Context(), userID, request.Handle, request.Quantity)
	if err != nil {
		handler.logger.Info("purchase rejected",
			zap.String("user_id", userID.String()),
			zap.String("intent_id", receipt.IntentID.String()),
			zap.String("state", string(receipt.State)),
			zap.Error(err),
		)
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"purchase": newReceiptPayload(receipt)})
}

func (handler *httpHandler) handleRedeemPromo(ctx *gin.Context) {
	userID := getUserID(ctx)
	var request redeemPromoRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	code, err := ledger.NewPromoCode(request.Code)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	credited, err := handler.ledger.RedeemPromo(requestCtx, code, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.respondCredited(ctx, requestCtx, userID, credited)
}

func (handler *httpHandler) handleClaimBonus(ctx *gin.Context) {
	userID := getUserID(ctx)
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	credited, err := handler.ledger.ClaimDailyBonus(requestCtx, userID, handler.config.Current().DailyBonus)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.respondCredited(ctx, requestCtx, userID, credited)
}

func (handler *httpHandler) respondCredited(ctx *gin.Context, requestCtx context.Context, userID ledger.UserID, credited ledger.PositiveAmountCents) {
	user, err := handler.ledger.User(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"credited": newAmountPayload(credited.Int64()),
		"balance":  newAmountPayload(user.Balance.Int64()),
	})
}

func (handler *httpHandler) fetchWallet(ctx context.Context, userID ledger.UserID) (*walletResponse, error) {
	user, err := handler.ledger.User(ctx, userID)
	if err != nil {
		return nil, err
	}
	nextBonus, err := handler.ledger.NextBonusUnixUTC(ctx, userID)
	if err != nil {
		return nil, err
	}
	transactions, err := handler.ledger.ListTransactions(ctx, userID, "", handler.cfg.WalletHistoryLimit)
	if err != nil {
		return nil, err
	}
	purchases, err := handler.ledger.ListPurchases(ctx, userID, handler.cfg.WalletHistoryLimit)
	if err != nil {
		return nil, err
	}
	return &walletResponse{
		UserID:           user.UserID.String(),
		Balance:          newAmountPayload(user.Balance.Int64()),
		Blocked:          user.Blocked,
		NextBonusUnixUTC: nextBonus,
		UnitPrice:        newAmountPayload(handler.config.Current().UnitPrice.Int64()),
		Transactions:     newTransactionPayloads(transactions),
		Purchases:        newIntentPayloads(purchases),
	}, nil
}

func (handler *httpHandler) handleListPromos(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	promos, err := handler.ledger.ListPromos(requestCtx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]promoPayload, 0, len(promos))
	for _, promo := range promos {
		payloads = append(payloads, newPromoPayload(promo))
	}
	ctx.JSON(http.StatusOK, gin.H{"promos": payloads})
}

func (handler *httpHandler) handleCreatePromo(ctx *gin.Context) {
	var request createPromoRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	code, err := ledger.NewPromoCode(request.Code)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	value, err := ledger.ParseAmount(request.Value)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	if err := handler.ledger.CreatePromo(requestCtx, code, value); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"promo": promoPayload{Code: code.String(), Value: newAmountPayload(value.Int64())}})
}

func (handler *httpHandler) handleDeletePromo(ctx *gin.Context) {
	code, err := ledger.NewPromoCode(ctx.Param("code"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	if err := handler.ledger.DeletePromo(requestCtx, code); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (handler *httpHandler) handleAdjustBalance(ctx *gin.Context) {
	userID, err := ledger.NewUserID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request adjustBalanceRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	delta, err := ledger.ParseSignedAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	if err := handler.ledger.AdjustBalance(requestCtx, userID, delta, request.Description); err != nil {
		handler.respondError(ctx, err)
		return
	}
	user, err := handler.ledger.User(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.logger.Info("balance adjusted",
		zap.String("admin_id", getUserID(ctx).String()),
		zap.String("user_id", userID.String()),
		zap.String("delta", delta.String()),
	)
	ctx.JSON(http.StatusOK, gin.H{"user": newUserPayload(user)})
}

func (handler *httpHandler) handleSetBlocked(blocked bool) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		userID, err := ledger.NewUserID(ctx.Param("id"))
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
		defer cancel()
		if err := handler.ledger.SetBlocked(requestCtx, userID, blocked); err != nil {
			handler.respondError(ctx, err)
			return
		}
		user, err := handler.ledger.User(requestCtx, userID)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"user": newUserPayload(user)})
	}
}

func (handler *httpHandler) handleStats(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	stats, err := handler.ledger.Stats(requestCtx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"stats": statsPayload{
		TotalUsers:         stats.TotalUsers,
		BlockedUsers:       stats.BlockedUsers,
		TotalPromoCodes:    stats.TotalPromoCodes,
		UsedPromoCodes:     stats.UsedPromoCodes,
		CompletedPurchases: stats.CompletedPurchases,
		TotalUnitsSold:     stats.TotalUnitsSold,
		TotalBalance:       newAmountPayload(stats.TotalBalance.Int64()),
	}})
}

func (handler *httpHandler) handlePendingIntents(ctx *gin.Context) {
	olderThan := defaultPendingOlderThan
	if raw := strings.TrimSpace(ctx.Query("older_than")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_duration", "older_than must be a duration such as 10m"))
			return
		}
		olderThan = parsed
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	intents, err := handler.ledger.ListPendingIntents(requestCtx, int64(olderThan/time.Second), pendingIntentsLimit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"intents": newIntentPayloads(intents)})
}

func (handler *httpHandler) handleReloadConfig(ctx *gin.Context) {
	snapshot, err := handler.config.Reload()
	if err != nil {
		handler.logger.Warn("config reload failed", zap.Error(err))
		handler.respondError(ctx, err)
		return
	}
	handler.logger.Info("config reloaded", zap.String("admin_id", getUserID(ctx).String()))
	ctx.JSON(http.StatusOK, gin.H{"config": configPayload{
		UnitPrice:         newAmountPayload(snapshot.UnitPrice.Int64()),
		DailyBonus:        newAmountPayload(snapshot.DailyBonus.Int64()),
		SettleWaitSeconds: snapshot.SettleWait.Seconds(),
		Admins:            len(snapshot.AdminIDs),
	}})
}

// Package httpapi exposes the shop to the front end and to administrators over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/starshop/internal/buyerlock"
	"github.com/MarkoPoloResearchLab/starshop/internal/config"
	"github.com/MarkoPoloResearchLab/starshop/internal/metrics"
	"github.com/MarkoPoloResearchLab/starshop/internal/purchase"
	"github.com/MarkoPoloResearchLab/starshop/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Ledger is the ledger surface served over HTTP.
type Ledger interface {
	EnsureUser(ctx context.Context, profile ledger.UserProfile) (ledger.User, error)
	User(ctx context.Context, userID ledger.UserID) (ledger.User, error)
	NextBonusUnixUTC(ctx context.Context, userID ledger.UserID) (int64, error)
	ListTransactions(ctx context.Context, userID ledger.UserID, kind ledger.TransactionKind, limit int) ([]ledger.Transaction, error)
	ListPurchases(ctx context.Context, buyerID ledger.UserID, limit int) ([]ledger.PurchaseIntent, error)
	RedeemPromo(ctx context.Context, code ledger.PromoCode, userID ledger.UserID) (ledger.PositiveAmountCents, error)
	ClaimDailyBonus(ctx context.Context, userID ledger.UserID, amount ledger.PositiveAmountCents) (ledger.PositiveAmountCents, error)
	CreatePromo(ctx context.Context, code ledger.PromoCode, value ledger.PositiveAmountCents) error
	DeletePromo(ctx context.Context, code ledger.PromoCode) error
	ListPromos(ctx context.Context) ([]ledger.Promo, error)
	AdjustBalance(ctx context.Context, userID ledger.UserID, delta ledger.SignedAmountCents, description string) error
	SetBlocked(ctx context.Context, userID ledger.UserID, blocked bool) error
	Stats(ctx context.Context) (ledger.Stats, error)
	ListPendingIntents(ctx context.Context, olderThanSeconds int64, limit int) ([]ledger.PurchaseIntent, error)
}

// Purchaser runs purchase flows.
type Purchaser interface {
	Purchase(ctx context.Context, buyerID ledger.UserID, handle string, quantity int64) (purchase.Receipt, error)
}

// ConfigProvider serves and reloads the configuration snapshot.
type ConfigProvider interface {
	Current() *config.Snapshot
	Reload() (*config.Snapshot, error)
}

// Dependencies are the collaborators behind the HTTP routes.
type Dependencies struct {
	Ledger    Ledger
	Purchaser Purchaser
	Locker    buyerlock.Locker
	Config    ConfigProvider
	Logger    *zap.Logger
}

func (deps Dependencies) validate() error {
	switch {
	case deps.Ledger == nil:
		return errors.New("httpapi: ledger is nil")
	case deps.Purchaser == nil:
		return errors.New("httpapi: purchaser is nil")
	case deps.Locker == nil:
		return errors.New("httpapi: locker is nil")
	case deps.Config == nil:
		return errors.New("httpapi: config provider is nil")
	}
	return nil
}

// NewRouter builds the gin engine with session authentication.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger:    deps.Logger,
		ledger:    deps.Ledger,
		purchaser: deps.Purchaser,
		locker:    deps.Locker,
		config:    deps.Config,
		cfg:       cfg,
	}
	return setupRouter(cfg, handler, validator), nil
}

// Run serves handler until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, listenAddr string, handler http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", listenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.Middleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.Use(handler.ensureUser)

	api.GET("/wallet", handler.handleWallet)
	api.POST("/purchases", handler.handlePurchase)
	api.POST("/promo/redeem", handler.handleRedeemPromo)
	api.POST("/bonus/claim", handler.handleClaimBonus)

	admin := api.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.GET("/promo", handler.handleListPromos)
	admin.POST("/promo", handler.handleCreatePromo)
	admin.DELETE("/promo/:code", handler.handleDeletePromo)
	admin.POST("/users/:id/adjust", handler.handleAdjustBalance)
	admin.POST("/users/:id/block", handler.handleSetBlocked(true))
	admin.POST("/users/:id/unblock", handler.handleSetBlocked(false))
	admin.GET("/stats", handler.handleStats)
	admin.GET("/intents/pending", handler.handlePendingIntents)
	admin.POST("/config/reload", handler.handleReloadConfig)

	return router
}

type httpHandler struct {
	logger    *zap.Logger
	ledger    Ledger
	purchaser Purchaser
	locker    buyerlock.Locker
	config    ConfigProvider
	cfg       Config
}

func (handler *httpHandler) ensureUser(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	if _, err := handler.ledger.EnsureUser(requestCtx, ledger.UserProfile{
		UserID:    userID,
		Username:  claims.GetUserEmail(),
		FirstName: claims.GetUserDisplayName(),
	}); err != nil {
		handler.respondError(ctx, err)
		ctx.Abort()
		return
	}
	ctx.Set(userIDContextKey, userID)
	ctx.Next()
}

func (handler *httpHandler) requireAdmin(ctx *gin.Context) {
	userID := getUserID(ctx)
	if !handler.config.Current().IsAdmin(userID.String()) {
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "administrator access required"))
		return
	}
	ctx.Next()
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func getUserID(ctx *gin.Context) ledger.UserID {
	value, _ := ctx.Get(userIDContextKey)
	userID, _ := value.(ledger.UserID)
	return userID
}

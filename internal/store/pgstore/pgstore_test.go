package pgstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MarkoPoloResearchLab/starshop/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/starshop/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const postgresURLEnv = "STARSHOP_TEST_POSTGRES_URL"

// newPostgresStore migrates a throwaway schema and returns a Store bound to it.
func newPostgresStore(test *testing.T) *Store {
	test.Helper()
	baseURL := os.Getenv(postgresURLEnv)
	if baseURL == "" {
		test.Skip(postgresURLEnv + " not set")
	}
	ctx := context.Background()
	admin, err := pgxpool.New(ctx, baseURL)
	if err != nil {
		test.Fatalf("admin pool: %v", err)
	}
	test.Cleanup(admin.Close)
	if err := admin.Ping(ctx); err != nil {
		test.Skipf("postgres unavailable: %v", err)
	}
	schema := "starshop_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		test.Fatalf("create schema: %v", err)
	}
	test.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
	})

	parsed, err := url.Parse(baseURL)
	if err != nil {
		test.Fatalf("parse %s: %v", postgresURLEnv, err)
	}
	query := parsed.Query()
	query.Set("search_path", schema)
	parsed.RawQuery = query.Encode()
	schemaURL := parsed.String()

	db, err := gorm.Open(postgres.Open(schemaURL), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		test.Fatalf("open gorm: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	if err := gormstore.Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	_ = sqlDB.Close()

	pool, err := pgxpool.New(ctx, schemaURL)
	if err != nil {
		test.Fatalf("pool: %v", err)
	}
	test.Cleanup(pool.Close)
	return New(pool)
}

func newPostgresService(test *testing.T) (*ledger.Service, *int64) {
	test.Helper()
	store := newPostgresStore(test)
	now := int64(1_700_000_000)
	service, err := ledger.NewService(store, func() int64 { return atomic.AddInt64(&now, 1) })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service, &now
}

func mustEnsureUser(test *testing.T, service *ledger.Service, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	if _, err := service.EnsureUser(context.Background(), ledger.UserProfile{UserID: userID, Username: raw}); err != nil {
		test.Fatalf("ensure user: %v", err)
	}
	return userID
}

func TestConcurrentPromoRedemptionOnPostgres(test *testing.T) {
	test.Parallel()
	service, _ := newPostgresService(test)
	ctx := context.Background()
	code, err := ledger.NewPromoCode("ONCE")
	if err != nil {
		test.Fatalf("promo code: %v", err)
	}
	if err := service.CreatePromo(ctx, code, 1000); err != nil {
		test.Fatalf("create promo: %v", err)
	}
	if err := service.CreatePromo(ctx, code, 1000); !errors.Is(err, ledger.ErrPromoExists) {
		test.Fatalf("expected ErrPromoExists, got %v", err)
	}

	const contenders = 8
	userIDs := make([]ledger.UserID, contenders)
	for index := range userIDs {
		userIDs[index] = mustEnsureUser(test, service, fmt.Sprintf("racer-%d", index))
	}
	var (
		waitGroup sync.WaitGroup
		winners   atomic.Int32
		start     = make(chan struct{})
	)
	for _, userID := range userIDs {
		userID := userID
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			<-start
			_, err := service.RedeemPromo(ctx, code, userID)
			if err == nil {
				winners.Add(1)
				return
			}
			if !errors.Is(err, ledger.ErrPromoAlreadyUsed) {
				test.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	waitGroup.Wait()
	if winners.Load() != 1 {
		test.Fatalf("expected exactly one winner, got %d", winners.Load())
	}
	stats, err := service.Stats(ctx)
	if err != nil {
		test.Fatalf("stats: %v", err)
	}
	if stats.TotalBalance != 1000 || stats.UsedPromoCodes != 1 {
		test.Fatalf("unexpected stats %+v", stats)
	}
}

func TestConcurrentFinalizeAppliesOnceOnPostgres(test *testing.T) {
	test.Parallel()
	service, _ := newPostgresService(test)
	ctx := context.Background()
	buyerID := mustEnsureUser(test, service, "buyer-1")
	if err := service.Deposit(ctx, buyerID, 10_000, "seed"); err != nil {
		test.Fatalf("deposit: %v", err)
	}
	intentID, err := service.CreatePurchaseIntent(ctx, buyerID, "@alice", 10, 2_500)
	if err != nil {
		test.Fatalf("create intent: %v", err)
	}
	transferRef, err := ledger.NewTransferRef("tx-hash-1")
	if err != nil {
		test.Fatalf("transfer ref: %v", err)
	}

	const finalizers = 8
	var (
		waitGroup sync.WaitGroup
		start     = make(chan struct{})
	)
	for worker := 0; worker < finalizers; worker++ {
		outcome := ledger.CompletedOutcome(transferRef)
		if worker%2 == 1 {
			outcome = ledger.FailedOutcome("racing failure")
		}
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			<-start
			if err := service.FinalizePurchase(ctx, intentID, outcome); err != nil {
				test.Errorf("finalize: %v", err)
			}
		}()
	}
	close(start)
	waitGroup.Wait()

	intent, err := service.Intent(ctx, intentID)
	if err != nil {
		test.Fatalf("intent: %v", err)
	}
	balance, err := service.Balance(ctx, buyerID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	purchases, err := service.ListTransactions(ctx, buyerID, ledger.TransactionPurchase, 10)
	if err != nil {
		test.Fatalf("list purchases: %v", err)
	}
	switch intent.Status {
	case ledger.IntentStatusCompleted:
		if balance != 7_500 || len(purchases) != 1 || intent.TransferRef != "tx-hash-1" {
			test.Fatalf("completed intent must debit once: balance %s, purchases %d", balance, len(purchases))
		}
	case ledger.IntentStatusFailed:
		if balance != 10_000 || len(purchases) != 0 || intent.TransferRef != "" {
			test.Fatalf("failed intent must not debit: balance %s, purchases %d", balance, len(purchases))
		}
	default:
		test.Fatalf("expected a terminal intent, got %s", intent.Status)
	}
}

func TestDailyBonusOnPostgres(test *testing.T) {
	test.Parallel()
	service, now := newPostgresService(test)
	ctx := context.Background()
	userID := mustEnsureUser(test, service, "bonus-1")

	if _, err := service.ClaimDailyBonus(ctx, userID, 100); err != nil {
		test.Fatalf("first claim: %v", err)
	}
	if _, err := service.ClaimDailyBonus(ctx, userID, 100); !errors.Is(err, ledger.ErrBonusTooSoon) {
		test.Fatalf("expected ErrBonusTooSoon, got %v", err)
	}
	atomic.AddInt64(now, 24*60*60)
	if _, err := service.ClaimDailyBonus(ctx, userID, 100); err != nil {
		test.Fatalf("claim after a day: %v", err)
	}
	if err := service.Debit(ctx, userID, 1_000, ledger.TransactionAdminAdjustment, "overdraw"); !errors.Is(err, ledger.ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	balance, err := service.Balance(ctx, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 200 {
		test.Fatalf("expected 200, got %s", balance)
	}
}

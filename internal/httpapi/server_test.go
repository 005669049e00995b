package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/starshop/internal/buyerlock"
	"github.com/MarkoPoloResearchLab/starshop/internal/config"
	"github.com/MarkoPoloResearchLab/starshop/internal/marketplace"
	"github.com/MarkoPoloResearchLab/starshop/internal/purchase"
	"github.com/MarkoPoloResearchLab/starshop/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/starshop/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testSigningKey = "secret-key"
	testIssuer     = "tauth"
	testCookieName = "app_session"
	testAdminID    = "admin-1"
)

type stubPurchaser struct {
	receipt purchase.Receipt
	err     error
	calls   atomic.Int32
}

func (purchaser *stubPurchaser) Purchase(_ context.Context, buyerID ledger.UserID, handle string, quantity int64) (purchase.Receipt, error) {
	purchaser.calls.Add(1)
	return purchaser.receipt, purchaser.err
}

type testServer struct {
	server    *httptest.Server
	service   *ledger.Service
	purchaser *stubPurchaser
	locker    *buyerlock.MemoryLocker
}

func newTestServer(test *testing.T) *testServer {
	test.Helper()
	path := filepath.Join(test.TempDir(), "api.db")
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	now := int64(1_700_000_000)
	service, err := ledger.NewService(gormstore.New(db), func() int64 { return atomic.AddInt64(&now, 1) })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	provider, err := config.NewStaticProvider(config.Snapshot{
		UnitPrice:  250,
		DailyBonus: 1000,
		AdminIDs:   []string{testAdminID},
	})
	if err != nil {
		test.Fatalf("config provider: %v", err)
	}
	purchaser := &stubPurchaser{}
	locker := buyerlock.NewMemoryLocker()
	router, err := NewRouter(Config{
		SessionSigningKey: testSigningKey,
		SessionIssuer:     testIssuer,
		SessionCookieName: testCookieName,
	}, Dependencies{
		Ledger:    service,
		Purchaser: purchaser,
		Locker:    locker,
		Config:    provider,
	})
	if err != nil {
		test.Fatalf("new router: %v", err)
	}
	server := httptest.NewServer(router)
	test.Cleanup(server.Close)
	return &testServer{server: server, service: service, purchaser: purchaser, locker: locker}
}

func buildSessionCookie(test *testing.T, userID string) *http.Cookie {
	test.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       userID + "@example.com",
		UserDisplayName: "Test " + userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: testCookieName, Value: signed}
}

func (fixture *testServer) do(test *testing.T, method string, path string, userID string, payload any) (int, map[string]any) {
	test.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			test.Fatalf("encode payload: %v", err)
		}
	}
	request, err := http.NewRequest(method, fixture.server.URL+path, &body)
	if err != nil {
		test.Fatalf("request init failed: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if userID != "" {
		request.AddCookie(buildSessionCookie(test, userID))
	}
	response, err := fixture.server.Client().Do(request)
	if err != nil {
		test.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	decoded := map[string]any{}
	if response.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
			test.Fatalf("decode response for %s %s: %v", method, path, err)
		}
	}
	return response.StatusCode, decoded
}

func errorCode(body map[string]any) string {
	envelope, _ := body["error"].(map[string]any)
	code, _ := envelope["code"].(string)
	return code
}

func lookup(body map[string]any, keys ...string) any {
	var current any = body
	for _, key := range keys {
		asMap, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = asMap[key]
	}
	return current
}

func (fixture *testServer) deposit(test *testing.T, rawUserID string, amount string) {
	test.Helper()
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	if _, err := fixture.service.EnsureUser(context.Background(), ledger.UserProfile{UserID: userID}); err != nil {
		test.Fatalf("ensure user: %v", err)
	}
	parsed, err := ledger.ParseAmount(amount)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	if err := fixture.service.Deposit(context.Background(), userID, parsed, ""); err != nil {
		test.Fatalf("deposit: %v", err)
	}
}

func TestHealthzAndAuth(test *testing.T) {
	test.Parallel()
	fixture := newTestServer(test)
	if status, body := fixture.do(test, http.MethodGet, "/healthz", "", nil); status != http.StatusOK || body["status"] != "ok" {
		test.Fatalf("unexpected healthz %d %v", status, body)
	}
	if status, _ := fixture.do(test, http.MethodGet, "/api/wallet", "", nil); status != http.StatusUnauthorized {
		test.Fatalf("expected 401 without session, got %d", status)
	}
}

func TestWalletCreatesUserOnFirstContact(test *testing.T) {
	test.Parallel()
	fixture := newTestServer(test)
	status, body := fixture.do(test, http.MethodGet, "/api/wallet", "user-1", nil)
	if status != http.StatusOK {
		test.Fatalf("unexpected status %d: %v", status, body)
	}
	if lookup(body, "wallet", "user_id") != "user-1" || lookup(body, "wallet", "balance", "display") != "0.00" {
		test.Fatalf("unexpected wallet %v", body)
	}
	if lookup(body, "wallet", "unit_price", "display") != "2.50" {
		test.Fatalf("expected unit price in wallet, got %v", body)
	}
	userID, _ := ledger.NewUserID("user-1")
	user, err := fixture.service.User(context.Background(), userID)
	if err != nil {
		test.Fatalf("user must exist after first request: %v", err)
	}
	if user.Username != "user-1@example.com" {
		test.Fatalf("expected profile from session, got %+v", user)
	}
}

func TestPurchaseEndpoint(test *testing.T) {
	test.Parallel()
	fixture := newTestServer(test)
	intentID, err := ledger.NewIntentID("intent-1")
	if err != nil {
		test.Fatalf("intent id: %v", err)
	}
	transferRef, err := ledger.NewTransferRef("tx-1")
	if err != nil {
		test.Fatalf("transfer ref: %v", err)
	}
	fixture.purchaser.receipt = purchase.Receipt{
		IntentID:    intentID,
		TransferRef: transferRef,
		Amount:      2500,
		Quantity:    10,
		Recipient:   "@alice",
		State:       purchase.StateCompleted,
	}
	status, body := fixture.do(test, http.MethodPost, "/api/purchases", "buyer-1", map[string]any{"handle": "alice", "quantity": 10})
	if status != http.StatusOK {
		test.Fatalf("unexpected status %d: %v", status, body)
	}
	if lookup(body, "purchase", "state") != "completed" || lookup(body, "purchase", "transfer_ref") != "tx-1" || lookup(body, "purchase", "amount", "display") != "25.00" {
		test.Fatalf("unexpected receipt %v", body)
	}
}

func TestPurchaseRejectedWhileInProgress(test *testing.T) {
	test.Parallel()
	fixture := newTestServer(test)
	release, err := fixture.locker.Acquire(context.Background(), "buyer-2")
	if err != nil {
		test.Fatalf("acquire: %v", err)
	}
	defer release()
	status, body := fixture.do(test, http.MethodPost, "/api/purchases", "buyer-2", map[string]any{"handle": "@alice", "quantity": 10})
	if status != http.StatusConflict || errorCode(body) != "purchase_in_progress" {
		test.Fatalf("expected 409 purchase_in_progress, got %d %v", status, body)
	}
	if fixture.purchaser.calls.Load() != 0 {
		test.Fatalf("purchase must not run while the buyer is locked")
	}
}

func TestPurchaseErrorMapping(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "insufficient funds", err: ledger.ErrInsufficientFunds, wantStatus: http.StatusPaymentRequired, wantCode: "insufficient_funds"},
		{name: "recipient not found", err: marketplace.ErrRecipientNotFound, wantStatus: http.StatusNotFound, wantCode: "recipient_not_found"},
		{name: "session rejected", err: marketplace.ErrSessionRejected, wantStatus: http.StatusUnprocessableEntity, wantCode: "marketplace_rejected"},
		{name: "gateway unavailable", err: marketplace.ErrGatewayUnavailable, wantStatus: http.StatusBadGateway, wantCode: "marketplace_unavailable"},
		{name: "blocked", err: ledger.ErrUserBlocked, wantStatus: http.StatusForbidden, wantCode: "user_blocked"},
		{name: "invalid quantity", err: ledger.ErrInvalidQuantity, wantStatus: http.StatusBadRequest, wantCode: "invalid_quantity"},
		{
			name:       "failure after intent",
			err:        fmt.Errorf("%w: %w", purchase.ErrPurchaseFailed, ledger.ErrInsufficientFunds),
			wantStatus: http.StatusBadGateway,
			wantCode:   "purchase_failed",
		},
		{name: "unexpected", err: fmt.Errorf("disk on fire"), wantStatus: http.StatusInternalServerError, wantCode: "internal_error"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newTestServer(test)
			fixture.purchaser.err = testCase.err
			status, body := fixture.do(test, http.MethodPost, "/api/purchases", "buyer-3", map[string]any{"handle": "@alice", "quantity": 10})
			if status != testCase.wantStatus || errorCode(body) != testCase.wantCode {
				test.Fatalf("expected %d %s, got %d %v", testCase.wantStatus, testCase.wantCode, status, body)
			}
			if _, err := fixture.locker.Acquire(context.Background(), "buyer-3"); err != nil {
				test.Fatalf("lock must be released after the request: %v", err)
			}
		})
	}
}

func TestPromoLifecycle(test *testing.T) {
	test.Parallel()
	fixture := newTestServer(test)

	if status, body := fixture.do(test, http.MethodPost, "/api/admin/promo", "user-7", map[string]any{"code": "SPRING", "value": "15.00"}); status != http.StatusForbidden || errorCode(body) != "forbidden" {
		test.Fatalf("expected 403 for non-admin, got %d %v", status, body)
	}
	if status, body := fixture.do(test, http.MethodPost, "/api/admin/promo", testAdminID, map[string]any{"code": "SPRING", "value": "15.00"}); status != http.StatusCreated {
		test.Fatalf("create promo: %d %v", status, body)
	}
	if status, body := fixture.do(test, http.MethodPost, "/api/admin/promo", testAdminID, map[string]any{"code": "SPRING", "value": "5.00"}); status != http.StatusConflict || errorCode(body) != "promo_exists" {
		test.Fatalf("expected promo_exists, got %d %v", status, body)
	}

	status, body := fixture.do(test, http.MethodPost, "/api/promo/redeem", "user-7", map[string]any{"code": "SPRING"})
	if status != http.StatusOK || lookup(body, "credited", "display") != "15.00" || lookup(body, "balance", "display") != "15.00" {
		test.Fatalf("unexpected redeem %d %v", status, body)
	}
	if status, body := fixture.do(test, http.MethodPost, "/api/promo/redeem", "user-8", map[string]any{"code": "SPRING"}); status != http.StatusConflict || errorCode(body) != "promo_already_used" {
		test.Fatalf("expected promo_already_used, got %d %v", status, body)
	}
	if status, body := fixture.do(test, http.MethodPost, "/api/promo/redeem", "user-8", map[string]any{"code": "MISSING"}); status != http.StatusNotFound || errorCode(body) != "promo_not_found" {
		test.Fatalf("expected promo_not_found, got %d %v", status, body)
	}

	status, body = fixture.do(test, http.MethodGet, "/api/admin/promo", testAdminID, nil)
	promos, _ := body["promos"].([]any)
	if status != http.StatusOK || len(promos) != 1 || lookup(promos[0].(map[string]any), "used") != true {
		test.Fatalf("unexpected promo list %d %v", status, body)
	}
	if status, _ := fixture.do(test, http.MethodDelete, "/api/admin/promo/SPRING", testAdminID, nil); status != http.StatusNoContent {
		test.Fatalf("expected 204 on delete, got %d", status)
	}
	if status, body := fixture.do(test, http.MethodDelete, "/api/admin/promo/SPRING", testAdminID, nil); status != http.StatusNotFound {
		test.Fatalf("expected 404 on second delete, got %d %v", status, body)
	}
}

func TestClaimBonusOncePerDay(test *testing.T) {
	test.Parallel()
	fixture := newTestServer(test)
	status, body := fixture.do(test, http.MethodPost, "/api/bonus/claim", "user-9", nil)
	if status != http.StatusOK || lookup(body, "credited", "display") != "10.00" {
		test.Fatalf("unexpected claim %d %v", status, body)
	}
	if status, body := fixture.do(test, http.MethodPost, "/api/bonus/claim", "user-9", nil); status != http.StatusTooManyRequests || errorCode(body) != "bonus_too_soon" {
		test.Fatalf("expected bonus_too_soon, got %d %v", status, body)
	}
	status, body = fixture.do(test, http.MethodGet, "/api/wallet", "user-9", nil)
	if next, _ := lookup(body, "wallet", "next_bonus_unix_utc").(float64); status != http.StatusOK || next == 0 {
		test.Fatalf("expected next bonus time, got %d %v", status, body)
	}
}

func TestAdminUserManagement(test *testing.T) {
	test.Parallel()
	fixture := newTestServer(test)
	fixture.deposit(test, "user-10", "20.00")

	status, body := fixture.do(test, http.MethodPost, "/api/admin/users/user-10/adjust", testAdminID, map[string]any{"amount": "-5.50", "description": "refund correction"})
	if status != http.StatusOK || lookup(body, "user", "balance", "display") != "14.50" {
		test.Fatalf("unexpected adjust %d %v", status, body)
	}
	if status, body := fixture.do(test, http.MethodPost, "/api/admin/users/user-10/adjust", testAdminID, map[string]any{"amount": "-100.00"}); status != http.StatusPaymentRequired || errorCode(body) != "insufficient_funds" {
		test.Fatalf("expected insufficient_funds, got %d %v", status, body)
	}
	if status, body := fixture.do(test, http.MethodPost, "/api/admin/users/user-10/adjust", testAdminID, map[string]any{"amount": "1.001"}); status != http.StatusBadRequest || errorCode(body) != "invalid_amount" {
		test.Fatalf("expected invalid_amount, got %d %v", status, body)
	}
	if status, body := fixture.do(test, http.MethodPost, "/api/admin/users/ghost/adjust", testAdminID, map[string]any{"amount": "1.00"}); status != http.StatusNotFound || errorCode(body) != "unknown_user" {
		test.Fatalf("expected unknown_user, got %d %v", status, body)
	}

	status, body = fixture.do(test, http.MethodPost, "/api/admin/users/user-10/block", testAdminID, nil)
	if status != http.StatusOK || lookup(body, "user", "blocked") != true {
		test.Fatalf("unexpected block %d %v", status, body)
	}
	status, body = fixture.do(test, http.MethodPost, "/api/admin/users/user-10/unblock", testAdminID, nil)
	if status != http.StatusOK || lookup(body, "user", "blocked") != false {
		test.Fatalf("unexpected unblock %d %v", status, body)
	}

	status, body = fixture.do(test, http.MethodGet, "/api/admin/stats", testAdminID, nil)
	if status != http.StatusOK || lookup(body, "stats", "total_users") != float64(2) || lookup(body, "stats", "total_balance", "display") != "14.50" {
		test.Fatalf("unexpected stats %d %v", status, body)
	}
}

func TestAdminPendingIntentsAndReload(test *testing.T) {
	test.Parallel()
	fixture := newTestServer(test)
	fixture.deposit(test, "user-11", "50.00")
	userID, _ := ledger.NewUserID("user-11")
	if _, err := fixture.service.CreatePurchaseIntent(context.Background(), userID, "@alice", 10, 2500); err != nil {
		test.Fatalf("create intent: %v", err)
	}

	status, body := fixture.do(test, http.MethodGet, "/api/admin/intents/pending?older_than=0s", testAdminID, nil)
	intents, _ := body["intents"].([]any)
	if status != http.StatusOK || len(intents) != 1 || lookup(intents[0].(map[string]any), "status") != "pending" {
		test.Fatalf("unexpected pending intents %d %v", status, body)
	}
	if status, body := fixture.do(test, http.MethodGet, "/api/admin/intents/pending?older_than=soon", testAdminID, nil); status != http.StatusBadRequest || errorCode(body) != "invalid_duration" {
		test.Fatalf("expected invalid_duration, got %d %v", status, body)
	}

	status, body = fixture.do(test, http.MethodPost, "/api/admin/config/reload", testAdminID, nil)
	if status != http.StatusOK || lookup(body, "config", "unit_price", "display") != "2.50" {
		test.Fatalf("unexpected reload %d %v", status, body)
	}
}

func TestConfigValidate(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		test.Fatalf("expected error without signing key")
	}
	cfg = Config{SessionSigningKey: "key"}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr || cfg.SessionCookieName != defaultSessionCookie || cfg.RequestTimeout != defaultRequestTimeout {
		test.Fatalf("expected defaults, got %+v", cfg)
	}
	origins := ParseAllowedOrigins(" http://a.example , ,http://b.example")
	if len(origins) != 2 || origins[1] != "http://b.example" {
		test.Fatalf("unexpected origins %v", origins)
	}
}

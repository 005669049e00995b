package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
)

const (
	stubOperationGetUser           = "get_user"
	stubOperationApplyBalanceDelta = "apply_balance_delta"
	stubOperationInsertTransaction = "insert_transaction"
	stubOperationInsertIntent      = "insert_intent"
	stubOperationGetIntent         = "get_intent"
	stubOperationUpdateIntent      = "update_intent_status"
	stubOperationMarkPromoUsed     = "mark_promo_used"
	stubOperationStampBonus        = "stamp_bonus_claim"
)

// stubStore is an in-memory Store. WithTx serializes units of work and rolls back state on error.
type stubStore struct {
	txMutex      sync.Mutex
	dataMutex    sync.Mutex
	users        map[string]User
	intents      map[string]PurchaseIntent
	promos       map[string]Promo
	transactions []Transaction
	failures     map[string]error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		users:    make(map[string]User),
		intents:  make(map[string]PurchaseIntent),
		promos:   make(map[string]Promo),
		failures: make(map[string]error),
	}
}

func (store *stubStore) failOn(operation string, err error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	store.failures[operation] = err
}

func (store *stubStore) failure(operation string) error {
	return store.failures[operation]
}

func (store *stubStore) seedUser(test *testing.T, rawUserID string, balance int64) UserID {
	test.Helper()
	userID := mustUserID(test, rawUserID)
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	store.users[userID.String()] = User{UserID: userID, Balance: AmountCents(balance), CreatedUnixUTC: 1}
	return userID
}

func (store *stubStore) balanceOf(test *testing.T, userID UserID) AmountCents {
	test.Helper()
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	user, ok := store.users[userID.String()]
	if !ok {
		test.Fatalf("unknown user %s", userID)
	}
	return user.Balance
}

func (store *stubStore) transactionsOf(userID UserID) []Transaction {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	var result []Transaction
	for _, transaction := range store.transactions {
		if transaction.UserID == userID {
			result = append(result, transaction)
		}
	}
	return result
}

func (store *stubStore) intentCount() int {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	return len(store.intents)
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMutex.Lock()
	defer store.txMutex.Unlock()
	snapshot := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

type stubSnapshot struct {
	users        map[string]User
	intents      map[string]PurchaseIntent
	promos       map[string]Promo
	transactions []Transaction
}

func (store *stubStore) snapshot() stubSnapshot {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	snapshot := stubSnapshot{
		users:        make(map[string]User, len(store.users)),
		intents:      make(map[string]PurchaseIntent, len(store.intents)),
		promos:       make(map[string]Promo, len(store.promos)),
		transactions: append([]Transaction(nil), store.transactions...),
	}
	for key, value := range store.users {
		snapshot.users[key] = value
	}
	for key, value := range store.intents {
		snapshot.intents[key] = value
	}
	for key, value := range store.promos {
		snapshot.promos[key] = value
	}
	return snapshot
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	store.users = snapshot.users
	store.intents = snapshot.intents
	store.promos = snapshot.promos
	store.transactions = snapshot.transactions
}

func (store *stubStore) UpsertUser(_ context.Context, profile UserProfile, atUnixUTC int64) (User, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	user, ok := store.users[profile.UserID.String()]
	if !ok {
		user = User{UserID: profile.UserID, CreatedUnixUTC: atUnixUTC}
	}
	user.Username = profile.Username
	user.FirstName = profile.FirstName
	user.LastName = profile.LastName
	store.users[profile.UserID.String()] = user
	return user, nil
}

func (store *stubStore) GetUser(_ context.Context, userID UserID) (User, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.failure(stubOperationGetUser); err != nil {
		return User{}, err
	}
	user, ok := store.users[userID.String()]
	if !ok {
		return User{}, ErrUnknownUser
	}
	return user, nil
}

func (store *stubStore) ApplyBalanceDelta(_ context.Context, userID UserID, delta SignedAmountCents) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.failure(stubOperationApplyBalanceDelta); err != nil {
		return err
	}
	user, ok := store.users[userID.String()]
	if !ok {
		return ErrUnknownUser
	}
	next := user.Balance.Int64() + delta.Int64()
	if next < 0 {
		return ErrInsufficientFunds
	}
	user.Balance = AmountCents(next)
	store.users[userID.String()] = user
	return nil
}

func (store *stubStore) SetUserBlocked(_ context.Context, userID UserID, blocked bool) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	user, ok := store.users[userID.String()]
	if !ok {
		return ErrUnknownUser
	}
	user.Blocked = blocked
	store.users[userID.String()] = user
	return nil
}

func (store *stubStore) StampBonusClaim(_ context.Context, userID UserID, atUnixUTC int64, claimedBeforeUnixUTC int64) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.failure(stubOperationStampBonus); err != nil {
		return err
	}
	user, ok := store.users[userID.String()]
	if !ok {
		return ErrUnknownUser
	}
	if user.LastBonusClaimUnixUTC != 0 && user.LastBonusClaimUnixUTC > claimedBeforeUnixUTC {
		return ErrBonusTooSoon
	}
	user.LastBonusClaimUnixUTC = atUnixUTC
	store.users[userID.String()] = user
	return nil
}

func (store *stubStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.failure(stubOperationInsertTransaction); err != nil {
		return err
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) ListTransactions(_ context.Context, userID UserID, kind TransactionKind, limit int) ([]Transaction, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	var result []Transaction
	for index := len(store.transactions) - 1; index >= 0 && len(result) < limit; index-- {
		transaction := store.transactions[index]
		if transaction.UserID != userID {
			continue
		}
		if kind != "" && transaction.Kind != kind {
			continue
		}
		result = append(result, transaction)
	}
	return result, nil
}

func (store *stubStore) InsertIntent(_ context.Context, intent PurchaseIntent) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.failure(stubOperationInsertIntent); err != nil {
		return err
	}
	store.intents[intent.IntentID.String()] = intent
	return nil
}

func (store *stubStore) GetIntent(_ context.Context, intentID IntentID) (PurchaseIntent, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.failure(stubOperationGetIntent); err != nil {
		return PurchaseIntent{}, err
	}
	intent, ok := store.intents[intentID.String()]
	if !ok {
		return PurchaseIntent{}, ErrUnknownIntent
	}
	return intent, nil
}

func (store *stubStore) UpdateIntentStatus(_ context.Context, intentID IntentID, from, to IntentStatus, transferRef string, failureReason string, atUnixUTC int64) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.failure(stubOperationUpdateIntent); err != nil {
		return err
	}
	intent, ok := store.intents[intentID.String()]
	if !ok {
		return ErrUnknownIntent
	}
	if intent.Status != from {
		return ErrIntentClosed
	}
	intent.Status = to
	intent.TransferRef = transferRef
	intent.FailureReason = failureReason
	intent.UpdatedUnixUTC = atUnixUTC
	store.intents[intentID.String()] = intent
	return nil
}

func (store *stubStore) ListIntents(_ context.Context, filter IntentFilter) ([]PurchaseIntent, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	var result []PurchaseIntent
	for _, intent := range store.intents {
		if !filter.BuyerID.IsZero() && intent.BuyerID != filter.BuyerID {
			continue
		}
		if filter.Status != "" && intent.Status != filter.Status {
			continue
		}
		if filter.CreatedBeforeUnixUTC != 0 && intent.CreatedUnixUTC >= filter.CreatedBeforeUnixUTC {
			continue
		}
		result = append(result, intent)
	}
	sort.Slice(result, func(left, right int) bool {
		return result[left].CreatedUnixUTC > result[right].CreatedUnixUTC
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (store *stubStore) InsertPromo(_ context.Context, promo Promo) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if _, exists := store.promos[promo.Code.String()]; exists {
		return ErrPromoExists
	}
	store.promos[promo.Code.String()] = promo
	return nil
}

func (store *stubStore) GetPromo(_ context.Context, code PromoCode) (Promo, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	promo, ok := store.promos[code.String()]
	if !ok {
		return Promo{}, ErrPromoNotFound
	}
	return promo, nil
}

func (store *stubStore) MarkPromoUsed(_ context.Context, code PromoCode, userID UserID, atUnixUTC int64) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if err := store.failure(stubOperationMarkPromoUsed); err != nil {
		return err
	}
	promo, ok := store.promos[code.String()]
	if !ok {
		return ErrPromoNotFound
	}
	if promo.Used {
		return ErrPromoAlreadyUsed
	}
	promo.Used = true
	promo.UsedBy = userID
	promo.UsedUnixUTC = atUnixUTC
	store.promos[code.String()] = promo
	return nil
}

func (store *stubStore) DeletePromo(_ context.Context, code PromoCode) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if _, ok := store.promos[code.String()]; !ok {
		return ErrPromoNotFound
	}
	delete(store.promos, code.String())
	return nil
}

func (store *stubStore) ListPromos(_ context.Context) ([]Promo, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	result := make([]Promo, 0, len(store.promos))
	for _, promo := range store.promos {
		result = append(result, promo)
	}
	return result, nil
}

func (store *stubStore) Stats(_ context.Context) (Stats, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	var stats Stats
	for _, user := range store.users {
		stats.TotalUsers++
		if user.Blocked {
			stats.BlockedUsers++
		}
		stats.TotalBalance += user.Balance
	}
	for _, promo := range store.promos {
		stats.TotalPromoCodes++
		if promo.Used {
			stats.UsedPromoCodes++
		}
	}
	for _, intent := range store.intents {
		if intent.Status == IntentStatusCompleted {
			stats.CompletedPurchases++
			stats.TotalUnitsSold += intent.Quantity.Int64()
		}
	}
	return stats, nil
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) last(test *testing.T) OperationLog {
	test.Helper()
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	if len(logger.entries) == 0 {
		test.Fatalf("expected a log entry")
	}
	return logger.entries[len(logger.entries)-1]
}

func fixedClock(unixUTC int64) func() int64 {
	return func() int64 { return unixUTC }
}

func mustNewService(test *testing.T, store Store, now func() int64, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustPromoCode(test *testing.T, raw string) PromoCode {
	test.Helper()
	code, err := NewPromoCode(raw)
	if err != nil {
		test.Fatalf("promo code: %v", err)
	}
	return code
}

func mustTransferRef(test *testing.T, raw string) TransferRef {
	test.Helper()
	ref, err := NewTransferRef(raw)
	if err != nil {
		test.Fatalf("transfer ref: %v", err)
	}
	return ref
}

func mustAmount(test *testing.T, raw string) PositiveAmountCents {
	test.Helper()
	amount, err := ParseAmount(raw)
	if err != nil {
		test.Fatalf("amount %q: %v", raw, err)
	}
	return amount
}

func mustQuantity(test *testing.T, raw int64) Quantity {
	test.Helper()
	quantity, err := NewQuantity(raw)
	if err != nil {
		test.Fatalf("quantity: %v", err)
	}
	return quantity
}

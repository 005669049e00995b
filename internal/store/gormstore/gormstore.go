package gormstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/starshop/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON      = "{}"
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19
	mysqlDuplicateEntryCode  = 1062
	errorOperationStore      = "store"
	errorSubjectUser         = "user"
	errorSubjectBalance      = "balance"
	errorSubjectBonus        = "bonus"
	errorSubjectTransaction  = "transaction"
	errorSubjectIntent       = "intent"
	errorSubjectPromo        = "promo"
	errorSubjectStats        = "stats"
	errorCodeCreate          = "create"
	errorCodeDelete          = "delete"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeUpdate          = "update"
	errorCodeUpdateStatus    = "update_status"
	errorCodeMarkUsed        = "mark_used"
	errorCodeApplyDelta      = "apply_delta"
	errorCodeStamp           = "stamp"
	errorCodeCount           = "count"
	columnBalanceCents       = "balance_cents"
	columnBlocked            = "blocked"
	columnLastBonusClaimUnix = "last_bonus_claim_unix"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) UpsertUser(ctx context.Context, profile ledger.UserProfile, atUnixUTC int64) (ledger.User, error) {
	model := User{
		UserID:      profile.UserID.String(),
		Username:    profile.Username,
		FirstName:   profile.FirstName,
		LastName:    profile.LastName,
		CreatedUnix: atUnixUTC,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "first_name", "last_name"}),
		}).
		Create(&model).Error
	if err != nil {
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeCreate, err)
	}
	return store.GetUser(ctx, profile.UserID)
}

func (store *Store) GetUser(ctx context.Context, userID ledger.UserID) (ledger.User, error) {
	var model User
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, ledger.ErrUnknownUser)
		}
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	user, err := mapUser(model)
	if err != nil {
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	return user, nil
}

// ApplyBalanceDelta changes the balance in one conditional statement so it can never drop below zero.
func (store *Store) ApplyBalanceDelta(ctx context.Context, userID ledger.UserID, delta ledger.SignedAmountCents) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ? AND balance_cents + ? >= 0", userID.String(), delta.Int64()).
		Update(columnBalanceCents, gorm.Expr("balance_cents + ?", delta.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	if _, err := store.GetUser(ctx, userID); err != nil {
		return err
	}
	return wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, ledger.ErrInsufficientFunds)
}

func (store *Store) SetUserBlocked(ctx context.Context, userID ledger.UserID, blocked bool) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID.String()).
		Update(columnBlocked, blocked)
	if result.Error != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		// MySQL reports zero affected rows when the value is unchanged.
		if _, err := store.GetUser(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

func (store *Store) StampBonusClaim(ctx context.Context, userID ledger.UserID, atUnixUTC int64, claimedBeforeUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ? AND (last_bonus_claim_unix = 0 OR last_bonus_claim_unix <= ?)", userID.String(), claimedBeforeUnixUTC).
		Update(columnLastBonusClaimUnix, atUnixUTC)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBonus, errorCodeStamp, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	if _, err := store.GetUser(ctx, userID); err != nil {
		return err
	}
	return wrapStoreError(errorSubjectBonus, errorCodeStamp, ledger.ErrBonusTooSoon)
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	model := LedgerTransaction{
		TransactionID: transaction.TransactionID,
		UserID:        transaction.UserID.String(),
		Kind:          transaction.Kind.String(),
		AmountCents:   transaction.Amount.Int64(),
		Description:   transaction.Description,
		Metadata:      datatypesJSON(transaction.Metadata.String()),
		CreatedUnix:   transaction.CreatedUnixUTC,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, kind ledger.TransactionKind, limit int) ([]ledger.Transaction, error) {
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if kind != "" {
		query = query.Where("kind = ?", kind.String())
	}
	var rows []LedgerTransaction
	err := query.
		Order("created_unix DESC").
		Order("transaction_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) InsertIntent(ctx context.Context, intent ledger.PurchaseIntent) error {
	model := PurchaseIntent{
		IntentID:        intent.IntentID.String(),
		BuyerID:         intent.BuyerID.String(),
		RecipientHandle: intent.RecipientHandle,
		Quantity:        intent.Quantity.Int64(),
		AmountCents:     intent.AmountCharged.Int64(),
		TransferRef:     intent.TransferRef,
		Status:          intent.Status.String(),
		FailureReason:   intent.FailureReason,
		CreatedUnix:     intent.CreatedUnixUTC,
		UpdatedUnix:     intent.UpdatedUnixUTC,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectIntent, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetIntent(ctx context.Context, intentID ledger.IntentID) (ledger.PurchaseIntent, error) {
	var model PurchaseIntent
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("intent_id = ?", intentID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.PurchaseIntent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, ledger.ErrUnknownIntent)
		}
		return ledger.PurchaseIntent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, err)
	}
	intent, err := mapIntent(model)
	if err != nil {
		return ledger.PurchaseIntent{}, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	return intent, nil
}

func (store *Store) UpdateIntentStatus(ctx context.Context, intentID ledger.IntentID, from, to ledger.IntentStatus, transferRef string, failureReason string, atUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&PurchaseIntent{}).
		Where("intent_id = ? AND status = ?", intentID.String(), from.String()).
		Updates(map[string]any{
			"status":         to.String(),
			"transfer_ref":   transferRef,
			"failure_reason": failureReason,
			"updated_unix":   atUnixUTC,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetIntent(ctx, intentID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, ledger.ErrIntentClosed)
	}
	return nil
}

func (store *Store) ListIntents(ctx context.Context, filter ledger.IntentFilter) ([]ledger.PurchaseIntent, error) {
	query := store.db.WithContext(ctx).Model(&PurchaseIntent{})
	if !filter.BuyerID.IsZero() {
		query = query.Where("buyer_id = ?", filter.BuyerID.String())
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status.String())
	}
	if filter.CreatedBeforeUnixUTC != 0 {
		query = query.Where("created_unix < ?", filter.CreatedBeforeUnixUTC)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []PurchaseIntent
	if err := query.Order("created_unix DESC").Order("intent_id DESC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
	}
	intents := make([]ledger.PurchaseIntent, 0, len(rows))
	for _, row := range rows {
		intent, err := mapIntent(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

func (store *Store) InsertPromo(ctx context.Context, promo ledger.Promo) error {
	model := PromoCode{
		Code:        promo.Code.String(),
		ValueCents:  promo.Value.Int64(),
		CreatedUnix: promo.CreatedUnixUTC,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPromo, errorCodeDuplicate, ledger.ErrPromoExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPromo, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPromo(ctx context.Context, code ledger.PromoCode) (ledger.Promo, error) {
	var model PromoCode
	err := store.db.WithContext(ctx).
		Where("code = ?", code.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Promo{}, wrapStoreError(errorSubjectPromo, errorCodeGet, ledger.ErrPromoNotFound)
		}
		return ledger.Promo{}, wrapStoreError(errorSubjectPromo, errorCodeGet, err)
	}
	promo, err := mapPromo(model)
	if err != nil {
		return ledger.Promo{}, wrapStoreError(errorSubjectPromo, errorCodeInvalid, err)
	}
	return promo, nil
}

// MarkPromoUsed flips the used flag only while it is still unset.
func (store *Store) MarkPromoUsed(ctx context.Context, code ledger.PromoCode, userID ledger.UserID, atUnixUTC int64) error {
	usedBy := userID.String()
	result := store.db.WithContext(ctx).
		Model(&PromoCode{}).
		Where("code = ? AND used = ?", code.String(), false).
		Updates(map[string]any{
			"used":      true,
			"used_by":   &usedBy,
			"used_unix": atUnixUTC,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPromo, errorCodeMarkUsed, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	if _, err := store.GetPromo(ctx, code); err != nil {
		return err
	}
	return wrapStoreError(errorSubjectPromo, errorCodeMarkUsed, ledger.ErrPromoAlreadyUsed)
}

func (store *Store) DeletePromo(ctx context.Context, code ledger.PromoCode) error {
	result := store.db.WithContext(ctx).
		Where("code = ?", code.String()).
		Delete(&PromoCode{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPromo, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPromo, errorCodeDelete, ledger.ErrPromoNotFound)
	}
	return nil
}

func (store *Store) ListPromos(ctx context.Context) ([]ledger.Promo, error) {
	var rows []PromoCode
	err := store.db.WithContext(ctx).
		Order("created_unix DESC").
		Order("code ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPromo, errorCodeList, err)
	}
	promos := make([]ledger.Promo, 0, len(rows))
	for _, row := range rows {
		promo, err := mapPromo(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPromo, errorCodeInvalid, err)
		}
		promos = append(promos, promo)
	}
	return promos, nil
}

func (store *Store) Stats(ctx context.Context) (ledger.Stats, error) {
	var stats ledger.Stats
	db := store.db.WithContext(ctx)
	if err := db.Model(&User{}).Count(&stats.TotalUsers).Error; err != nil {
		return ledger.Stats{}, wrapStoreError(errorSubjectStats, errorCodeCount, err)
	}
	if err := db.Model(&User{}).Where("blocked = ?", true).Count(&stats.BlockedUsers).Error; err != nil {
		return ledger.Stats{}, wrapStoreError(errorSubjectStats, errorCodeCount, err)
	}
	if err := db.Model(&PromoCode{}).Count(&stats.TotalPromoCodes).Error; err != nil {
		return ledger.Stats{}, wrapStoreError(errorSubjectStats, errorCodeCount, err)
	}
	if err := db.Model(&PromoCode{}).Where("used = ?", true).Count(&stats.UsedPromoCodes).Error; err != nil {
		return ledger.Stats{}, wrapStoreError(errorSubjectStats, errorCodeCount, err)
	}
	var sold sqlPurchaseSummary
	err := db.Model(&PurchaseIntent{}).
		Select("count(*) as purchases, coalesce(sum(quantity),0) as units").
		Where("status = ?", ledger.IntentStatusCompleted.String()).
		Scan(&sold).Error
	if err != nil {
		return ledger.Stats{}, wrapStoreError(errorSubjectStats, errorCodeCount, err)
	}
	stats.CompletedPurchases = sold.Purchases
	stats.TotalUnitsSold = sold.Units
	var balance sqlSum
	if err := db.Model(&User{}).Select("coalesce(sum(balance_cents),0) as total").Scan(&balance).Error; err != nil {
		return ledger.Stats{}, wrapStoreError(errorSubjectStats, errorCodeCount, err)
	}
	totalBalance, err := ledger.NewBalance(balance.Total)
	if err != nil {
		return ledger.Stats{}, wrapStoreError(errorSubjectStats, errorCodeInvalid, err)
	}
	stats.TotalBalance = totalBalance
	return stats, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

type sqlPurchaseSummary struct {
	Purchases int64
	Units     int64
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntryCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

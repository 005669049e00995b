package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/starshop/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectUser        = "user"
	errorSubjectBalance     = "balance"
	errorSubjectBonus       = "bonus"
	errorSubjectTransaction = "transaction"
	errorSubjectIntent      = "intent"
	errorSubjectPromo       = "promo"
	errorSubjectStats       = "stats"
	errorSubjectUnitOfWork  = "unit_of_work"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDelete         = "delete"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"
	errorCodeMarkUsed       = "mark_used"
	errorCodeApplyDelta     = "apply_delta"
	errorCodeStamp          = "stamp"
	errorCodeCount          = "count"

	sqlUpsertUser = `
		insert into users(user_id, username, first_name, last_name, balance_cents, blocked, last_bonus_claim_unix, created_unix)
		values ($1, $2, $3, $4, 0, false, 0, $5)
		on conflict (user_id) do update set username = excluded.username, first_name = excluded.first_name, last_name = excluded.last_name
	`

	sqlSelectUser = `
		select user_id, username, first_name, last_name, balance_cents, blocked, last_bonus_claim_unix, created_unix
		from users
		where user_id = $1
	`

	sqlApplyBalanceDelta = `
		update users set balance_cents = balance_cents + $2
		where user_id = $1 and balance_cents + $2 >= 0
	`

	sqlSetBlocked = `
		update users set blocked = $2 where user_id = $1
	`

	sqlStampBonusClaim = `
		update users set last_bonus_claim_unix = $2
		where user_id = $1 and (last_bonus_claim_unix = 0 or last_bonus_claim_unix <= $3)
	`

	sqlInsertTransaction = `
		insert into ledger_transactions(transaction_id, user_id, kind, amount_cents, description, metadata, created_unix)
		values ($1, $2, $3, $4, $5, coalesce(nullif($6,''),'{}')::jsonb, $7)
	`

	sqlListTransactions = `
		select transaction_id, user_id, kind, amount_cents, description, coalesce(metadata::text,'{}'), created_unix
		from ledger_transactions
		where user_id = $1 and ($2 = '' or kind = $2)
		order by created_unix desc, transaction_id desc
		limit $3
	`

	sqlInsertIntent = `
		insert into purchase_intents(intent_id, buyer_id, recipient_handle, quantity, amount_cents, transfer_ref, status, failure_reason, created_unix, updated_unix)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	sqlSelectIntentColumns = `
		select intent_id, buyer_id, recipient_handle, quantity, amount_cents, transfer_ref, status, failure_reason, created_unix, updated_unix
		from purchase_intents
	`

	sqlSelectIntentForUpdate = sqlSelectIntentColumns + `
		where intent_id = $1
		for update
	`

	sqlUpdateIntentStatus = `
		update purchase_intents
		set status = $3, transfer_ref = $4, failure_reason = $5, updated_unix = $6
		where intent_id = $1 and status = $2
	`

	sqlListIntents = sqlSelectIntentColumns + `
		where ($1 = '' or buyer_id = $1)
		and ($2 = '' or status = $2)
		and ($3 = 0 or created_unix < $3)
		order by created_unix desc, intent_id desc
		limit $4
	`

	sqlInsertPromo = `
		insert into promo_codes(code, value_cents, used, used_unix, created_unix)
		values ($1, $2, false, 0, $3)
	`

	sqlSelectPromoColumns = `
		select code, value_cents, used, coalesce(used_by,''), used_unix, created_unix
		from promo_codes
	`

	sqlSelectPromo = sqlSelectPromoColumns + `
		where code = $1
	`

	sqlListPromos = sqlSelectPromoColumns + `
		order by created_unix desc, code asc
	`

	sqlMarkPromoUsed = `
		update promo_codes set used = true, used_by = $2, used_unix = $3
		where code = $1 and used = false
	`

	sqlDeletePromo = `
		delete from promo_codes where code = $1
	`

	sqlStats = `
		select
			(select count(*) from users),
			(select count(*) from users where blocked),
			(select count(*) from promo_codes),
			(select count(*) from promo_codes where used),
			(select count(*) from purchase_intents where status = 'completed'),
			(select coalesce(sum(quantity),0)::bigint from purchase_intents where status = 'completed'),
			(select coalesce(sum(balance_cents),0)::bigint from users)
	`

	noIntentLimit = 1 << 30
)

// querier is the subset of pgx shared by a pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithTx runs fn inside one database transaction; nested calls reuse the open transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectUnitOfWork, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectUnitOfWork, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) UpsertUser(ctx context.Context, profile ledger.UserProfile, atUnixUTC int64) (ledger.User, error) {
	_, err := store.db.Exec(ctx, sqlUpsertUser, profile.UserID.String(), profile.Username, profile.FirstName, profile.LastName, atUnixUTC)
	if err != nil {
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeCreate, err)
	}
	return store.GetUser(ctx, profile.UserID)
}

func (store *Store) GetUser(ctx context.Context, userID ledger.UserID) (ledger.User, error) {
	var row userRow
	err := store.db.QueryRow(ctx, sqlSelectUser, userID.String()).Scan(
		&row.userID, &row.username, &row.firstName, &row.lastName, &row.balanceCents, &row.blocked, &row.lastBonusClaimUnix, &row.createdUnix,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, ledger.ErrUnknownUser)
		}
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	user, err := row.toDomain()
	if err != nil {
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	return user, nil
}

func (store *Store) ApplyBalanceDelta(ctx context.Context, userID ledger.UserID, delta ledger.SignedAmountCents) error {
	tag, err := store.db.Exec(ctx, sqlApplyBalanceDelta, userID.String(), delta.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := store.GetUser(ctx, userID); err != nil {
		return err
	}
	return wrapStoreError(errorSubjectBalance, errorCodeApplyDelta, ledger.ErrInsufficientFunds)
}

func (store *Store) SetUserBlocked(ctx context.Context, userID ledger.UserID, blocked bool) error {
	tag, err := store.db.Exec(ctx, sqlSetBlocked, userID.String(), blocked)
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, ledger.ErrUnknownUser)
	}
	return nil
}

func (store *Store) StampBonusClaim(ctx context.Context, userID ledger.UserID, atUnixUTC int64, claimedBeforeUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlStampBonusClaim, userID.String(), atUnixUTC, claimedBeforeUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectBonus, errorCodeStamp, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := store.GetUser(ctx, userID); err != nil {
		return err
	}
	return wrapStoreError(errorSubjectBonus, errorCodeStamp, ledger.ErrBonusTooSoon)
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID,
		transaction.UserID.String(),
		transaction.Kind.String(),
		transaction.Amount.Int64(),
		transaction.Description,
		transaction.Metadata.String(),
		transaction.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, kind ledger.TransactionKind, limit int) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, userID.String(), kind.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		var row transactionRow
		if err := rows.Scan(&row.transactionID, &row.userID, &row.kind, &row.amountCents, &row.description, &row.metadata, &row.createdUnix); err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
		}
		transaction, err := row.toDomain()
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) InsertIntent(ctx context.Context, intent ledger.PurchaseIntent) error {
	_, err := store.db.Exec(ctx, sqlInsertIntent,
		intent.IntentID.String(),
		intent.BuyerID.String(),
		intent.RecipientHandle,
		intent.Quantity.Int64(),
		intent.AmountCharged.Int64(),
		intent.TransferRef,
		intent.Status.String(),
		intent.FailureReason,
		intent.CreatedUnixUTC,
		intent.UpdatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectIntent, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetIntent(ctx context.Context, intentID ledger.IntentID) (ledger.PurchaseIntent, error) {
	var row intentRow
	err := row.scan(store.db.QueryRow(ctx, sqlSelectIntentForUpdate, intentID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.PurchaseIntent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, ledger.ErrUnknownIntent)
		}
		return ledger.PurchaseIntent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, err)
	}
	intent, err := row.toDomain()
	if err != nil {
		return ledger.PurchaseIntent{}, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	return intent, nil
}

func (store *Store) UpdateIntentStatus(ctx context.Context, intentID ledger.IntentID, from, to ledger.IntentStatus, transferRef string, failureReason string, atUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateIntentStatus, intentID.String(), from.String(), to.String(), transferRef, failureReason, atUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := store.GetIntent(ctx, intentID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, ledger.ErrIntentClosed)
	}
	return nil
}

func (store *Store) ListIntents(ctx context.Context, filter ledger.IntentFilter) ([]ledger.PurchaseIntent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = noIntentLimit
	}
	rows, err := store.db.Query(ctx, sqlListIntents, filter.BuyerID.String(), filter.Status.String(), filter.CreatedBeforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
	}
	defer rows.Close()

	var intents []ledger.PurchaseIntent
	for rows.Next() {
		var row intentRow
		if err := row.scan(rows); err != nil {
			return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
		}
		intent, err := row.toDomain()
		if err != nil {
			return nil, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
	}
	return intents, nil
}

func (store *Store) InsertPromo(ctx context.Context, promo ledger.Promo) error {
	_, err := store.db.Exec(ctx, sqlInsertPromo, promo.Code.String(), promo.Value.Int64(), promo.CreatedUnixUTC)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPromo, errorCodeDuplicate, ledger.ErrPromoExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPromo, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPromo(ctx context.Context, code ledger.PromoCode) (ledger.Promo, error) {
	var row promoRow
	err := row.scan(store.db.QueryRow(ctx, sqlSelectPromo, code.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Promo{}, wrapStoreError(errorSubjectPromo, errorCodeGet, ledger.ErrPromoNotFound)
		}
		return ledger.Promo{}, wrapStoreError(errorSubjectPromo, errorCodeGet, err)
	}
	promo, err := row.toDomain()
	if err != nil {
		return ledger.Promo{}, wrapStoreError(errorSubjectPromo, errorCodeInvalid, err)
	}
	return promo, nil
}

func (store *Store) MarkPromoUsed(ctx context.Context, code ledger.PromoCode, userID ledger.UserID, atUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlMarkPromoUsed, code.String(), userID.String(), atUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectPromo, errorCodeMarkUsed, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := store.GetPromo(ctx, code); err != nil {
		return err
	}
	return wrapStoreError(errorSubjectPromo, errorCodeMarkUsed, ledger.ErrPromoAlreadyUsed)
}

func (store *Store) DeletePromo(ctx context.Context, code ledger.PromoCode) error {
	tag, err := store.db.Exec(ctx, sqlDeletePromo, code.String())
	if err != nil {
		return wrapStoreError(errorSubjectPromo, errorCodeDelete, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPromo, errorCodeDelete, ledger.ErrPromoNotFound)
	}
	return nil
}

func (store *Store) ListPromos(ctx context.Context) ([]ledger.Promo, error) {
	rows, err := store.db.Query(ctx, sqlListPromos)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPromo, errorCodeList, err)
	}
	defer rows.Close()

	var promos []ledger.Promo
	for rows.Next() {
		var row promoRow
		if err := row.scan(rows); err != nil {
			return nil, wrapStoreError(errorSubjectPromo, errorCodeList, err)
		}
		promo, err := row.toDomain()
		if err != nil {
			return nil, wrapStoreError(errorSubjectPromo, errorCodeInvalid, err)
		}
		promos = append(promos, promo)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPromo, errorCodeList, err)
	}
	return promos, nil
}

func (store *Store) Stats(ctx context.Context) (ledger.Stats, error) {
	var (
		stats        ledger.Stats
		totalBalance int64
	)
	err := store.db.QueryRow(ctx, sqlStats).Scan(
		&stats.TotalUsers,
		&stats.BlockedUsers,
		&stats.TotalPromoCodes,
		&stats.UsedPromoCodes,
		&stats.CompletedPurchases,
		&stats.TotalUnitsSold,
		&totalBalance,
	)
	if err != nil {
		return ledger.Stats{}, wrapStoreError(errorSubjectStats, errorCodeCount, err)
	}
	balance, err := ledger.NewBalance(totalBalance)
	if err != nil {
		return ledger.Stats{}, wrapStoreError(errorSubjectStats, errorCodeInvalid, err)
	}
	stats.TotalBalance = balance
	return stats, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	centsExponent      = -2
	recipientHandleTag = "@"
)

// AmountCents is a non-negative amount of the local currency in cents.
type AmountCents int64

// PositiveAmountCents is a strictly positive amount in cents.
type PositiveAmountCents int64

// SignedAmountCents is a non-zero balance delta in cents.
type SignedAmountCents int64

// Quantity is a positive number of purchased units.
type Quantity int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// IntentID identifies a purchase intent.
type IntentID struct {
	value string
}

// PromoCode is a normalized redeemable code.
type PromoCode struct {
	value string
}

// TransferRef is the settlement network identifier of a broadcast transfer.
type TransferRef struct {
	value string
}

// MetadataJSON stores arbitrary transaction metadata.
type MetadataJSON struct {
	value string
}

// IntentStatus defines the purchase intent lifecycle.
type IntentStatus string

const (
	IntentStatusPending   IntentStatus = "pending"
	IntentStatusCompleted IntentStatus = "completed"
	IntentStatusFailed    IntentStatus = "failed"
)

// TransactionKind enumerates ledger transaction kinds.
type TransactionKind string

const (
	TransactionDeposit         TransactionKind = "deposit"
	TransactionPurchase        TransactionKind = "purchase"
	TransactionBonus           TransactionKind = "bonus"
	TransactionPromo           TransactionKind = "promo"
	TransactionAdminAdjustment TransactionKind = "admin_adjustment"
)

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewIntentID validates and normalizes an intent id.
func NewIntentID(raw string) (IntentID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IntentID{}, fmt.Errorf("%w: empty value", ErrInvalidIntentID)
	}
	return IntentID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id IntentID) String() string {
	return id.value
}

// NewPromoCode validates and normalizes a promo code.
func NewPromoCode(raw string) (PromoCode, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PromoCode{}, fmt.Errorf("%w: empty value", ErrInvalidPromoCode)
	}
	if strings.ContainsAny(trimmed, " \t\r\n") {
		return PromoCode{}, fmt.Errorf("%w: must not contain whitespace", ErrInvalidPromoCode)
	}
	return PromoCode{value: trimmed}, nil
}

// String returns the normalized code.
func (code PromoCode) String() string {
	return code.value
}

// NewTransferRef validates a settlement transfer identifier.
func NewTransferRef(raw string) (TransferRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransferRef{}, fmt.Errorf("%w: empty value", ErrInvalidTransferRef)
	}
	return TransferRef{value: trimmed}, nil
}

// String returns the transfer identifier.
func (ref TransferRef) String() string {
	return ref.value
}

// NormalizeRecipientHandle trims the handle and ensures the leading marker.
func NormalizeRecipientHandle(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimLeft(trimmed, recipientHandleTag)
	if trimmed == "" || strings.ContainsAny(trimmed, " \t\r\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecipient, raw)
	}
	return recipientHandleTag + trimmed, nil
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

func metadataFromMap(values map[string]any) MetadataJSON {
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{value: "{}"}
	}
	return MetadataJSON{value: string(raw)}
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewAmountCents validates a non-negative amount.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// NewBalance validates a stored balance. A negative balance means the non-negative
// invariant was broken outside the ledger.
func NewBalance(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: %d cents is negative", ErrInvalidBalance, raw)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw cents value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// Decimal returns the amount in currency units.
func (amount AmountCents) Decimal() decimal.Decimal {
	return decimal.New(int64(amount), centsExponent)
}

// String formats the amount with two decimal places.
func (amount AmountCents) String() string {
	return amount.Decimal().StringFixed(2)
}

// NewPositiveAmountCents validates an amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return PositiveAmountCents(raw), nil
}

// Int64 returns the raw cents value.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// ToAmountCents widens the amount.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// ToSignedAmountCents converts the amount into a credit delta.
func (amount PositiveAmountCents) ToSignedAmountCents() SignedAmountCents {
	return SignedAmountCents(amount)
}

// String formats the amount with two decimal places.
func (amount PositiveAmountCents) String() string {
	return amount.ToAmountCents().String()
}

// Times multiplies a unit price by a quantity, rejecting overflow.
func (amount PositiveAmountCents) Times(quantity Quantity) (PositiveAmountCents, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidQuantity)
	}
	if int64(amount) > math.MaxInt64/int64(quantity) {
		return 0, fmt.Errorf("%w: price overflow", ErrInvalidAmountCents)
	}
	return PositiveAmountCents(int64(amount) * int64(quantity)), nil
}

// NewSignedAmountCents validates a non-zero delta.
func NewSignedAmountCents(raw int64) (SignedAmountCents, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must not be zero", ErrInvalidSignedAmount)
	}
	return SignedAmountCents(raw), nil
}

// Int64 returns the raw cents value.
func (amount SignedAmountCents) Int64() int64 {
	return int64(amount)
}

// Negated flips the sign of the delta.
func (amount SignedAmountCents) Negated() SignedAmountCents {
	return -amount
}

// String formats the delta with two decimal places and its sign.
func (amount SignedAmountCents) String() string {
	return decimal.New(int64(amount), centsExponent).StringFixed(2)
}

// ParseAmount parses a positive decimal string such as "2.50" into cents.
func ParseAmount(raw string) (PositiveAmountCents, error) {
	cents, err := parseCents(raw)
	if err != nil {
		return 0, err
	}
	return NewPositiveAmountCents(cents)
}

// ParseSignedAmount parses a non-zero decimal string such as "-10.00" into cents.
func ParseSignedAmount(raw string) (SignedAmountCents, error) {
	cents, err := parseCents(raw)
	if err != nil {
		return 0, err
	}
	return NewSignedAmountCents(cents)
}

func parseCents(raw string) (int64, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a decimal", ErrInvalidAmountCents, raw)
	}
	if !value.Equal(value.Round(2)) {
		return 0, fmt.Errorf("%w: %q has more than two decimal places", ErrInvalidAmountCents, raw)
	}
	shifted := value.Shift(2)
	if shifted.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || shifted.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidAmountCents, raw)
	}
	return shifted.IntPart(), nil
}

// NewQuantity validates a unit count.
func NewQuantity(raw int64) (Quantity, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidQuantity)
	}
	return Quantity(raw), nil
}

// Int64 returns the raw quantity.
func (quantity Quantity) Int64() int64 {
	return int64(quantity)
}

// ParseIntentStatus validates a stored status.
func ParseIntentStatus(raw string) (IntentStatus, error) {
	status := IntentStatus(strings.TrimSpace(raw))
	switch status {
	case IntentStatusPending, IntentStatusCompleted, IntentStatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidIntentStatus, raw)
	}
}

// IsTerminal reports whether the status can no longer change.
func (status IntentStatus) IsTerminal() bool {
	return status == IntentStatusCompleted || status == IntentStatusFailed
}

// String returns the raw status.
func (status IntentStatus) String() string {
	return string(status)
}

// ParseTransactionKind validates a stored transaction kind.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	kind := TransactionKind(strings.TrimSpace(raw))
	switch kind {
	case TransactionDeposit, TransactionPurchase, TransactionBonus, TransactionPromo, TransactionAdminAdjustment:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
	}
}

// String returns the raw kind.
func (kind TransactionKind) String() string {
	return string(kind)
}

// UserProfile carries the identity fields supplied by the front end.
type UserProfile struct {
	UserID    UserID
	Username  string
	FirstName string
	LastName  string
}

// User is the stored account holder.
type User struct {
	UserID                UserID
	Username              string
	FirstName             string
	LastName              string
	Balance               AmountCents
	Blocked               bool
	LastBonusClaimUnixUTC int64
	CreatedUnixUTC        int64
}

// PurchaseIntent records one attempted sale.
type PurchaseIntent struct {
	IntentID        IntentID
	BuyerID         UserID
	RecipientHandle string
	Quantity        Quantity
	AmountCharged   PositiveAmountCents
	TransferRef     string
	Status          IntentStatus
	FailureReason   string
	CreatedUnixUTC  int64
	UpdatedUnixUTC  int64
}

// Promo is a stored promo code.
type Promo struct {
	Code           PromoCode
	Value          PositiveAmountCents
	Used           bool
	UsedBy         UserID
	UsedUnixUTC    int64
	CreatedUnixUTC int64
}

// Transaction is a single immutable balance change.
type Transaction struct {
	TransactionID  string
	UserID         UserID
	Kind           TransactionKind
	Amount         SignedAmountCents
	Description    string
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// IntentFilter narrows intent listings; zero fields match everything.
type IntentFilter struct {
	BuyerID              UserID
	Status               IntentStatus
	CreatedBeforeUnixUTC int64
	Limit                int
}

// Stats summarizes the ledger for operators.
type Stats struct {
	TotalUsers         int64
	BlockedUsers       int64
	TotalPromoCodes    int64
	UsedPromoCodes     int64
	CompletedPurchases int64
	TotalUnitsSold     int64
	TotalBalance       AmountCents
}

// PurchaseOutcome is the terminal result handed to FinalizePurchase.
type PurchaseOutcome struct {
	status      IntentStatus
	transferRef TransferRef
	reason      string
}

// CompletedOutcome marks a purchase whose transfer was broadcast.
func CompletedOutcome(transferRef TransferRef) PurchaseOutcome {
	return PurchaseOutcome{status: IntentStatusCompleted, transferRef: transferRef}
}

// FailedOutcome marks a purchase whose transfer did not go through.
func FailedOutcome(reason string) PurchaseOutcome {
	return PurchaseOutcome{status: IntentStatusFailed, reason: strings.TrimSpace(reason)}
}

// Status returns the terminal status.
func (outcome PurchaseOutcome) Status() IntentStatus {
	return outcome.status
}

// TransferRef returns the transfer identifier for completed outcomes.
func (outcome PurchaseOutcome) TransferRef() TransferRef {
	return outcome.transferRef
}

// Reason returns the failure reason for failed outcomes.
func (outcome PurchaseOutcome) Reason() string {
	return outcome.reason
}

func (outcome PurchaseOutcome) validate() error {
	switch outcome.status {
	case IntentStatusCompleted:
		if outcome.transferRef.String() == "" {
			return fmt.Errorf("%w: completed outcome requires a transfer reference", ErrInvalidOutcome)
		}
		return nil
	case IntentStatusFailed:
		return nil
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidOutcome, outcome.status)
	}
}

// Store is the persistence contract used by Service.
// Conditional writes (balance, intent status, promo usage, bonus stamp) must be single-statement
// compare-and-set operations so that concurrent callers observe exactly one winner.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	UpsertUser(ctx context.Context, profile UserProfile, atUnixUTC int64) (User, error)
	GetUser(ctx context.Context, userID UserID) (User, error)
	ApplyBalanceDelta(ctx context.Context, userID UserID, delta SignedAmountCents) error
	SetUserBlocked(ctx context.Context, userID UserID, blocked bool) error
	StampBonusClaim(ctx context.Context, userID UserID, atUnixUTC int64, claimedBeforeUnixUTC int64) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	ListTransactions(ctx context.Context, userID UserID, kind TransactionKind, limit int) ([]Transaction, error)
	InsertIntent(ctx context.Context, intent PurchaseIntent) error
	GetIntent(ctx context.Context, intentID IntentID) (PurchaseIntent, error)
	UpdateIntentStatus(ctx context.Context, intentID IntentID, from, to IntentStatus, transferRef string, failureReason string, atUnixUTC int64) error
	ListIntents(ctx context.Context, filter IntentFilter) ([]PurchaseIntent, error)
	InsertPromo(ctx context.Context, promo Promo) error
	GetPromo(ctx context.Context, code PromoCode) (Promo, error)
	MarkPromoUsed(ctx context.Context, code PromoCode, userID UserID, atUnixUTC int64) error
	DeletePromo(ctx context.Context, code PromoCode) error
	ListPromos(ctx context.Context) ([]Promo, error)
	Stats(ctx context.Context) (Stats, error)
}

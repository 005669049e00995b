package gormstore

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User represents the users table.
type User struct {
	UserID             string `gorm:"size:64;primaryKey"`
	Username           string `gorm:"size:255;not null;default:''"`
	FirstName          string `gorm:"size:255;not null;default:''"`
	LastName           string `gorm:"size:255;not null;default:''"`
	BalanceCents       int64  `gorm:"not null;default:0"`
	Blocked            bool   `gorm:"not null;default:false;index"`
	LastBonusClaimUnix int64  `gorm:"not null;default:0"`
	CreatedUnix        int64  `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// PurchaseIntent mirrors the purchase_intents table.
type PurchaseIntent struct {
	IntentID        string `gorm:"size:64;primaryKey"`
	BuyerID         string `gorm:"size:64;not null;index:idx_intents_buyer_created,priority:1"`
	RecipientHandle string `gorm:"size:255;not null"`
	Quantity        int64  `gorm:"not null"`
	AmountCents     int64  `gorm:"not null"`
	TransferRef     string `gorm:"size:255;not null;default:''"`
	Status          string `gorm:"size:16;not null;index:idx_intents_status_created,priority:1"`
	FailureReason   string `gorm:"size:1024;not null;default:''"`
	CreatedUnix     int64  `gorm:"not null;index:idx_intents_buyer_created,priority:2;index:idx_intents_status_created,priority:2"`
	UpdatedUnix     int64  `gorm:"not null"`
}

func (PurchaseIntent) TableName() string { return "purchase_intents" }

// PromoCode mirrors the promo_codes table.
type PromoCode struct {
	Code        string  `gorm:"size:128;primaryKey"`
	ValueCents  int64   `gorm:"not null"`
	Used        bool    `gorm:"not null;default:false"`
	UsedBy      *string `gorm:"size:64"`
	UsedUnix    int64   `gorm:"not null;default:0"`
	CreatedUnix int64   `gorm:"not null"`
}

func (PromoCode) TableName() string { return "promo_codes" }

// LedgerTransaction mirrors the ledger_transactions table.
type LedgerTransaction struct {
	TransactionID string         `gorm:"size:64;primaryKey"`
	UserID        string         `gorm:"size:64;not null;index:idx_transactions_user_created,priority:1"`
	Kind          string         `gorm:"size:32;not null"`
	AmountCents   int64          `gorm:"not null"`
	Description   string         `gorm:"size:1024;not null;default:''"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedUnix   int64          `gorm:"not null;index:idx_transactions_user_created,priority:2"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

func (transaction *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Models lists every table managed by the store, in migration order.
func Models() []any {
	return []any{&User{}, &PurchaseIntent{}, &PromoCode{}, &LedgerTransaction{}}
}

// Migrate creates or updates the schema for the connected dialect.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrNotFound          = errors.New("order_not_found")
	ErrDuplicateKey      = errors.New("order_idempotency_key_exists")
	ErrInvalidReceiptSet = errors.New("invalid_receipt_status")
)

const PaymentStatusCompleted = "completed"

type ReceiptStatus string

const (
	ReceiptPending ReceiptStatus = "pending"
	ReceiptSent    ReceiptStatus = "sent"
	ReceiptFailed  ReceiptStatus = "failed"
)

// Order is the durable record of one successful payment. After insert only
// the receipt fields change.
type Order struct {
	ID                   snowflake.ID      `gorm:"primaryKey"`
	UserID               snowflake.ID      `gorm:"column:user_id;not null;index"`
	RaffleID             snowflake.ID      `gorm:"column:raffle_id;not null;index"`
	TicketsBought        int64             `gorm:"column:tickets_bought;not null"`
	BaseAmount           decimal.Decimal   `gorm:"column:base_amount;type:numeric(12,2);not null"`
	TaxAmount            decimal.Decimal   `gorm:"column:tax_amount;type:numeric(12,2);not null"`
	TotalAmount          decimal.Decimal   `gorm:"column:total_amount;type:numeric(12,2);not null"`
	AmountMinor          int64             `gorm:"column:amount_minor;not null"`
	Currency             string            `gorm:"type:text;not null"`
	PaymentStatus        string            `gorm:"column:payment_status;type:text;not null"`
	PaymentProvider      string            `gorm:"column:payment_provider;type:text;not null;default:''"`
	PaymentTransactionID string            `gorm:"column:payment_transaction_id;type:text;not null"`
	PaymentMetadata      datatypes.JSONMap `gorm:"column:payment_metadata"`
	IdempotencyKey       string            `gorm:"column:idempotency_key;type:text;not null;uniqueIndex:ux_orders_idempotency_key"`
	ReceiptStatus        ReceiptStatus     `gorm:"column:receipt_status;type:text;not null;default:'pending'"`
	ReceiptError         *string           `gorm:"column:receipt_error;type:text"`
	ReceiptSentAt        *time.Time        `gorm:"column:receipt_sent_at"`
	CreatedAt            time.Time         `gorm:"not null"`
	UpdatedAt            time.Time         `gorm:"not null"`
}

func (Order) TableName() string { return "orders" }

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, order *Order) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*Order, error)
	UpdateReceipt(ctx context.Context, db *gorm.DB, id snowflake.ID, status ReceiptStatus, errMsg string, now time.Time) error
}

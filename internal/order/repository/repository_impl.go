package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/smallbiznis/ticketstack/internal/order/domain"
	"github.com/smallbiznis/ticketstack/pkg/db"
	"gorm.io/gorm"
)

const orderColumns = `id, user_id, raffle_id, tickets_bought, base_amount, tax_amount, total_amount,
	amount_minor, currency, payment_status, payment_provider, payment_transaction_id, payment_metadata,
	idempotency_key, receipt_status, receipt_error, receipt_sent_at, created_at, updated_at`

type repository struct{}

func Provide() orderdomain.Repository {
	return &repository{}
}

// Insert maps a unique violation on the idempotency key to ErrDuplicateKey.
func (r *repository) Insert(ctx context.Context, tx *gorm.DB, order *orderdomain.Order) error {
	order.Currency = strings.ToUpper(strings.TrimSpace(order.Currency))
	order.IdempotencyKey = strings.TrimSpace(order.IdempotencyKey)
	if order.ReceiptStatus == "" {
		order.ReceiptStatus = orderdomain.ReceiptPending
	}
	err := tx.WithContext(ctx).Create(order).Error
	if err != nil && db.IsDuplicateKeyErr(err) {
		return orderdomain.ErrDuplicateKey
	}
	return err
}

func (r *repository) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*orderdomain.Order, error) {
	var order orderdomain.Order
	err := conn.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE id = ?`,
		id,
	).Scan(&order).Error
	if err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, nil
	}
	return &order, nil
}

func (r *repository) FindByIdempotencyKey(ctx context.Context, conn *gorm.DB, key string) (*orderdomain.Order, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var order orderdomain.Order
	err := conn.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE idempotency_key = ?`,
		key,
	).Scan(&order).Error
	if err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, nil
	}
	return &order, nil
}

func (r *repository) UpdateReceipt(ctx context.Context, conn *gorm.DB, id snowflake.ID, status orderdomain.ReceiptStatus, errMsg string, now time.Time) error {
	var (
		sentAt     *time.Time
		receiptErr *string
	)
	switch status {
	case orderdomain.ReceiptSent:
		sentAt = &now
	case orderdomain.ReceiptFailed:
		receiptErr = &errMsg
	default:
		return orderdomain.ErrInvalidReceiptSet
	}

	res := conn.WithContext(ctx).Exec(
		`UPDATE orders
		 SET receipt_status = ?, receipt_sent_at = ?, receipt_error = ?, updated_at = ?
		 WHERE id = ?`,
		status, sentAt, receiptErr, now, id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return orderdomain.ErrNotFound
	}
	return nil
}

package domain

import (
	"context"
	"math"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	orderdomain "github.com/smallbiznis/ticketstack/internal/order/domain"
	paymentdomain "github.com/smallbiznis/ticketstack/internal/providers/payment/domain"
)

type Request struct {
	RaffleID     snowflake.ID
	UserID       snowflake.ID
	Tickets      int64
	PaymentToken string
	// IdempotencyKey is optional. A repeated key returns the stored order.
	IdempotencyKey string
}

type Result struct {
	Order    *orderdomain.Order
	Replayed bool
}

type Service interface {
	Purchase(ctx context.Context, req Request) (*Result, error)
}

type Amounts struct {
	Base  decimal.Decimal
	Tax   decimal.Decimal
	Total decimal.Decimal
	Minor int64
}

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// ComputeAmounts prices a purchase. Tax is rounded half up to cents before
// it is added, so Total always equals Base + Tax exactly. Minor saturates at
// math.MaxInt64 instead of wrapping; callers cap it against the max charge.
func ComputeAmounts(price decimal.Decimal, tickets int64, taxRate decimal.Decimal) Amounts {
	base := price.Mul(decimal.NewFromInt(tickets)).Round(2)
	tax := base.Mul(taxRate).Round(2)
	total := base.Add(tax)

	minor := total.Shift(2).Round(0)
	if minor.GreaterThan(maxMinor) {
		minor = maxMinor
	}
	return Amounts{
		Base:  base,
		Tax:   tax,
		Total: total,
		Minor: minor.IntPart(),
	}
}

var paymentMessages = map[PaymentReason]string{
	PaymentDeclined:          "card declined, try another payment method",
	PaymentInvalidInstrument: "card details invalid, check them or use another card",
	PaymentInsufficientFunds: "insufficient funds, use another payment method",
	PaymentSessionExpired:    "payment session expired, refresh and retry",
	PaymentGeneric:           "payment could not be processed",
}

// ClassifyDecline turns a gateway decline into the error shown to the buyer.
func ClassifyDecline(result paymentdomain.ChargeResult) *PaymentError {
	reason := PaymentGeneric
	switch result.DeclineReason {
	case paymentdomain.DeclineCard:
		reason = PaymentDeclined
	case paymentdomain.DeclineInvalidInstrument:
		reason = PaymentInvalidInstrument
	case paymentdomain.DeclineInsufficientFunds:
		reason = PaymentInsufficientFunds
	case paymentdomain.DeclineSessionExpired:
		reason = PaymentSessionExpired
	}
	return &PaymentError{
		Reason:      reason,
		Message:     paymentMessages[reason],
		ShouldRetry: reason == PaymentSessionExpired,
		Code:        strings.TrimSpace(result.DeclineCode),
	}
}

// TransportFailure wraps a gateway error whose outcome is unknown. Retrying
// with the same idempotency key is safe; the gateway deduplicates it.
func TransportFailure(err error) *PaymentError {
	return &PaymentError{
		Reason:  PaymentGeneric,
		Message: paymentMessages[PaymentGeneric],
		Err:     err,
	}
}

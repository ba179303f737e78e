package domain

import (
	"context"
	"errors"
)

var (
	ErrInvalidConfig   = errors.New("payment_invalid_config")
	ErrInvalidRequest  = errors.New("payment_invalid_request")
	ErrInvalidResponse = errors.New("payment_invalid_response")
	ErrUpstream        = errors.New("payment_upstream_unavailable")
)

type ChargeStatus string

const (
	ChargeCompleted ChargeStatus = "completed"
	ChargeFailed    ChargeStatus = "failed"
)

// DeclineReason is the gateway-neutral category of a failed charge.
type DeclineReason string

const (
	DeclineCard              DeclineReason = "declined"
	DeclineInvalidInstrument DeclineReason = "invalid_instrument"
	DeclineInsufficientFunds DeclineReason = "insufficient_funds"
	DeclineSessionExpired    DeclineReason = "session_expired"
	DeclineGeneric           DeclineReason = "generic"
)

type ChargeRequest struct {
	SourceToken    string
	IdempotencyKey string
	AmountMinor    int64
	Currency       string
	Note           string
}

type ChargeResult struct {
	Status        ChargeStatus
	TransactionID string
	DeclineReason DeclineReason
	// DeclineCode is the provider's raw code, kept for logs only.
	DeclineCode string
	Metadata    map[string]any
}

func (r ChargeResult) Completed() bool {
	return r.Status == ChargeCompleted && r.TransactionID != ""
}

// Gateway charges a tokenized card. A non-nil error means the outcome is
// unknown; a decline is reported through ChargeResult.
type Gateway interface {
	Provider() string
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

func (req ChargeRequest) Validate() error {
	if req.SourceToken == "" || req.IdempotencyKey == "" || req.Currency == "" || req.AmountMinor <= 0 {
		return ErrInvalidRequest
	}
	return nil
}

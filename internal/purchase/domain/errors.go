package domain

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

type RejectionCode string

const (
	CodeInvalidTicketCount  RejectionCode = "invalid_ticket_count"
	CodeRaffleNotFound      RejectionCode = "raffle_not_found"
	CodeRaffleNotActive     RejectionCode = "raffle_not_active"
	CodeRaffleEnded         RejectionCode = "raffle_ended"
	CodeTicketsUnavailable  RejectionCode = "tickets_unavailable"
	CodeUserNotFound        RejectionCode = "user_not_found"
	CodeEmailInvalid        RejectionCode = "email_invalid"
	CodeEmailUnverified     RejectionCode = "email_unverified"
	CodeUserLimitExceeded   RejectionCode = "user_limit_exceeded"
	CodeAmountBelowMinimum  RejectionCode = "amount_below_minimum"
	CodeInvalidPaymentToken RejectionCode = "invalid_payment_token"
	CodeIdempotencyConflict RejectionCode = "idempotency_key_conflict"
	CodeAmountAboveMaximum  RejectionCode = "amount_above_maximum"
)

var rejectionMessages = map[RejectionCode]string{
	CodeInvalidTicketCount:  "ticket count must be a positive number",
	CodeRaffleNotFound:      "raffle not found",
	CodeRaffleNotActive:     "raffle is not active",
	CodeRaffleEnded:         "raffle has ended",
	CodeTicketsUnavailable:  "not enough tickets available",
	CodeUserNotFound:        "user not found",
	CodeEmailInvalid:        "a valid email address is required to purchase tickets",
	CodeEmailUnverified:     "please verify your email address before purchasing tickets",
	CodeUserLimitExceeded:   "ticket limit per user exceeded",
	CodeAmountBelowMinimum:  "purchase amount is below the minimum charge",
	CodeInvalidPaymentToken: "payment token is required",
	CodeIdempotencyConflict: "idempotency key was already used for a different purchase",
	CodeAmountAboveMaximum:  "purchase amount is above the maximum charge",
}

// RejectionError is a precondition failure reported before any charge.
type RejectionError struct {
	Code    RejectionCode
	Message string
	// Available is set for cap rejections.
	Available *int64
}

func Reject(code RejectionCode) *RejectionError {
	return &RejectionError{Code: code, Message: rejectionMessages[code]}
}

func RejectWithAvailable(code RejectionCode, available int64) *RejectionError {
	err := Reject(code)
	err.Available = &available
	return err
}

func (e *RejectionError) Error() string {
	if e.Available != nil {
		return fmt.Sprintf("%s: %s (available %d)", e.Code, e.Message, *e.Available)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches another RejectionError with the same code.
func (e *RejectionError) Is(target error) bool {
	t, ok := target.(*RejectionError)
	return ok && t.Code == e.Code
}

// IsRejection reports whether err is a rejection with the given code.
func IsRejection(err error, code RejectionCode) bool {
	var rej *RejectionError
	return errors.As(err, &rej) && rej.Code == code
}

type PaymentReason string

const (
	PaymentDeclined          PaymentReason = "declined"
	PaymentInvalidInstrument PaymentReason = "invalid_instrument"
	PaymentInsufficientFunds PaymentReason = "insufficient_funds"
	PaymentSessionExpired    PaymentReason = "session_expired"
	PaymentGeneric           PaymentReason = "generic"
)

// PaymentError means the gateway did not take the money. No state changed.
type PaymentError struct {
	Reason  PaymentReason
	Message string
	// ShouldRetry tells the client to retry with a fresh idempotency key.
	ShouldRetry bool
	// Code is the gateway's raw decline code.
	Code string
	Err  error
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment %s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("payment %s: %s", e.Reason, e.Message)
}

func (e *PaymentError) Unwrap() error { return e.Err }

// BookkeepingError means the charge succeeded but recording it failed. It
// carries what an operator needs to reconcile by hand.
type BookkeepingError struct {
	Provider       string
	TransactionID  string
	RaffleID       snowflake.ID
	UserID         snowflake.ID
	Tickets        int64
	AmountMinor    int64
	Currency       string
	IdempotencyKey string
	Err            error
}

func (e *BookkeepingError) Error() string {
	return fmt.Sprintf("payment %s captured but not recorded (raffle %s, user %s): %v",
		e.TransactionID, e.RaffleID, e.UserID, e.Err)
}

func (e *BookkeepingError) Unwrap() error { return e.Err }

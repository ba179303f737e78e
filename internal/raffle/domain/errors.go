package domain

import "errors"

var (
	ErrNotFound          = errors.New("raffle_not_found")
	ErrInvalidID         = errors.New("invalid_id")
	ErrInvalidTitle      = errors.New("invalid_title")
	ErrInvalidPrice      = errors.New("invalid_price")
	ErrInvalidWindow     = errors.New("invalid_window")
	ErrInvalidTicketCap  = errors.New("invalid_ticket_cap")
	ErrNotActive         = errors.New("raffle_not_active")
	ErrEnded             = errors.New("raffle_ended")
	ErrTicketsSoldOut    = errors.New("tickets_unavailable")
	ErrUserLimitExceeded = errors.New("user_limit_exceeded")
)

package domain

import "time"

func (s Status) rank() int {
	switch s {
	case StatusUpcoming:
		return 0
	case StatusActive:
		return 1
	case StatusCompleted:
		return 2
	default:
		return -1
	}
}

// ComputeStatus derives the status from time alone. A drawn raffle is
// completed whatever the clock says.
func (r *Raffle) ComputeStatus(now time.Time) Status {
	switch {
	case r.WinnerID != nil:
		return StatusCompleted
	case now.Before(r.StartDate):
		return StatusUpcoming
	case !now.After(r.EndDate):
		return StatusActive
	default:
		return StatusCompleted
	}
}

// NextStatus returns the status the scheduler should persist, and false when
// the stored status is already current. Status never moves backwards.
func (r *Raffle) NextStatus(now time.Time) (Status, bool) {
	computed := r.ComputeStatus(now)
	if computed.rank() <= r.Status.rank() {
		return r.Status, false
	}
	return computed, true
}

// CheckAcceptingSales applies the time check on top of the stored status,
// which may lag by up to one scheduler tick.
func (r *Raffle) CheckAcceptingSales(now time.Time) error {
	if r.WinnerID != nil {
		return ErrEnded
	}
	if now.After(r.EndDate) {
		return ErrEnded
	}
	if r.Status != StatusActive || now.Before(r.StartDate) {
		return ErrNotActive
	}
	return nil
}

// RemainingTickets reports how many tickets are left under the total cap.
// The boolean is false when the raffle is uncapped.
func (r *Raffle) RemainingTickets() (int64, bool) {
	if r.MaxTicketsTotal == nil {
		return 0, false
	}
	remaining := *r.MaxTicketsTotal - r.TotalTicketsSold
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// RemainingForUser reports how many more tickets a user holding held may buy.
func (r *Raffle) RemainingForUser(held int64) (int64, bool) {
	if r.MaxTicketsPerUser == nil {
		return 0, false
	}
	remaining := *r.MaxTicketsPerUser - held
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

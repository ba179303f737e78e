package domain

import (
	"strings"

	"github.com/gosimple/slug"
)

// Normalize canonicalizes free-form fields before a raffle is stored.
func (r *Raffle) Normalize() {
	r.Title = strings.TrimSpace(r.Title)
	r.Description = strings.TrimSpace(r.Description)
	r.Category = NormalizeCategory(r.Category)
	r.Price = r.Price.Round(2)
	r.StartDate = r.StartDate.UTC()
	r.EndDate = r.EndDate.UTC()
}

func NormalizeCategory(category string) string {
	category = slug.Make(strings.TrimSpace(category))
	if category == "" {
		return DefaultCategory
	}
	return category
}

// Validate checks a create request after normalization.
func (req CreateRequest) Validate() error {
	if strings.TrimSpace(req.Title) == "" {
		return ErrInvalidTitle
	}
	if !req.Price.IsPositive() {
		return ErrInvalidPrice
	}
	if req.StartDate.IsZero() || req.EndDate.IsZero() || !req.EndDate.After(req.StartDate) {
		return ErrInvalidWindow
	}
	if req.MaxTicketsTotal != nil && *req.MaxTicketsTotal <= 0 {
		return ErrInvalidTicketCap
	}
	if req.MaxTicketsPerUser != nil && *req.MaxTicketsPerUser <= 0 {
		return ErrInvalidTicketCap
	}
	return nil
}

// Package sandbox is an in-process gateway for local development. It
// recognizes the Square sandbox test nonces so decline paths can be
// exercised without network access.
package sandbox

import (
	"context"
	"sync"

	"github.com/google/uuid"
	paymentdomain "github.com/smallbiznis/ticketstack/internal/providers/payment/domain"
)

const ProviderName = "sandbox"

var declineNonces = map[string]paymentdomain.DeclineReason{
	"cnon:card-nonce-declined":            paymentdomain.DeclineCard,
	"cnon:card-nonce-rejected-cvv":        paymentdomain.DeclineInvalidInstrument,
	"cnon:card-nonce-rejected-postalcode": paymentdomain.DeclineInvalidInstrument,
	"cnon:card-nonce-rejected-expiration": paymentdomain.DeclineInvalidInstrument,
	"cnon:card-nonce-insufficient-funds":  paymentdomain.DeclineInsufficientFunds,
	"cnon:card-nonce-expired":             paymentdomain.DeclineSessionExpired,
}

type Gateway struct {
	mu      sync.Mutex
	charged map[string]string
}

func New() *Gateway {
	return &Gateway{charged: map[string]string{}}
}

func (g *Gateway) Provider() string { return ProviderName }

// Charge is idempotent per key: a repeated key returns the first
// transaction id.
func (g *Gateway) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	if err := req.Validate(); err != nil {
		return paymentdomain.ChargeResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return paymentdomain.ChargeResult{}, err
	}

	if reason, ok := declineNonces[req.SourceToken]; ok {
		return paymentdomain.ChargeResult{
			Status:        paymentdomain.ChargeFailed,
			DeclineReason: reason,
			DeclineCode:   req.SourceToken,
		}, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	txnID, ok := g.charged[req.IdempotencyKey]
	if !ok {
		txnID = "sbx_" + uuid.NewString()
		g.charged[req.IdempotencyKey] = txnID
	}
	return paymentdomain.ChargeResult{
		Status:        paymentdomain.ChargeCompleted,
		TransactionID: txnID,
		Metadata:      map[string]any{"sandbox": true},
	}, nil
}

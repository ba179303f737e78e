package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/ticketstack/internal/clock"
	"github.com/smallbiznis/ticketstack/internal/config"
	"github.com/smallbiznis/ticketstack/internal/draw"
	"github.com/smallbiznis/ticketstack/internal/notification"
	orderdomain "github.com/smallbiznis/ticketstack/internal/order/domain"
	orderrepo "github.com/smallbiznis/ticketstack/internal/order/repository"
	paymentdomain "github.com/smallbiznis/ticketstack/internal/providers/payment/domain"
	"github.com/smallbiznis/ticketstack/internal/purchase/domain"
	raffledomain "github.com/smallbiznis/ticketstack/internal/raffle/domain"
	rafflerepo "github.com/smallbiznis/ticketstack/internal/raffle/repository"
	userdomain "github.com/smallbiznis/ticketstack/internal/user/domain"
	userrepo "github.com/smallbiznis/ticketstack/internal/user/repository"
	"github.com/smallbiznis/ticketstack/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// -- Mocks --

type gatewayMock struct {
	mock.Mock
}

func (m *gatewayMock) Provider() string { return "fake" }

func (m *gatewayMock) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(paymentdomain.ChargeResult), args.Error(1)
}

type alertMock struct {
	mock.Mock
}

func (m *alertMock) Alert(ctx context.Context, text string) error {
	return m.Called(ctx, text).Error(0)
}

type fakeDispatcher struct {
	mu      sync.Mutex
	msgs    []notification.Message
	outcome error
}

func (d *fakeDispatcher) Submit(ctx context.Context, msg notification.Message, onDone notification.OnDone) error {
	d.mu.Lock()
	d.msgs = append(d.msgs, msg)
	outcome := d.outcome
	d.mu.Unlock()
	if onDone != nil {
		onDone(ctx, notification.Outcome{Attempts: 1, Err: outcome})
	}
	return nil
}

func (d *fakeDispatcher) Messages() []notification.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notification.Message(nil), d.msgs...)
}

// -- Fixtures --

const (
	verifiedUser   snowflake.ID = 1
	unverifiedUser snowflake.ID = 2
	badEmailUser   snowflake.ID = 3
	raffleID       snowflake.ID = 100
)

var now = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	svc        domain.Service
	db         *gorm.DB
	clock      *clock.FakeClock
	gateway    *gatewayMock
	alerts     *alertMock
	dispatcher *fakeDispatcher
	raffles    raffledomain.Repository
	orders     orderdomain.Repository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := dbtest.Open(t, &raffledomain.Raffle{}, &raffledomain.Participation{}, &orderdomain.Order{}, &userdomain.User{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	commerce, err := config.NewStaticCommerceConfig(config.DefaultCommerceConfig())
	require.NoError(t, err)

	users := userrepo.Provide()
	ctx := context.Background()
	for _, u := range []userdomain.User{
		{ID: verifiedUser, Username: "ann", Email: "ann@example.com", EmailVerified: true},
		{ID: unverifiedUser, Username: "bob", Email: "bob@example.com"},
		{ID: badEmailUser, Username: "cy", Email: "not-an-email", EmailVerified: true},
	} {
		u := u
		u.CreatedAt, u.UpdatedAt = now, now
		require.NoError(t, users.Create(ctx, conn, &u))
	}

	h := &harness{
		db:         conn,
		clock:      clock.NewFakeClock(now),
		gateway:    &gatewayMock{},
		alerts:     &alertMock{},
		dispatcher: &fakeDispatcher{},
		raffles:    rafflerepo.Provide(),
		orders:     orderrepo.Provide(),
	}
	h.svc = New(Params{
		DB:         conn,
		Log:        zap.NewNop(),
		Cfg:        config.Config{FrontendURL: "http://localhost:3000", DBTxRetries: 3},
		Commerce:   commerce,
		GenID:      node,
		Clock:      h.clock,
		Raffles:    h.raffles,
		Orders:     h.orders,
		Users:      users,
		Gateway:    h.gateway,
		Dispatcher: h.dispatcher,
		Alerts:     h.alerts,
	})
	return h
}

func (h *harness) seedRaffle(t *testing.T, mutate func(*raffledomain.Raffle)) *raffledomain.Raffle {
	t.Helper()
	r := &raffledomain.Raffle{
		ID:        raffleID,
		Title:     "Cabin weekend",
		Price:     decimal.RequireFromString("10.00"),
		StartDate: now.Add(-time.Hour),
		EndDate:   now.Add(time.Hour),
		Status:    raffledomain.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if mutate != nil {
		mutate(r)
	}
	require.NoError(t, h.raffles.Create(context.Background(), h.db, r))
	return r
}

func (h *harness) chargeSucceeds(txnID string) *mock.Call {
	return h.gateway.On("Charge", mock.Anything, mock.Anything).Return(paymentdomain.ChargeResult{
		Status:        paymentdomain.ChargeCompleted,
		TransactionID: txnID,
	}, nil)
}

func (h *harness) loadRaffle(t *testing.T) *raffledomain.Raffle {
	t.Helper()
	r, err := h.raffles.FindByID(context.Background(), h.db, raffleID)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func (h *harness) countOrders(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&orderdomain.Order{}).Count(&n).Error)
	return n
}

func (h *harness) assertSumInvariant(t *testing.T) {
	t.Helper()
	sum, err := h.raffles.SumParticipation(context.Background(), h.db, raffleID)
	require.NoError(t, err)
	assert.Equal(t, h.loadRaffle(t).TotalTicketsSold, sum)
}

func purchaseReq(tickets int64) domain.Request {
	return domain.Request{RaffleID: raffleID, UserID: verifiedUser, Tickets: tickets, PaymentToken: "cnon:card-nonce-ok"}
}

// -- Tests --

func TestPurchaseComputesAmounts(t *testing.T) {
	h := newHarness(t)
	h.seedRaffle(t, nil)
	h.chargeSucceeds("pay_1")

	res, err := h.svc.Purchase(context.Background(), purchaseReq(3))
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.False(t, res.Replayed)

	o := res.Order
	assert.Equal(t, "30.00", o.BaseAmount.StringFixed(2))
	assert.Equal(t, "3.90", o.TaxAmount.StringFixed(2))
	assert.Equal(t, "33.90", o.TotalAmount.StringFixed(2))
	assert.Equal(t, int64(3390), o.AmountMinor)
	assert.Equal(t, "CAD", o.Currency)
	assert.Equal(t, "pay_1", o.PaymentTransactionID)
	assert.NotEmpty(t, o.IdempotencyKey)

	h.gateway.AssertCalled(t, "Charge", mock.Anything, mock.MatchedBy(func(req paymentdomain.ChargeRequest) bool {
		return req.AmountMinor == 3390 && req.Currency == "CAD" && req.IdempotencyKey == o.IdempotencyKey
	}))

	assert.Equal(t, int64(3), h.loadRaffle(t).TotalTicketsSold)
	h.assertSumInvariant(t)
}

func TestPurchaseRejectsOverTotalCap(t *testing.T) {
	h := newHarness(t)
	h.seedRaffle(t, func(r *raffledomain.Raffle) {
		limit := int64(5)
		r.MaxTicketsTotal = &limit
		r.TotalTicketsSold = 4
	})

	_, err := h.svc.Purchase(context.Background(), purchaseReq(2))

	var rej *domain.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.CodeTicketsUnavailable, rej.Code)
	assert.Equal(t, "not enough tickets available", rej.Message)
	require.NotNil(t, rej.Available)
	assert.Equal(t, int64(1), *rej.Available)
	h.gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)
}

func TestPurchaseCapBoundary(t *testing.T) {
	h := newHarness(t)
	h.seedRaffle(t, func(r *raffledomain.Raffle) {
		limit := int64(5)
		r.MaxTicketsTotal = &limit
		r.TotalTicketsSold = 4
	})
	h.chargeSucceeds("pay_1")

	_, err := h.svc.Purchase(context.Background(), purchaseReq(1))
	require.NoError(t, err)

	_, err = h.svc.Purchase(context.Background(), purchaseReq(1))
	var rej *domain.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.CodeTicketsUnavailable, rej.Code)
	assert.Equal(t, int64(0), *rej.Available)
	assert.Equal(t, int64(5), h.loadRaffle(t).TotalTicketsSold)
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	h.seedRaffle(t, nil)
	h.gateway.On("Charge", mock.Anything, mock.Anything).Return(paymentdomain.ChargeResult{
		Status:        paymentdomain.ChargeFailed,
		DeclineReason: paymentdomain.DeclineInsufficientFunds,
		DeclineCode:   "INSUFFICIENT_FUNDS",
	}, nil)

	_, err := h.svc.Purchase(context.Background(), purchaseReq(1))

	var payErr *domain.PaymentError
	require.ErrorAs(t, err, &payErr)
	assert.Equal(t, domain.PaymentInsufficientFunds, payErr.Reason)
	assert.Equal(t, "insufficient funds, use another payment method", payErr.Message)
	assert.False(t, payErr.ShouldRetry)
	assert.Zero(t, h.countOrders(t))
	assert.Zero(t, h.loadRaffle(t).TotalTicketsSold)
	assert.Empty(t, h.dispatcher.Messages())
}

func TestPurchaseSessionExpiredAsksForRetry(t *testing.T) {
	h := newHarness(t)
	h.seedRaffle(t, nil)
	h.gateway.On("Charge", mock.Anything, mock.Anything).Return(paymentdomain.ChargeResult{
		Status:        paymentdomain.ChargeFailed,
		DeclineReason: paymentdomain.DeclineSessionExpired,
		DeclineCode:   "IDEMPOTENCY_KEY_REUSED",
	}, nil)

	_, err := h.svc.Purchase(context.Background(), purchaseReq(1))

	var payErr *domain.PaymentError
	require.ErrorAs(t, err, &payErr)
	assert.Equal(t, domain.PaymentSessionExpired, payErr.Reason)
	assert.True(t, payErr.ShouldRetry)
}

func TestPurchaseGatewayTransportFailure(t *testing.T) {
	h := newHarness(t)
	h.seedRaffle(t, nil)
	h.gateway.On("Charge", mock.Anything, mock.Anything).Return(paymentdomain.ChargeResult{}, paymentdomain.ErrUpstream)

	_, err := h.svc.Purchase(context.Background(), purchaseReq(1))

	var payErr *domain.PaymentError
	require.ErrorAs(t, err, &payErr)
	assert.Equal(t, domain.PaymentGeneric, payErr.Reason)
	assert.ErrorIs(t, err, paymentdomain.ErrUpstream)
	assert.Zero(t, h.countOrders(t))
}

func TestPurchasePreconditionOrder(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*raffledomain.Raffle)
		req    func() domain.Request
		want   domain.RejectionCode
	}{
		{
			name: "non positive tickets",
			req:  func() domain.Request { return purchaseReq(0) },
			want: domain.CodeInvalidTicketCount,
		},
		{
			name: "unknown raffle",
			req: func() domain.Request {
				r := purchaseReq(1)
				r.RaffleID = 999
				return r
			},
			want: domain.CodeRaffleNotFound,
		},
		{
			name: "upcoming raffle",
			mutate: func(r *raffledomain.Raffle) {
				r.Status = raffledomain.StatusUpcoming
				r.StartDate = now.Add(time.Minute)
			},
			req:  func() domain.Request { return purchaseReq(1) },
			want: domain.CodeRaffleNotActive,
		},
		{
			name: "unknown user",
			req: func() domain.Request {
				r := purchaseReq(1)
				r.UserID = 404
				return r
			},
			want: domain.CodeUserNotFound,
		},
		{
			name: "unverified email",
			req: func() domain.Request {
				r := purchaseReq(1)
				r.UserID = unverifiedUser
				return r
			},
			want: domain.CodeEmailUnverified,
		},
		{
			name: "invalid email",
			req: func() domain.Request {
				r := purchaseReq(1)
				r.UserID = badEmailUser
				return r
			},
			want: domain.CodeEmailInvalid,
		},
		{
			name: "per user cap",
			mutate: func(r *raffledomain.Raffle) {
				limit := int64(2)
				r.MaxTicketsPerUser = &limit
			},
			req:  func() domain.Request { return purchaseReq(3) },
			want: domain.CodeUserLimitExceeded,
		},
		{
			name:   "below minimum charge",
			mutate: func(r *raffledomain.Raffle) { r.Price = decimal.RequireFromString("0.50") },
			req:    func() domain.Request { return purchaseReq(1) },
			want:   domain.CodeAmountBelowMinimum,
		},
		{
			name: "total cap checked before user",
			mutate: func(r *raffledomain.Raffle) {
				limit := int64(1)
				r.MaxTicketsTotal = &limit
			},
			req: func() domain.Request {
				r := purchaseReq(2)
				r.UserID = 404
				return r
			},
			want: domain.CodeTicketsUnavailable,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.seedRaffle(t, tc.mutate)

			_, err := h.svc.Purchase(context.Background(), tc.req())

			assert.True(t, domain.IsRejection(err, tc.want), "got %v", err)
			h.gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)
		})
	}
}

func TestPurchaseTimeIsAuthoritative(t *testing.T) {
	h := newHarness(t)
	h.seedRaffle(t, nil)
	// The scheduler has not caught up yet: stored status still says active.
	h.clock.Set(now.Add(2 * time.Hour))

	_, err := h.svc.Purchase(context.Background(), purchaseReq(1))

	assert.True(t, domain.IsRejection(err, domain.CodeRaffleEnded), "got %v", err)
	h.gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)
}

func TestPurchaseIdempotentReplay(t *testing.T) {
	h := newHarness(t)
	h.seedRaffle(t, nil)
	h.chargeSucceeds("pay_1").Once()

	req := purchaseReq(2)
	req.IdempotencyKey = "client-key-1"

	first, err := h.svc.Purchase(context.Background(), req)
	require.NoError(t, err)
	second, err := h.svc.Purchase(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, int64(1), h.countOrders(t))
	assert.Equal(t, int64(2), h.loadRaffle(t).TotalTicketsSold)
	h.gateway.AssertNumberOfCalls(t, "Charge", 1)
	assert.Len(t, h.dispatcher.Messages(), 1)
}

func TestPurchaseBookkeepingFailureAfterCharge(t *testing.T) {
	h := newHarness(t)
	h.seedRaffle(t, func(r *raffledomain.Raffle) {
		limit := int64(3)
		r.MaxTicketsTotal = &limit
	})
	// Another buyer takes the remaining tickets while our charge is in flight.
	h.chargeSucceeds("pay_lost").Run(func(args mock.Arguments) {
		ok, err := h.raffles.IncrementSold(context.Background(), h.db, raffleID, 3, now)
		require.NoError(t, err)
		require.True(t, ok)
	})
	h.alerts.On("Alert", mock.Anything, mock.MatchedBy(func(text string) bool {
		return assert.Contains(t, text, "pay_lost")
	})).Return(nil).Once()

	_, err := h.svc.Purchase(context.Background(), purchaseReq(2))

	var bkErr *domain.BookkeepingError
	require.ErrorAs(t, err, &bkErr)
	assert.Equal(t, "pay_lost", bkErr.TransactionID)
	assert.Equal(t, int64(2260), bkErr.AmountMinor)
	assert.NotEmpty(t, bkErr.IdempotencyKey)

	var payErr *domain.PaymentError
	assert.False(t, errors.As(err, &payErr))
	assert.Zero(t, h.countOrders(t))
	assert.Equal(t, int64(3), h.loadRaffle(t).TotalTicketsSold)
	h.alerts.AssertExpectations(t)
	assert.Empty(t, h.dispatcher.Messages())
}

func (h *harness) newDrawer() *draw.Service {
	return draw.New(draw.Params{
		DB:         h.db,
		Log:        zap.NewNop(),
		Cfg:        config.Config{DBTxRetries: 3},
		Clock:      h.clock,
		Raffles:    h.raffles,
		Users:      userrepo.Provide(),
		Dispatcher: h.dispatcher,
		Alerts:     h.alerts,
	})
}

func (h *harness) expectBookkeepingAlert(txnID string) {
	h.alerts.On("Alert", mock.Anything, mock.MatchedBy(func(text string) bool {
		return strings.Contains(text, txnID)
	})).Return(nil).Once()
}

func TestPurchaseDrawnWithoutParticipantsDuringCharge(t *testing.T) {
	h := newHarness(t)
	r := h.seedRaffle(t, nil)
	drawer := h.newDrawer()

	// The raffle ends and is drawn while the gateway is still charging.
	var drawErr error
	h.chargeSucceeds("pay_late").Run(func(mock.Arguments) {
		h.clock.Set(r.EndDate.Add(time.Minute))
		_, drawErr = drawer.SelectWinner(context.Background(), raffleID)
	})
	h.expectBookkeepingAlert("pay_late")

	_, err := h.svc.Purchase(context.Background(), purchaseReq(3))

	assert.ErrorIs(t, drawErr, draw.ErrNoParticipants)
	var bkErr *domain.BookkeepingError
	require.ErrorAs(t, err, &bkErr)
	assert.ErrorIs(t, err, errRaffleDrawn)
	assert.Equal(t, "pay_late", bkErr.TransactionID)

	stored := h.loadRaffle(t)
	assert.Zero(t, stored.TotalTicketsSold)
	assert.NotNil(t, stored.NoParticipantsAt)
	assert.Zero(t, h.countOrders(t))
	h.assertSumInvariant(t)
	h.alerts.AssertExpectations(t)
}

func TestPurchaseCommittingAfterDrawStaysOutOfPool(t *testing.T) {
	h := newHarness(t)
	r := h.seedRaffle(t, nil)
	ctx := context.Background()
	ok, err := h.raffles.IncrementSold(ctx, h.db, raffleID, 2, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.raffles.AddParticipation(ctx, h.db, &raffledomain.Participation{
		ID: 900, RaffleID: raffleID, UserID: unverifiedUser, TicketsBought: 2,
		FirstPurchaseAt: now, LastPurchaseAt: now,
	}))
	drawer := h.newDrawer()

	var winner draw.Winner
	h.chargeSucceeds("pay_late").Run(func(mock.Arguments) {
		h.clock.Set(r.EndDate.Add(time.Minute))
		var drawErr error
		winner, drawErr = drawer.SelectWinner(context.Background(), raffleID)
		require.NoError(t, drawErr)
	})
	h.expectBookkeepingAlert("pay_late")

	_, err = h.svc.Purchase(ctx, purchaseReq(1))

	var bkErr *domain.BookkeepingError
	require.ErrorAs(t, err, &bkErr)
	assert.ErrorIs(t, err, errRaffleDrawn)
	assert.Equal(t, unverifiedUser, winner.UserID)
	assert.Equal(t, int64(2), winner.TotalTickets)

	stored := h.loadRaffle(t)
	assert.Equal(t, int64(2), stored.TotalTicketsSold)
	require.NotNil(t, stored.WinnerID)
	assert.Equal(t, unverifiedUser, *stored.WinnerID)
	h.assertSumInvariant(t)
	h.alerts.AssertExpectations(t)
}

func TestPurchaseIdempotencyKeyBelongsToOneRequest(t *testing.T) {
	h := newHarness(t)
	h.seedRaffle(t, nil)
	h.chargeSucceeds("pay_1").Once()
	ctx := context.Background()

	req := purchaseReq(1)
	req.IdempotencyKey = "client-key-1"
	first, err := h.svc.Purchase(ctx, req)
	require.NoError(t, err)

	otherUser := req
	otherUser.UserID = unverifiedUser
	otherUser.Tickets = 5
	moreTickets := req
	moreTickets.Tickets = 2

	for name, r := range map[string]domain.Request{"other user": otherUser, "other ticket count": moreTickets} {
		t.Run(name, func(t *testing.T) {
			res, err := h.svc.Purchase(ctx, r)
			assert.Nil(t, res)
			assert.True(t, domain.IsRejection(err, domain.CodeIdempotencyConflict), "got %v", err)
		})
	}

	assert.Equal(t, int64(1), h.countOrders(t))
	assert.Equal(t, int64(1), h.loadRaffle(t).TotalTicketsSold)
	h.gateway.AssertNumberOfCalls(t, "Charge", 1)

	replay, err := h.svc.Purchase(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Order.ID, replay.Order.ID)
}

func TestPurchaseKeyTakenByAnotherBuyerDuringCharge(t *testing.T) {
	h := newHarness(t)
	h.seedRaffle(t, nil)
	ctx := context.Background()

	// A different buyer's order lands on the same key while we are charging.
	h.chargeSucceeds("pay_2").Run(func(mock.Arguments) {
		require.NoError(t, h.orders.Insert(ctx, h.db, &orderdomain.Order{
			ID: 777, UserID: unverifiedUser, RaffleID: raffleID, TicketsBought: 4,
			BaseAmount: decimal.RequireFromString("40.00"), TaxAmount: decimal.RequireFromString("5.20"),
			TotalAmount: decimal.RequireFromString("45.20"), AmountMinor: 4520, Currency: "CAD",
			PaymentStatus: orderdomain.PaymentStatusCompleted, PaymentTransactionID: "pay_other",
			IdempotencyKey: "shared-key", CreatedAt: now, UpdatedAt: now,
		}))
	})
	h.expectBookkeepingAlert("pay_2")

	req := purchaseReq(1)
	req.IdempotencyKey = "shared-key"
	res, err := h.svc.Purchase(ctx, req)

	assert.Nil(t, res)
	var bkErr *domain.BookkeepingError
	require.ErrorAs(t, err, &bkErr)
	assert.ErrorIs(t, err, errKeyConflict)
	assert.Zero(t, h.loadRaffle(t).TotalTicketsSold)
	h.alerts.AssertExpectations(t)
}

func TestPurchaseRejectsAmountAboveMaximum(t *testing.T) {
	h := newHarness(t)
	h.seedRaffle(t, nil)

	for _, tickets := range []int64{10_000_000, 900_000_000_000_000_000} {
		_, err := h.svc.Purchase(context.Background(), purchaseReq(tickets))
		assert.True(t, domain.IsRejection(err, domain.CodeAmountAboveMaximum), "tickets %d: got %v", tickets, err)
	}

	h.gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything)
	assert.Zero(t, h.countOrders(t))
}

func TestPurchaseChargeSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t)
	h.seedRaffle(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var chargeCtxErr error
	h.chargeSucceeds("pay_1").Run(func(args mock.Arguments) {
		cancel()
		chargeCtxErr = args.Get(0).(context.Context).Err()
	})

	res, err := h.svc.Purchase(ctx, purchaseReq(1))

	require.NoError(t, err)
	assert.NoError(t, chargeCtxErr)
	assert.Equal(t, int64(1), h.loadRaffle(t).TotalTicketsSold)
	assert.Equal(t, "pay_1", res.Order.PaymentTransactionID)
}

func TestPurchaseRecordsReceiptOutcome(t *testing.T) {
	h := newHarness(t)
	h.seedRaffle(t, nil)
	h.chargeSucceeds("pay_1")

	res, err := h.svc.Purchase(context.Background(), purchaseReq(1))
	require.NoError(t, err)
	stored, err := h.orders.FindByID(context.Background(), h.db, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.ReceiptSent, stored.ReceiptStatus)
	assert.NotNil(t, stored.ReceiptSentAt)

	msgs := h.dispatcher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, notification.KindReceipt, msgs[0].Kind)
	assert.Equal(t, []string{"ann@example.com"}, msgs[0].To)

	h.dispatcher.outcome = errors.New("smtp: 550 mailbox unavailable")
	res, err = h.svc.Purchase(context.Background(), purchaseReq(1))
	require.NoError(t, err)
	stored, err = h.orders.FindByID(context.Background(), h.db, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.ReceiptFailed, stored.ReceiptStatus)
	require.NotNil(t, stored.ReceiptError)
	assert.Contains(t, *stored.ReceiptError, "550")
	// The buyer's order itself is untouched by the failed receipt.
	assert.Equal(t, orderdomain.PaymentStatusCompleted, stored.PaymentStatus)
}

func TestPurchaseConcurrentBuyersKeepSumInvariant(t *testing.T) {
	h := newHarness(t)
	h.seedRaffle(t, func(r *raffledomain.Raffle) {
		limit := int64(5)
		r.MaxTicketsTotal = &limit
	})
	h.chargeSucceeds("pay_n")
	h.alerts.On("Alert", mock.Anything, mock.Anything).Return(nil).Maybe()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Purchase(context.Background(), purchaseReq(1))
			if err == nil {
				mu.Lock()
				completed++
				mu.Unlock()
				return
			}
			var (
				rej   *domain.RejectionError
				bkErr *domain.BookkeepingError
			)
			assert.True(t, errors.As(err, &rej) || errors.As(err, &bkErr), "unexpected error %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, completed)
	assert.Equal(t, int64(5), h.loadRaffle(t).TotalTicketsSold)
	assert.Equal(t, int64(5), h.countOrders(t))
	h.assertSumInvariant(t)
}

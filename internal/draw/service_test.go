package draw

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/ticketstack/internal/clock"
	"github.com/smallbiznis/ticketstack/internal/config"
	"github.com/smallbiznis/ticketstack/internal/notification"
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

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

// failingAssign simulates the store rejecting the winner update.
type failingAssign struct {
	raffledomain.Repository
}

func (failingAssign) AssignWinner(context.Context, *gorm.DB, snowflake.ID, snowflake.ID, time.Time) (bool, error) {
	return false, errors.New("connection reset by peer")
}

const raffleID snowflake.ID = 500

var (
	start = time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	end   = start.Add(72 * time.Hour)
)

type harness struct {
	svc        *Service
	db         *gorm.DB
	clock      *clock.FakeClock
	raffles    raffledomain.Repository
	dispatcher *fakeDispatcher
	alerts     *alertMock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := dbtest.Open(t, &raffledomain.Raffle{}, &raffledomain.Participation{}, &userdomain.User{})
	h := &harness{
		db:         conn,
		clock:      clock.NewFakeClock(end.Add(time.Minute)),
		raffles:    rafflerepo.Provide(),
		dispatcher: &fakeDispatcher{},
		alerts:     &alertMock{},
	}
	h.svc = New(Params{
		DB:         conn,
		Log:        zap.NewNop(),
		Cfg:        config.Config{FrontendURL: "http://localhost:3000"},
		Clock:      h.clock,
		Raffles:    h.raffles,
		Users:      userrepo.Provide(),
		Dispatcher: h.dispatcher,
		Alerts:     h.alerts,
	})

	require.NoError(t, h.raffles.Create(context.Background(), conn, &raffledomain.Raffle{
		ID:        raffleID,
		Title:     "Cabin weekend",
		Price:     decimal.NewFromInt(10),
		StartDate: start,
		EndDate:   end,
		Status:    raffledomain.StatusActive,
		CreatedAt: start,
		UpdatedAt: start,
	}))
	return h
}

// addHolder records a user holding tickets, keeping the raffle total in step.
func (h *harness) addHolder(t *testing.T, userID snowflake.ID, tickets int64) {
	t.Helper()
	ctx := context.Background()
	users := userrepo.Provide()
	require.NoError(t, users.Create(ctx, h.db, &userdomain.User{
		ID: userID, Username: "u" + userID.String(), Email: "u" + userID.String() + "@example.com",
		EmailVerified: true, CreatedAt: start, UpdatedAt: start,
	}))
	ok, err := h.raffles.IncrementSold(ctx, h.db, raffleID, tickets, start)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.raffles.AddParticipation(ctx, h.db, &raffledomain.Participation{
		ID: userID * 10, RaffleID: raffleID, UserID: userID, TicketsBought: tickets,
		FirstPurchaseAt: start, LastPurchaseAt: start,
	}))
}

func (h *harness) load(t *testing.T) *raffledomain.Raffle {
	t.Helper()
	r, err := h.raffles.FindByID(context.Background(), h.db, raffleID)
	require.NoError(t, err)
	return r
}

func TestWeightedPickCoversPoolExactly(t *testing.T) {
	participations := []raffledomain.Participation{
		{UserID: 1, TicketsBought: 2},
		{UserID: 2, TicketsBought: 0},
		{UserID: 3, TicketsBought: 1},
		{UserID: 4, TicketsBought: 3},
	}

	counts := map[snowflake.ID]int64{}
	for r := int64(0); r < 6; r++ {
		fixed := r
		chosen, total := weightedPick(participations, func(n int64) int64 {
			assert.Equal(t, int64(6), n)
			return fixed
		})
		require.NotNil(t, chosen)
		assert.Equal(t, int64(6), total)
		counts[chosen.UserID]++
	}

	assert.Equal(t, map[snowflake.ID]int64{1: 2, 3: 1, 4: 3}, counts)
}

func TestWeightedPickConverges(t *testing.T) {
	participations := []raffledomain.Participation{
		{UserID: 1, TicketsBought: 2},
		{UserID: 2, TicketsBought: 1},
	}
	src := rand.New(rand.NewPCG(7, 11))

	const draws = 30000
	wins := map[snowflake.ID]int{}
	for i := 0; i < draws; i++ {
		chosen, _ := weightedPick(participations, src.Int64N)
		wins[chosen.UserID]++
	}

	assert.InDelta(t, 2.0/3.0, float64(wins[1])/draws, 0.02)
	assert.InDelta(t, 1.0/3.0, float64(wins[2])/draws, 0.02)
}

func TestWeightedPickEmpty(t *testing.T) {
	chosen, total := weightedPick([]raffledomain.Participation{{UserID: 1}}, func(int64) int64 {
		t.Fatal("pick must not be called for an empty pool")
		return 0
	})
	assert.Nil(t, chosen)
	assert.Zero(t, total)
}

func TestSelectWinnerIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.addHolder(t, 1, 2)
	h.addHolder(t, 2, 1)

	first, err := h.svc.SelectWinner(context.Background(), raffleID)
	require.NoError(t, err)
	assert.False(t, first.AlreadyDrawn)
	assert.Equal(t, int64(3), first.TotalTickets)

	second, err := h.svc.SelectWinner(context.Background(), raffleID)
	require.NoError(t, err)
	assert.True(t, second.AlreadyDrawn)
	assert.Equal(t, first.UserID, second.UserID)
	assert.Equal(t, first.Tickets, second.Tickets)

	assert.Equal(t, 1, h.dispatcher.count())
	r := h.load(t)
	assert.Equal(t, raffledomain.StatusCompleted, r.Status)
	require.NotNil(t, r.WinnerNoticeStatus)
	assert.Equal(t, raffledomain.NoticeSent, *r.WinnerNoticeStatus)
}

func TestSelectWinnerConcurrentCallsPersistOneWinner(t *testing.T) {
	h := newHarness(t)
	h.addHolder(t, 1, 2)
	h.addHolder(t, 2, 1)

	results := make([]Winner, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := h.svc.SelectWinner(context.Background(), raffleID)
			assert.NoError(t, err)
			results[i] = w
		}(i)
	}
	wg.Wait()

	assert.Equal(t, results[0].UserID, results[1].UserID)
	assert.NotEqual(t, results[0].AlreadyDrawn, results[1].AlreadyDrawn)
	assert.Equal(t, 1, h.dispatcher.count())
	require.NotNil(t, h.load(t).WinnerID)
	assert.Equal(t, results[0].UserID, *h.load(t).WinnerID)
}

func TestSelectWinnerNoParticipantsIsTerminal(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.SelectWinner(context.Background(), raffleID)
	assert.ErrorIs(t, err, ErrNoParticipants)

	r := h.load(t)
	assert.Nil(t, r.WinnerID)
	assert.NotNil(t, r.NoParticipantsAt)
	assert.Equal(t, raffledomain.StatusCompleted, r.Status)

	awaiting, err := h.raffles.ListAwaitingDraw(context.Background(), h.db, h.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, awaiting)

	_, err = h.svc.SelectWinner(context.Background(), raffleID)
	assert.ErrorIs(t, err, ErrNoParticipants)
	assert.Zero(t, h.dispatcher.count())
}

func TestSelectWinnerBeforeEnd(t *testing.T) {
	h := newHarness(t)
	h.addHolder(t, 1, 1)
	h.clock.Set(end)

	_, err := h.svc.SelectWinner(context.Background(), raffleID)
	assert.ErrorIs(t, err, ErrRaffleNotEnded)
	assert.Nil(t, h.load(t).WinnerID)
}

func TestSelectWinnerUnknownRaffle(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.SelectWinner(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrRaffleNotFound)
}

func TestSelectWinnerStorageFailureLeavesRaffleUndrawn(t *testing.T) {
	h := newHarness(t)
	h.addHolder(t, 1, 1)
	h.svc.raffles = failingAssign{Repository: h.raffles}
	h.alerts.On("Alert", mock.Anything, mock.Anything).Return(nil).Once()

	_, err := h.svc.SelectWinner(context.Background(), raffleID)

	assert.Error(t, err)
	assert.Nil(t, h.load(t).WinnerID)
	assert.Zero(t, h.dispatcher.count())
	h.alerts.AssertExpectations(t)
}

func TestSelectWinnerRecordsFailedNotice(t *testing.T) {
	h := newHarness(t)
	h.addHolder(t, 1, 1)
	h.dispatcher.outcome = errors.New("smtp: 421")
	h.alerts.On("Alert", mock.Anything, mock.Anything).Return(nil).Once()

	w, err := h.svc.SelectWinner(context.Background(), raffleID)
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(1), w.UserID)

	r := h.load(t)
	require.NotNil(t, r.WinnerNoticeStatus)
	assert.Equal(t, raffledomain.NoticeFailed, *r.WinnerNoticeStatus)
	require.NotNil(t, r.WinnerNoticeError)
	assert.Contains(t, *r.WinnerNoticeError, "421")
}

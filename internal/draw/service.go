package draw

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ticketstack/internal/clock"
	"github.com/smallbiznis/ticketstack/internal/config"
	"github.com/smallbiznis/ticketstack/internal/notification"
	obscontext "github.com/smallbiznis/ticketstack/internal/observability/context"
	"github.com/smallbiznis/ticketstack/internal/observability/logger"
	"github.com/smallbiznis/ticketstack/internal/observability/metrics"
	"github.com/smallbiznis/ticketstack/internal/observability/tracing"
	"github.com/smallbiznis/ticketstack/internal/providers/alert"
	raffledomain "github.com/smallbiznis/ticketstack/internal/raffle/domain"
	userdomain "github.com/smallbiznis/ticketstack/internal/user/domain"
	"github.com/smallbiznis/ticketstack/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrRaffleNotFound = errors.New("raffle_not_found")
	ErrRaffleNotEnded = errors.New("raffle_not_ended")
	ErrNoParticipants = errors.New("no_participants")
)

type Winner struct {
	RaffleID     snowflake.ID
	UserID       snowflake.ID
	Tickets      int64
	TotalTickets int64
	// AlreadyDrawn is set when the winner was recorded by an earlier call.
	AlreadyDrawn bool
}

type Dispatcher interface {
	Submit(ctx context.Context, msg notification.Message, onDone notification.OnDone) error
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	Clock      clock.Clock
	Raffles    raffledomain.Repository
	Users      userdomain.Repository
	Dispatcher Dispatcher
	Alerts     alert.Notifier
	Metrics    *metrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	raffles     raffledomain.Repository
	users       userdomain.Repository
	dispatcher  Dispatcher
	alerts      alert.Notifier
	metrics     *metrics.Metrics
	frontendURL string
	txRetries   int
	// pick returns a uniform value in [0, n).
	pick func(n int64) int64
}

func New(p Params) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("draw.service"),
		clock:       p.Clock,
		raffles:     p.Raffles,
		users:       p.Users,
		dispatcher:  p.Dispatcher,
		alerts:      p.Alerts,
		metrics:     p.Metrics,
		frontendURL: p.Cfg.FrontendURL,
		txRetries:   p.Cfg.DBTxRetries,
		pick:        rand.Int64N,
	}
}

// SelectWinner draws a winner for an ended raffle with probability
// proportional to tickets held. It is safe to call repeatedly and
// concurrently: only one call records a winner and notifies them.
func (s *Service) SelectWinner(ctx context.Context, raffleID snowflake.ID) (Winner, error) {
	ctx = obscontext.WithRaffleID(ctx, raffleID.String())
	ctx, span := otel.Tracer("ticketstack/draw").Start(ctx, "draw.SelectWinner")
	defer span.End()
	span.SetAttributes(attribute.String("raffle_id", raffleID.String()))

	winner, err := s.selectWinner(ctx, raffleID)
	s.metrics.RecordWinnerDrawn(ctx, drawSource(ctx), drawOutcome(winner, err))
	if err != nil && !errors.Is(err, ErrNoParticipants) && !errors.Is(err, ErrRaffleNotEnded) {
		tracing.RecordError(span, err)
	}
	return winner, err
}

// drawn is what the locked part of a draw decided.
type drawn struct {
	raffle         *raffledomain.Raffle
	chosen         *raffledomain.Participation
	total          int64
	participants   int
	noParticipants bool
	alreadyDrawn   bool
}

func (s *Service) selectWinner(ctx context.Context, raffleID snowflake.ID) (Winner, error) {
	log := logger.WithContext(ctx, s.log)

	var (
		res       drawn
		assignErr error
	)
	err := db.WithTxRetry(ctx, s.db, s.txRetries, func(tx *gorm.DB) error {
		res, assignErr = drawn{}, nil
		return s.drawLocked(ctx, tx, raffleID, &res, &assignErr)
	})
	if assignErr != nil {
		s.alert(ctx, fmt.Sprintf("Winner draw for raffle %s (%q) failed to commit and will be retried: %v",
			raffleID, res.raffle.Title, tracing.SafeError(assignErr)))
	}
	if err != nil {
		return Winner{}, err
	}

	switch {
	case res.alreadyDrawn:
		return s.recorded(ctx, res.raffle)
	case res.noParticipants:
		log.Info("raffle closed without participants")
		return Winner{RaffleID: raffleID}, ErrNoParticipants
	}

	chosen := res.chosen
	log.Info("winner selected",
		zap.String("winner_id", chosen.UserID.String()),
		zap.Int64("winner_tickets", chosen.TicketsBought),
		zap.Int64("total_tickets", res.total),
		zap.Int("participants", res.participants),
	)
	res.raffle.WinnerID = &chosen.UserID
	res.raffle.Status = raffledomain.StatusCompleted
	s.notifyWinner(ctx, res.raffle, chosen.UserID)

	return Winner{
		RaffleID:     raffleID,
		UserID:       chosen.UserID,
		Tickets:      chosen.TicketsBought,
		TotalTickets: res.total,
	}, nil
}

// drawLocked reads the pool and records the outcome under the raffle row
// lock, the same lock a purchase commit takes, so no sale can land between
// the read and the write.
func (s *Service) drawLocked(ctx context.Context, tx *gorm.DB, raffleID snowflake.ID, res *drawn, assignErr *error) error {
	raffle, err := s.raffles.FindByIDForUpdate(ctx, tx, raffleID)
	if err != nil {
		return fmt.Errorf("load raffle: %w", err)
	}
	if raffle == nil {
		return ErrRaffleNotFound
	}
	res.raffle = raffle
	if raffle.WinnerID != nil {
		res.alreadyDrawn = true
		return nil
	}
	if raffle.NoParticipantsAt != nil {
		return ErrNoParticipants
	}

	now := s.clock.Now()
	if !now.After(raffle.EndDate) {
		return ErrRaffleNotEnded
	}

	participations, err := s.raffles.ListParticipations(ctx, tx, raffleID)
	if err != nil {
		return fmt.Errorf("load participants: %w", err)
	}
	chosen, total := weightedPick(participations, s.pick)
	if chosen == nil {
		if _, err := s.raffles.MarkNoParticipants(ctx, tx, raffleID, now); err != nil {
			return fmt.Errorf("mark no participants: %w", err)
		}
		res.noParticipants = true
		return nil
	}

	assigned, err := s.raffles.AssignWinner(ctx, tx, raffleID, chosen.UserID, now)
	if err != nil {
		*assignErr = err
		return fmt.Errorf("assign winner: %w", err)
	}
	if !assigned {
		return fmt.Errorf("winner for raffle %s not recorded", raffleID)
	}
	res.chosen = chosen
	res.total = total
	res.participants = len(participations)
	return nil
}

func (s *Service) recorded(ctx context.Context, raffle *raffledomain.Raffle) (Winner, error) {
	w := Winner{
		RaffleID:     raffle.ID,
		UserID:       *raffle.WinnerID,
		TotalTickets: raffle.TotalTicketsSold,
		AlreadyDrawn: true,
	}
	p, err := s.raffles.FindParticipation(ctx, s.db, raffle.ID, w.UserID)
	if err != nil {
		return Winner{}, fmt.Errorf("load winner participation: %w", err)
	}
	if p != nil {
		w.Tickets = p.TicketsBought
	}
	return w, nil
}

// weightedPick chooses a participation with probability tickets/total by
// walking cumulative sums. It returns nil when no tickets are held.
func weightedPick(participations []raffledomain.Participation, pick func(n int64) int64) (*raffledomain.Participation, int64) {
	var total int64
	for _, p := range participations {
		if p.TicketsBought > 0 {
			total += p.TicketsBought
		}
	}
	if total == 0 {
		return nil, 0
	}

	r := pick(total)
	for i := range participations {
		p := &participations[i]
		if p.TicketsBought <= 0 {
			continue
		}
		if r < p.TicketsBought {
			return p, total
		}
		r -= p.TicketsBought
	}
	return nil, total
}

func (s *Service) notifyWinner(ctx context.Context, raffle *raffledomain.Raffle, userID snowflake.ID) {
	log := logger.WithContext(ctx, s.log)
	raffleID := raffle.ID

	record := func(ctx context.Context, status raffledomain.NoticeStatus, errMsg string) {
		if err := s.raffles.RecordWinnerNotice(ctx, s.db, raffleID, status, errMsg, s.clock.Now()); err != nil {
			log.Warn("winner notice status not recorded", zap.Error(err))
		}
	}

	user, err := s.users.FindByID(ctx, s.db, userID)
	if err == nil && user == nil {
		err = userdomain.ErrNotFound
	}
	if err == nil {
		err = user.CheckContactable()
	}
	if err != nil {
		log.Warn("winner cannot be notified", zap.String("winner_id", userID.String()), zap.Error(err))
		record(ctx, raffledomain.NoticeFailed, err.Error())
		return
	}

	msg := notification.WinnerMessage(s.frontendURL, user, raffle)
	err = s.dispatcher.Submit(ctx, msg, func(ctx context.Context, outcome notification.Outcome) {
		if outcome.Err != nil {
			record(ctx, raffledomain.NoticeFailed, outcome.Err.Error())
			s.alert(ctx, fmt.Sprintf("Winner notice for raffle %s (%q) failed after %d attempt(s): %v",
				raffleID, raffle.Title, outcome.Attempts, tracing.SafeError(outcome.Err)))
			return
		}
		record(ctx, raffledomain.NoticeSent, "")
	})
	if err != nil {
		log.Warn("winner notice not queued", zap.Error(err))
		record(ctx, raffledomain.NoticeFailed, err.Error())
	}
}

func (s *Service) alert(ctx context.Context, text string) {
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.alerts.Alert(alertCtx, text); err != nil && !errors.Is(err, alert.ErrNotConfigured) {
		s.log.Warn("operator alert not delivered", zap.Error(err))
	}
}

func drawSource(ctx context.Context) string {
	if actorType, _ := obscontext.ActorFromContext(ctx); actorType != "" {
		return actorType
	}
	return "unknown"
}

func drawOutcome(w Winner, err error) string {
	switch {
	case errors.Is(err, ErrNoParticipants):
		return "no_participants"
	case errors.Is(err, ErrRaffleNotEnded):
		return "not_ended"
	case err != nil:
		return "error"
	case w.AlreadyDrawn:
		return "already_drawn"
	default:
		return "drawn"
	}
}

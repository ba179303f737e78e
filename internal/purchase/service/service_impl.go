package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/ticketstack/internal/clock"
	"github.com/smallbiznis/ticketstack/internal/config"
	"github.com/smallbiznis/ticketstack/internal/notification"
	obscontext "github.com/smallbiznis/ticketstack/internal/observability/context"
	"github.com/smallbiznis/ticketstack/internal/observability/logger"
	"github.com/smallbiznis/ticketstack/internal/observability/metrics"
	"github.com/smallbiznis/ticketstack/internal/observability/tracing"
	orderdomain "github.com/smallbiznis/ticketstack/internal/order/domain"
	"github.com/smallbiznis/ticketstack/internal/providers/alert"
	paymentdomain "github.com/smallbiznis/ticketstack/internal/providers/payment/domain"
	"github.com/smallbiznis/ticketstack/internal/purchase/domain"
	raffledomain "github.com/smallbiznis/ticketstack/internal/raffle/domain"
	userdomain "github.com/smallbiznis/ticketstack/internal/user/domain"
	"github.com/smallbiznis/ticketstack/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	commitTimeout = 15 * time.Second
	alertTimeout  = 5 * time.Second
)

var (
	errCapExhausted  = errors.New("ticket cap reached before commit")
	errUserCapPassed = errors.New("per-user cap reached before commit")
	errRaffleGone    = errors.New("raffle disappeared before commit")
	errRaffleDrawn   = errors.New("raffle drawn before commit")
	errKeyConflict   = errors.New("idempotency key used by another purchase")
)

// Dispatcher is the part of the notification dispatcher purchases use.
type Dispatcher interface {
	Submit(ctx context.Context, msg notification.Message, onDone notification.OnDone) error
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	Commerce   *config.CommerceConfigHolder
	GenID      *snowflake.Node
	Clock      clock.Clock
	Raffles    raffledomain.Repository
	Orders     orderdomain.Repository
	Users      userdomain.Repository
	Gateway    paymentdomain.Gateway
	Dispatcher Dispatcher
	Alerts     alert.Notifier
	Metrics    *metrics.Metrics `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	commerce       *config.CommerceConfigHolder
	genID          *snowflake.Node
	clock          clock.Clock
	raffles        raffledomain.Repository
	orders         orderdomain.Repository
	users          userdomain.Repository
	gateway        paymentdomain.Gateway
	dispatcher     Dispatcher
	alerts         alert.Notifier
	metrics        *metrics.Metrics
	frontendURL    string
	gatewayTimeout time.Duration
	txRetries      int
}

func New(p Params) domain.Service {
	gatewayTimeout := p.Cfg.Gateway.Timeout
	if gatewayTimeout <= 0 {
		gatewayTimeout = 12 * time.Second
	}
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("purchase.service"),
		commerce:       p.Commerce,
		genID:          p.GenID,
		clock:          p.Clock,
		raffles:        p.Raffles,
		orders:         p.Orders,
		users:          p.Users,
		gateway:        p.Gateway,
		dispatcher:     p.Dispatcher,
		alerts:         p.Alerts,
		metrics:        p.Metrics,
		frontendURL:    p.Cfg.FrontendURL,
		gatewayTimeout: gatewayTimeout,
		txRetries:      p.Cfg.DBTxRetries,
	}
}

// checked is the state validated before the charge.
type checked struct {
	raffle  *raffledomain.Raffle
	user    *userdomain.User
	amounts domain.Amounts
	cfg     config.CommerceConfig
}

func (s *Service) Purchase(ctx context.Context, req domain.Request) (*domain.Result, error) {
	ctx, _ = obscontext.EnsureCorrelationID(ctx)
	ctx = obscontext.WithRaffleID(ctx, req.RaffleID.String())
	ctx, span := otel.Tracer("ticketstack/purchase").Start(ctx, "purchase.Purchase")
	defer span.End()
	span.SetAttributes(
		attribute.String("raffle_id", req.RaffleID.String()),
		attribute.Int64("tickets", req.Tickets),
	)

	result, err := s.purchase(ctx, req)
	if err != nil {
		tracing.RecordError(span, err)
	}
	return result, err
}

func (s *Service) purchase(ctx context.Context, req domain.Request) (*domain.Result, error) {
	log := logger.WithContext(ctx, s.log).With(
		zap.String("user_id", req.UserID.String()),
		zap.Int64("tickets", req.Tickets),
	)

	if req.Tickets <= 0 {
		return nil, s.reject(ctx, domain.Reject(domain.CodeInvalidTicketCount))
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		existing, err := s.orders.FindByIdempotencyKey(ctx, s.db, key)
		if err != nil {
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
		if existing != nil {
			if !sameRequest(existing, req) {
				log.Warn("idempotency key reused for a different purchase",
					zap.String("order_id", existing.ID.String()))
				return nil, s.reject(ctx, domain.Reject(domain.CodeIdempotencyConflict))
			}
			log.Info("purchase replayed", zap.String("order_id", existing.ID.String()))
			s.metrics.RecordPurchase(ctx, "replayed", "")
			return &domain.Result{Order: existing, Replayed: true}, nil
		}
	}

	state, err := s.validate(ctx, req)
	if err != nil {
		var rej *domain.RejectionError
		if errors.As(err, &rej) {
			return nil, s.reject(ctx, rej)
		}
		return nil, err
	}

	if key == "" {
		key = uuid.NewString()
	}

	charge, err := s.charge(ctx, req, state, key)
	if err != nil {
		var payErr *domain.PaymentError
		if errors.As(err, &payErr) {
			log.Info("payment not completed",
				zap.String("reason", string(payErr.Reason)),
				zap.String("decline_code", payErr.Code),
				zap.Error(payErr.Err),
			)
			s.metrics.RecordPaymentFailure(ctx, s.gateway.Provider(), string(payErr.Reason))
			s.metrics.RecordPurchase(ctx, "payment_failed", string(payErr.Reason))
		}
		return nil, err
	}

	return s.commit(ctx, req, state, key, charge)
}

// sameRequest reports whether a stored order answers req, so a replay never
// hands one buyer's order to another.
func sameRequest(order *orderdomain.Order, req domain.Request) bool {
	return order.UserID == req.UserID &&
		order.RaffleID == req.RaffleID &&
		order.TicketsBought == req.Tickets
}

func (s *Service) reject(ctx context.Context, rej *domain.RejectionError) error {
	s.metrics.RecordPurchase(ctx, "rejected", string(rej.Code))
	return rej
}

func (s *Service) validate(ctx context.Context, req domain.Request) (*checked, error) {
	now := s.clock.Now()

	raffle, err := s.raffles.FindByID(ctx, s.db, req.RaffleID)
	if err != nil {
		return nil, fmt.Errorf("load raffle: %w", err)
	}
	if raffle == nil {
		return nil, domain.Reject(domain.CodeRaffleNotFound)
	}
	switch err := raffle.CheckAcceptingSales(now); {
	case errors.Is(err, raffledomain.ErrEnded):
		return nil, domain.Reject(domain.CodeRaffleEnded)
	case err != nil:
		return nil, domain.Reject(domain.CodeRaffleNotActive)
	}
	if remaining, capped := raffle.RemainingTickets(); capped && req.Tickets > remaining {
		return nil, domain.RejectWithAvailable(domain.CodeTicketsUnavailable, remaining)
	}

	user, err := s.users.FindByID(ctx, s.db, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, domain.Reject(domain.CodeUserNotFound)
	}
	switch err := user.CheckContactable(); {
	case errors.Is(err, userdomain.ErrInvalidEmail):
		return nil, domain.Reject(domain.CodeEmailInvalid)
	case errors.Is(err, userdomain.ErrUnverified):
		return nil, domain.Reject(domain.CodeEmailUnverified)
	}

	if raffle.MaxTicketsPerUser != nil {
		participation, err := s.raffles.FindParticipation(ctx, s.db, raffle.ID, user.ID)
		if err != nil {
			return nil, fmt.Errorf("load participation: %w", err)
		}
		var held int64
		if participation != nil {
			held = participation.TicketsBought
		}
		if remaining, _ := raffle.RemainingForUser(held); req.Tickets > remaining {
			return nil, domain.RejectWithAvailable(domain.CodeUserLimitExceeded, remaining)
		}
	}

	cfg := s.commerce.Get()
	amounts := domain.ComputeAmounts(raffle.Price, req.Tickets, cfg.Rate())
	if amounts.Minor < cfg.MinChargeMinor {
		return nil, domain.Reject(domain.CodeAmountBelowMinimum)
	}
	if amounts.Minor > cfg.MaxChargeMinor {
		return nil, domain.Reject(domain.CodeAmountAboveMaximum)
	}
	if strings.TrimSpace(req.PaymentToken) == "" {
		return nil, domain.Reject(domain.CodeInvalidPaymentToken)
	}

	return &checked{raffle: raffle, user: user, amounts: amounts, cfg: cfg}, nil
}

// charge runs detached from the caller's cancellation: once the request is
// sent the gateway may capture funds, so we always wait for its answer.
func (s *Service) charge(ctx context.Context, req domain.Request, state *checked, key string) (paymentdomain.ChargeResult, error) {
	chargeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.gatewayTimeout)
	defer cancel()

	result, err := s.gateway.Charge(chargeCtx, paymentdomain.ChargeRequest{
		SourceToken:    req.PaymentToken,
		IdempotencyKey: key,
		AmountMinor:    state.amounts.Minor,
		Currency:       state.cfg.Currency,
		Note:           fmt.Sprintf("%s x%d", state.raffle.Title, req.Tickets),
	})
	if err != nil {
		return paymentdomain.ChargeResult{}, domain.TransportFailure(err)
	}
	if !result.Completed() {
		return paymentdomain.ChargeResult{}, domain.ClassifyDecline(result)
	}
	return result, nil
}

func (s *Service) commit(ctx context.Context, req domain.Request, state *checked, key string, charge paymentdomain.ChargeResult) (*domain.Result, error) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	log := logger.WithContext(commitCtx, s.log)

	now := s.clock.Now()
	metadata := datatypes.JSONMap{}
	for k, v := range charge.Metadata {
		metadata[k] = v
	}
	order := &orderdomain.Order{
		ID:                   s.genID.Generate(),
		UserID:               state.user.ID,
		RaffleID:             state.raffle.ID,
		TicketsBought:        req.Tickets,
		BaseAmount:           state.amounts.Base,
		TaxAmount:            state.amounts.Tax,
		TotalAmount:          state.amounts.Total,
		AmountMinor:          state.amounts.Minor,
		Currency:             state.cfg.Currency,
		PaymentStatus:        orderdomain.PaymentStatusCompleted,
		PaymentProvider:      s.gateway.Provider(),
		PaymentTransactionID: charge.TransactionID,
		PaymentMetadata:      metadata,
		IdempotencyKey:       key,
		ReceiptStatus:        orderdomain.ReceiptPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	err := db.WithTxRetry(commitCtx, s.db, s.txRetries, func(tx *gorm.DB) error {
		return s.record(commitCtx, tx, order, now)
	})

	if errors.Is(err, orderdomain.ErrDuplicateKey) {
		existing, findErr := s.orders.FindByIdempotencyKey(commitCtx, s.db, key)
		switch {
		case findErr != nil:
			err = errors.Join(err, findErr)
		case existing != nil && sameRequest(existing, req):
			log.Info("concurrent purchase with same key, returning stored order",
				zap.String("order_id", existing.ID.String()))
			s.metrics.RecordPurchase(commitCtx, "replayed", "")
			return &domain.Result{Order: existing, Replayed: true}, nil
		case existing != nil:
			err = fmt.Errorf("%w: key held by order %s", errKeyConflict, existing.ID)
		}
	}
	if err != nil {
		return nil, s.bookkeepingFailure(commitCtx, req, charge, state, key, err)
	}

	log.Info("purchase completed",
		zap.String("order_id", order.ID.String()),
		zap.String("user_id", order.UserID.String()),
		zap.Int64("tickets", order.TicketsBought),
		zap.Int64("amount_minor", order.AmountMinor),
		zap.String("currency", order.Currency),
	)
	s.metrics.RecordPurchase(commitCtx, "completed", "")
	s.metrics.RecordTicketsSold(commitCtx, state.raffle.Category, order.TicketsBought)

	s.sendReceipt(commitCtx, state, order)
	return &domain.Result{Order: order}, nil
}

// record applies the purchase under the raffle row lock. Caps are checked
// again because other purchases may have committed while we were charging.
func (s *Service) record(ctx context.Context, tx *gorm.DB, order *orderdomain.Order, now time.Time) error {
	raffle, err := s.raffles.FindByIDForUpdate(ctx, tx, order.RaffleID)
	if err != nil {
		return err
	}
	if raffle == nil {
		return errRaffleGone
	}
	if raffle.WinnerID != nil || raffle.NoParticipantsAt != nil {
		return errRaffleDrawn
	}
	if remaining, capped := raffle.RemainingTickets(); capped && order.TicketsBought > remaining {
		return errCapExhausted
	}
	if raffle.MaxTicketsPerUser != nil {
		participation, err := s.raffles.FindParticipation(ctx, tx, raffle.ID, order.UserID)
		if err != nil {
			return err
		}
		var held int64
		if participation != nil {
			held = participation.TicketsBought
		}
		if remaining, _ := raffle.RemainingForUser(held); order.TicketsBought > remaining {
			return errUserCapPassed
		}
	}

	ok, err := s.raffles.IncrementSold(ctx, tx, raffle.ID, order.TicketsBought, now)
	if err != nil {
		return err
	}
	if !ok {
		return errCapExhausted
	}
	if err := s.raffles.AddParticipation(ctx, tx, &raffledomain.Participation{
		ID:              s.genID.Generate(),
		RaffleID:        raffle.ID,
		UserID:          order.UserID,
		TicketsBought:   order.TicketsBought,
		FirstPurchaseAt: now,
		LastPurchaseAt:  now,
	}); err != nil {
		return err
	}
	return s.orders.Insert(ctx, tx, order)
}

func (s *Service) bookkeepingFailure(ctx context.Context, req domain.Request, charge paymentdomain.ChargeResult, state *checked, key string, cause error) error {
	bkErr := &domain.BookkeepingError{
		Provider:       s.gateway.Provider(),
		TransactionID:  charge.TransactionID,
		RaffleID:       state.raffle.ID,
		UserID:         state.user.ID,
		Tickets:        req.Tickets,
		AmountMinor:    state.amounts.Minor,
		Currency:       state.cfg.Currency,
		IdempotencyKey: key,
		Err:            cause,
	}

	logger.WithContext(ctx, s.log).Error("payment captured but purchase not recorded",
		zap.String("provider", bkErr.Provider),
		zap.String("transaction_id", bkErr.TransactionID),
		zap.String("user_id", bkErr.UserID.String()),
		zap.Int64("tickets", bkErr.Tickets),
		zap.Int64("amount_minor", bkErr.AmountMinor),
		zap.String("currency", bkErr.Currency),
		zap.String("idempotency_key", bkErr.IdempotencyKey),
		zap.Error(cause),
	)
	s.metrics.RecordBookkeepingFailure(ctx, bkErr.Provider)
	s.metrics.RecordPurchase(ctx, "bookkeeping_failed", "")

	alertCtx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()
	text := fmt.Sprintf("Bookkeeping failure: %s payment %s (%d minor %s) for raffle %s, user %s, %d ticket(s), key %s was captured but not recorded: %v",
		bkErr.Provider, bkErr.TransactionID, bkErr.AmountMinor, bkErr.Currency,
		bkErr.RaffleID, bkErr.UserID, bkErr.Tickets, bkErr.IdempotencyKey, tracing.SafeError(cause))
	if err := s.alerts.Alert(alertCtx, text); err != nil && !errors.Is(err, alert.ErrNotConfigured) {
		s.log.Warn("bookkeeping alert not delivered", zap.Error(err))
	}
	return bkErr
}

func (s *Service) sendReceipt(ctx context.Context, state *checked, order *orderdomain.Order) {
	msg := notification.ReceiptMessage(s.frontendURL, state.user, state.raffle, order, state.cfg.Rate())
	orderID := order.ID

	err := s.dispatcher.Submit(ctx, msg, func(ctx context.Context, outcome notification.Outcome) {
		status, errMsg := orderdomain.ReceiptSent, ""
		if outcome.Err != nil {
			status, errMsg = orderdomain.ReceiptFailed, outcome.Err.Error()
		}
		if err := s.orders.UpdateReceipt(ctx, s.db, orderID, status, errMsg, s.clock.Now()); err != nil {
			logger.WithContext(ctx, s.log).Warn("receipt status not recorded",
				zap.String("order_id", orderID.String()), zap.Error(err))
		}
	})
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("receipt not queued",
			zap.String("order_id", orderID.String()), zap.Error(err))
		if updErr := s.orders.UpdateReceipt(ctx, s.db, orderID, orderdomain.ReceiptFailed, err.Error(), s.clock.Now()); updErr != nil {
			s.log.Warn("receipt status not recorded", zap.Error(updErr))
		}
	}
}

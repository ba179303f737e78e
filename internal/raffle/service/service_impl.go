package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ticketstack/internal/clock"
	"github.com/smallbiznis/ticketstack/internal/raffle/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("raffle.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Raffle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if !req.EndDate.After(now) {
		return nil, domain.ErrInvalidWindow
	}

	raffle := &domain.Raffle{
		ID:                s.genID.Generate(),
		Title:             req.Title,
		Description:       req.Description,
		Price:             req.Price,
		Category:          req.Category,
		StartDate:         req.StartDate,
		EndDate:           req.EndDate,
		MaxTicketsTotal:   req.MaxTicketsTotal,
		MaxTicketsPerUser: req.MaxTicketsPerUser,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	raffle.Status = raffle.ComputeStatus(now)

	if err := s.repo.Create(ctx, s.db, raffle); err != nil {
		return nil, err
	}

	s.log.Info("raffle created",
		zap.String("raffle_id", raffle.ID.String()),
		zap.String("status", string(raffle.Status)),
		zap.String("category", raffle.Category),
	)
	return raffle, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Raffle, error) {
	if id == 0 {
		return nil, domain.ErrInvalidID
	}
	raffle, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if raffle == nil {
		return nil, domain.ErrNotFound
	}
	return raffle, nil
}

func (s *Service) WinningChance(ctx context.Context, raffleID, userID snowflake.ID) (domain.WinningChance, error) {
	raffle, err := s.Get(ctx, raffleID)
	if err != nil {
		return domain.WinningChance{}, err
	}

	chance := domain.WinningChance{
		RaffleID:     raffleID,
		UserID:       userID,
		TotalTickets: raffle.TotalTicketsSold,
	}

	participation, err := s.repo.FindParticipation(ctx, s.db, raffleID, userID)
	if err != nil {
		return domain.WinningChance{}, err
	}
	if participation != nil {
		chance.UserTickets = participation.TicketsBought
	}
	if chance.TotalTickets > 0 {
		chance.Percent = float64(chance.UserTickets) / float64(chance.TotalTickets) * 100
	}
	return chance, nil
}

package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository methods take the handle to run on so callers can pass a
// transaction. Lookups return nil, nil when the row does not exist.
type Repository interface {
	Create(ctx context.Context, db *gorm.DB, raffle *Raffle) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Raffle, error)
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Raffle, error)

	ListBehindSchedule(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Raffle, error)
	ListAwaitingDraw(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Raffle, error)
	ListEndingSoon(ctx context.Context, db *gorm.DB, now, until time.Time, limit int) ([]Raffle, error)

	AdvanceStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, now time.Time) (bool, error)
	IncrementSold(ctx context.Context, tx *gorm.DB, id snowflake.ID, tickets int64, now time.Time) (bool, error)
	AssignWinner(ctx context.Context, db *gorm.DB, id, winnerID snowflake.ID, now time.Time) (bool, error)
	MarkNoParticipants(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	ClaimReminder(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	RecordWinnerNotice(ctx context.Context, db *gorm.DB, id snowflake.ID, status NoticeStatus, errMsg string, now time.Time) error

	FindParticipation(ctx context.Context, db *gorm.DB, raffleID, userID snowflake.ID) (*Participation, error)
	AddParticipation(ctx context.Context, tx *gorm.DB, p *Participation) error
	ListParticipations(ctx context.Context, db *gorm.DB, raffleID snowflake.ID) ([]Participation, error)
	SumParticipation(ctx context.Context, db *gorm.DB, raffleID snowflake.ID) (int64, error)
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Raffle, error)
	Get(ctx context.Context, id snowflake.ID) (*Raffle, error)
	WinningChance(ctx context.Context, raffleID, userID snowflake.ID) (WinningChance, error)
}

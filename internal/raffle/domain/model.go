package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusUpcoming  Status = "upcoming"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

type NoticeStatus string

const (
	NoticePending NoticeStatus = "pending"
	NoticeSent    NoticeStatus = "sent"
	NoticeFailed  NoticeStatus = "failed"
)

const DefaultCategory = "general"

type Raffle struct {
	ID                snowflake.ID    `gorm:"primaryKey"`
	Title             string          `gorm:"type:text;not null"`
	Description       string          `gorm:"type:text;not null;default:''"`
	Price             decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Category          string          `gorm:"type:text;not null;default:'general'"`
	StartDate         time.Time       `gorm:"column:start_date;not null"`
	EndDate           time.Time       `gorm:"column:end_date;not null"`
	Status            Status          `gorm:"type:text;not null;default:'upcoming'"`
	TotalTicketsSold  int64           `gorm:"column:total_tickets_sold;not null;default:0"`
	MaxTicketsTotal   *int64          `gorm:"column:max_tickets_total"`
	MaxTicketsPerUser *int64          `gorm:"column:max_tickets_per_user"`
	WinnerID          *snowflake.ID   `gorm:"column:winner_id"`

	ReminderSent       bool          `gorm:"column:reminder_sent;not null;default:false"`
	ReminderSentAt     *time.Time    `gorm:"column:reminder_sent_at"`
	NoParticipantsAt   *time.Time    `gorm:"column:no_participants_at"`
	WinnerNoticeStatus *NoticeStatus `gorm:"column:winner_notice_status;type:text"`
	WinnerNoticeError  *string       `gorm:"column:winner_notice_error;type:text"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Raffle) TableName() string { return "raffles" }

// Participation is a user's cumulative holding in one raffle. Rows are
// created on first purchase and only ever incremented.
type Participation struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	RaffleID        snowflake.ID `gorm:"column:raffle_id;not null;uniqueIndex:ux_raffle_participants_raffle_user,priority:1"`
	UserID          snowflake.ID `gorm:"column:user_id;not null;uniqueIndex:ux_raffle_participants_raffle_user,priority:2"`
	TicketsBought   int64        `gorm:"column:tickets_bought;not null"`
	FirstPurchaseAt time.Time    `gorm:"column:first_purchase_at;not null"`
	LastPurchaseAt  time.Time    `gorm:"column:last_purchase_at;not null"`
}

func (Participation) TableName() string { return "raffle_participants" }

type CreateRequest struct {
	Title             string
	Description       string
	Price             decimal.Decimal
	Category          string
	StartDate         time.Time
	EndDate           time.Time
	MaxTicketsTotal   *int64
	MaxTicketsPerUser *int64
}

// WinningChance is a user's share of the ticket pool.
type WinningChance struct {
	RaffleID     snowflake.ID
	UserID       snowflake.ID
	UserTickets  int64
	TotalTickets int64
	Percent      float64
}

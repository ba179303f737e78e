package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	raffledomain "github.com/smallbiznis/ticketstack/internal/raffle/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const raffleColumns = `id, title, description, price, category, start_date, end_date, status,
	total_tickets_sold, max_tickets_total, max_tickets_per_user, winner_id,
	reminder_sent, reminder_sent_at, no_participants_at, winner_notice_status, winner_notice_error,
	created_at, updated_at`

type repository struct{}

func Provide() raffledomain.Repository {
	return &repository{}
}

func (r *repository) Create(ctx context.Context, db *gorm.DB, raffle *raffledomain.Raffle) error {
	raffle.Normalize()
	return db.WithContext(ctx).Create(raffle).Error
}

func (r *repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*raffledomain.Raffle, error) {
	var raffle raffledomain.Raffle
	err := db.WithContext(ctx).Raw(
		`SELECT `+raffleColumns+`
		 FROM raffles
		 WHERE id = ?`,
		id,
	).Scan(&raffle).Error
	if err != nil {
		return nil, err
	}
	if raffle.ID == 0 {
		return nil, nil
	}
	return &raffle, nil
}

// FindByIDForUpdate takes a row lock on the raffle for the rest of tx.
// SQLite has no row locks; its single writer serializes the transaction.
func (r *repository) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*raffledomain.Raffle, error) {
	query := tx.WithContext(ctx)
	if tx.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var raffle raffledomain.Raffle
	err := query.Where("id = ?", id).First(&raffle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &raffle, nil
}

func (r *repository) ListBehindSchedule(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]raffledomain.Raffle, error) {
	var raffles []raffledomain.Raffle
	err := db.WithContext(ctx).Raw(
		`SELECT `+raffleColumns+`
		 FROM raffles
		 WHERE (status = ? AND start_date <= ?)
		    OR (status = ? AND end_date < ?)
		    OR (status <> ? AND winner_id IS NOT NULL)
		 ORDER BY start_date ASC, id ASC
		 LIMIT ?`,
		raffledomain.StatusUpcoming, now,
		raffledomain.StatusActive, now,
		raffledomain.StatusCompleted,
		limit,
	).Scan(&raffles).Error
	return raffles, err
}

func (r *repository) ListAwaitingDraw(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]raffledomain.Raffle, error) {
	var raffles []raffledomain.Raffle
	err := db.WithContext(ctx).Raw(
		`SELECT `+raffleColumns+`
		 FROM raffles
		 WHERE end_date < ?
		   AND winner_id IS NULL
		   AND no_participants_at IS NULL
		 ORDER BY end_date ASC, id ASC
		 LIMIT ?`,
		now, limit,
	).Scan(&raffles).Error
	return raffles, err
}

func (r *repository) ListEndingSoon(ctx context.Context, db *gorm.DB, now, until time.Time, limit int) ([]raffledomain.Raffle, error) {
	var raffles []raffledomain.Raffle
	err := db.WithContext(ctx).Raw(
		`SELECT `+raffleColumns+`
		 FROM raffles
		 WHERE status = ?
		   AND reminder_sent = ?
		   AND winner_id IS NULL
		   AND end_date > ?
		   AND end_date <= ?
		 ORDER BY end_date ASC, id ASC
		 LIMIT ?`,
		raffledomain.StatusActive, false, now, until, limit,
	).Scan(&raffles).Error
	return raffles, err
}

func (r *repository) AdvanceStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to raffledomain.Status, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE raffles
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to, now, id, from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// IncrementSold adds tickets to the running total unless that would pass the
// total cap or the raffle is already drawn. A false result means the
// increment was refused.
func (r *repository) IncrementSold(ctx context.Context, tx *gorm.DB, id snowflake.ID, tickets int64, now time.Time) (bool, error) {
	res := tx.WithContext(ctx).Exec(
		`UPDATE raffles
		 SET total_tickets_sold = total_tickets_sold + ?, updated_at = ?
		 WHERE id = ?
		   AND winner_id IS NULL
		   AND no_participants_at IS NULL
		   AND (max_tickets_total IS NULL OR total_tickets_sold + ? <= max_tickets_total)`,
		tickets, now, id, tickets,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AssignWinner records the winner only if none is set yet. Exactly one
// concurrent caller observes true.
func (r *repository) AssignWinner(ctx context.Context, db *gorm.DB, id, winnerID snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE raffles
		 SET winner_id = ?, status = ?, winner_notice_status = ?, updated_at = ?
		 WHERE id = ? AND winner_id IS NULL`,
		winnerID, raffledomain.StatusCompleted, raffledomain.NoticePending, now, id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) MarkNoParticipants(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE raffles
		 SET no_participants_at = ?, status = ?, updated_at = ?
		 WHERE id = ? AND winner_id IS NULL AND no_participants_at IS NULL`,
		now, raffledomain.StatusCompleted, now, id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ClaimReminder(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE raffles
		 SET reminder_sent = ?, reminder_sent_at = ?, updated_at = ?
		 WHERE id = ? AND reminder_sent = ?`,
		true, now, now, id, false,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) RecordWinnerNotice(ctx context.Context, db *gorm.DB, id snowflake.ID, status raffledomain.NoticeStatus, errMsg string, now time.Time) error {
	var noticeErr *string
	if errMsg != "" {
		noticeErr = &errMsg
	}
	return db.WithContext(ctx).Exec(
		`UPDATE raffles
		 SET winner_notice_status = ?, winner_notice_error = ?, updated_at = ?
		 WHERE id = ?`,
		status, noticeErr, now, id,
	).Error
}

func (r *repository) FindParticipation(ctx context.Context, db *gorm.DB, raffleID, userID snowflake.ID) (*raffledomain.Participation, error) {
	var p raffledomain.Participation
	err := db.WithContext(ctx).Raw(
		`SELECT id, raffle_id, user_id, tickets_bought, first_purchase_at, last_purchase_at
		 FROM raffle_participants
		 WHERE raffle_id = ? AND user_id = ?`,
		raffleID, userID,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

// AddParticipation inserts the holding or adds to an existing one.
func (r *repository) AddParticipation(ctx context.Context, tx *gorm.DB, p *raffledomain.Participation) error {
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "raffle_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"tickets_bought":   gorm.Expr("raffle_participants.tickets_bought + ?", p.TicketsBought),
			"last_purchase_at": p.LastPurchaseAt,
		}),
	}).Create(p).Error
}

func (r *repository) ListParticipations(ctx context.Context, db *gorm.DB, raffleID snowflake.ID) ([]raffledomain.Participation, error) {
	var rows []raffledomain.Participation
	err := db.WithContext(ctx).Raw(
		`SELECT id, raffle_id, user_id, tickets_bought, first_purchase_at, last_purchase_at
		 FROM raffle_participants
		 WHERE raffle_id = ? AND tickets_bought > 0
		 ORDER BY first_purchase_at ASC, id ASC`,
		raffleID,
	).Scan(&rows).Error
	return rows, err
}

func (r *repository) SumParticipation(ctx context.Context, db *gorm.DB, raffleID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(tickets_bought), 0)
		 FROM raffle_participants
		 WHERE raffle_id = ?`,
		raffleID,
	).Scan(&total).Error
	return total, err
}

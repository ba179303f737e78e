package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/ticketstack/internal/draw"
	"github.com/smallbiznis/ticketstack/internal/notification"
	obsmetrics "github.com/smallbiznis/ticketstack/internal/observability/metrics"
	raffledomain "github.com/smallbiznis/ticketstack/internal/raffle/domain"
	"go.uber.org/zap"
)

const resourceRaffles = "raffles"

// RaffleStatusJob persists the time-derived status of raffles whose stored
// status is behind. Each update is conditional on the status it read, so a
// concurrent draw or a second instance can never move a raffle backwards.
func (s *Scheduler) RaffleStatusJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRaffleStatus, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		lockStart := time.Now()
		raffles, err := s.raffles.ListBehindSchedule(ctx, s.db, now, s.cfg.BatchSize)
		schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceRafflesBehindSchedule, time.Since(lockStart))
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.raffle.list.failed", JobRaffleStatus, 0, err)
			return errors.Join(jobErr, err)
		}

		advanced := 0
		for i := range raffles {
			raffle := &raffles[i]
			next, ok := raffle.NextStatus(now)
			if !ok {
				continue
			}
			updated, err := s.raffles.AdvanceStatus(ctx, s.db, raffle.ID, raffle.Status, next, now)
			if err != nil {
				jobErr = errors.Join(jobErr, fmt.Errorf("raffle %s: %w", raffle.ID, err))
				s.logSchedulerError(ctx, run, "scheduler.raffle.status.failed", JobRaffleStatus, raffle.ID, err,
					zap.String("from", string(raffle.Status)),
					zap.String("to", string(next)),
				)
				continue
			}
			if !updated {
				continue
			}
			advanced++
			schedMetrics.IncStatusTransition(string(raffle.Status), string(next))
			s.logger(withRaffle(ctx, raffle.ID)).Info("raffle.status.advanced",
				zap.String("from", string(raffle.Status)),
				zap.String("to", string(next)),
			)
		}
		run.AddProcessed(advanced)
		schedMetrics.AddBatchProcessed(JobRaffleStatus, resourceRaffles, advanced)

		if len(raffles) < s.cfg.BatchSize || advanced == 0 {
			break
		}
	}

	return jobErr
}

// DrawWinnersJob draws a winner for every ended raffle still without one.
// Raffles that fail are left for the next tick.
func (s *Scheduler) DrawWinnersJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobDrawWinners, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	schedMetrics := obsmetrics.Scheduler()

	lockStart := time.Now()
	raffles, err := s.raffles.ListAwaitingDraw(ctx, s.db, now, s.cfg.BatchSize)
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceRafflesAwaitingDraw, time.Since(lockStart))
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.raffle.list.failed", JobDrawWinners, 0, err)
		return err
	}

	var jobErr error
	processed := 0
	for _, raffle := range raffles {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		winner, err := s.selector.SelectWinner(ctx, raffle.ID)
		switch {
		case errors.Is(err, draw.ErrNoParticipants):
			processed++
			s.logger(withRaffle(ctx, raffle.ID)).Info("raffle.draw.no_participants")
		case err != nil:
			jobErr = errors.Join(jobErr, fmt.Errorf("raffle %s: %w", raffle.ID, err))
			s.logSchedulerError(ctx, run, "scheduler.raffle.draw.failed", JobDrawWinners, raffle.ID, err)
		default:
			processed++
			s.logger(withRaffle(ctx, raffle.ID)).Info("raffle.draw.completed",
				zap.String("winner_id", winner.UserID.String()),
				zap.Bool("already_drawn", winner.AlreadyDrawn),
			)
		}
	}
	run.AddProcessed(processed)
	schedMetrics.AddBatchProcessed(JobDrawWinners, resourceRaffles, processed)

	return jobErr
}

// EndRemindersJob tells every participant of a raffle closing within the
// reminder lead that it is about to end. The reminder flag is claimed before
// sending, so each raffle is announced at most once.
func (s *Scheduler) EndRemindersJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobEndReminders, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	lead := s.commerce.Get().ReminderLead
	if lead <= 0 {
		return nil
	}
	schedMetrics := obsmetrics.Scheduler()

	lockStart := time.Now()
	raffles, err := s.raffles.ListEndingSoon(ctx, s.db, now, now.Add(lead), s.cfg.BatchSize)
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceRafflesEndingSoon, time.Since(lockStart))
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.raffle.list.failed", JobEndReminders, 0, err)
		return err
	}

	var jobErr error
	processed := 0
	for i := range raffles {
		raffle := &raffles[i]
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		claimed, err := s.raffles.ClaimReminder(ctx, s.db, raffle.ID, now)
		if err != nil {
			jobErr = errors.Join(jobErr, fmt.Errorf("raffle %s: %w", raffle.ID, err))
			s.logSchedulerError(ctx, run, "scheduler.raffle.reminder.failed", JobEndReminders, raffle.ID, err)
			continue
		}
		if !claimed {
			continue
		}
		queued, err := s.remindParticipants(withRaffle(ctx, raffle.ID), raffle, now)
		if err != nil {
			jobErr = errors.Join(jobErr, fmt.Errorf("raffle %s: %w", raffle.ID, err))
			s.logSchedulerError(ctx, run, "scheduler.raffle.reminder.failed", JobEndReminders, raffle.ID, err)
			continue
		}
		processed++
		s.logger(withRaffle(ctx, raffle.ID)).Info("raffle.reminder.queued", zap.Int("recipients", queued))
	}
	run.AddProcessed(processed)
	schedMetrics.AddBatchProcessed(JobEndReminders, resourceRaffles, processed)

	return jobErr
}

func (s *Scheduler) remindParticipants(ctx context.Context, raffle *raffledomain.Raffle, now time.Time) (int, error) {
	participations, err := s.raffles.ListParticipations(ctx, s.db, raffle.ID)
	if err != nil {
		return 0, fmt.Errorf("load participants: %w", err)
	}

	queued := 0
	for _, p := range participations {
		user, err := s.users.FindByID(ctx, s.db, p.UserID)
		if err != nil {
			return queued, fmt.Errorf("load user %s: %w", p.UserID, err)
		}
		if user == nil {
			continue
		}
		if err := user.CheckContactable(); err != nil {
			s.logger(ctx).Debug("participant skipped", zap.String("user_id", p.UserID.String()), zap.Error(err))
			continue
		}
		msg := notification.ReminderMessage(s.frontendURL, user, raffle, p.TicketsBought, now)
		if err := s.dispatcher.Submit(ctx, msg, nil); err != nil {
			return queued, fmt.Errorf("queue reminder: %w", err)
		}
		queued++
	}
	return queued, nil
}

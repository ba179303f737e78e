package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ticketstack/internal/clock"
	"github.com/smallbiznis/ticketstack/internal/config"
	"github.com/smallbiznis/ticketstack/internal/draw"
	"github.com/smallbiznis/ticketstack/internal/notification"
	obsmetrics "github.com/smallbiznis/ticketstack/internal/observability/metrics"
	raffledomain "github.com/smallbiznis/ticketstack/internal/raffle/domain"
	userdomain "github.com/smallbiznis/ticketstack/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ActorType tags work started by the scheduler in logs and metrics.
const ActorType = "scheduler"

const (
	JobRaffleStatus = "raffle_status"
	JobDrawWinners  = "draw_winners"
	JobEndReminders = "end_reminders"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type WinnerSelector interface {
	SelectWinner(ctx context.Context, raffleID snowflake.ID) (draw.Winner, error)
}

type Dispatcher interface {
	Submit(ctx context.Context, msg notification.Message, onDone notification.OnDone) error
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	AppCfg     config.Config
	Commerce   *config.CommerceConfigHolder
	GenID      *snowflake.Node
	Clock      clock.Clock
	Raffles    raffledomain.Repository
	Users      userdomain.Repository
	Selector   WinnerSelector
	Dispatcher Dispatcher
	Leaser     Leaser `optional:"true"`
	Config     Config `optional:"true"`
}

type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	commerce    *config.CommerceConfigHolder
	genID       *snowflake.Node
	clock       clock.Clock
	raffles     raffledomain.Repository
	users       userdomain.Repository
	selector    WinnerSelector
	dispatcher  Dispatcher
	leaser      Leaser
	frontendURL string
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Raffles == nil ||
		p.Users == nil || p.Selector == nil || p.Dispatcher == nil || p.Commerce == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		commerce:    p.Commerce,
		genID:       p.GenID,
		clock:       p.Clock,
		raffles:     p.Raffles,
		users:       p.Users,
		selector:    p.Selector,
		dispatcher:  p.Dispatcher,
		leaser:      p.Leaser,
		frontendURL: p.AppCfg.FrontendURL,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up the remainder
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// Tick brings every raffle whose stored status lags the clock up to date.
func (s *Scheduler) Tick(ctx context.Context) error {
	return s.runJob(ctx, JobRaffleStatus, s.cfg.BatchSize, s.cfg.JobTimeout, s.RaffleStatusJob)
}

// RunOnce runs every enabled job once, in order. A failing job does not
// stop the ones after it.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobRaffleStatus, s.RaffleStatusJob},
		{JobDrawWinners, s.DrawWinnersJob},
		{JobEndReminders, s.EndRemindersJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.tick(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick runs the jobs once unless another instance holds the lease.
func (s *Scheduler) tick(ctx context.Context) error {
	if s.leaser == nil {
		return s.RunOnce(ctx)
	}
	schedMetrics := obsmetrics.Scheduler()
	release, ok, err := s.leaser.Acquire(ctx, s.cfg.RunInterval)
	if err != nil {
		schedMetrics.IncTickSkipped(obsmetrics.SchedulerTickSkippedLeaseErr)
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		schedMetrics.IncTickSkipped(obsmetrics.SchedulerTickSkippedLeaseHeld)
		s.log.Debug("tick skipped, lease held elsewhere")
		return nil
	}
	defer release(context.WithoutCancel(ctx))
	return s.RunOnce(ctx)
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

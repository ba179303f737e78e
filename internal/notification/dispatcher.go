package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/ticketstack/internal/config"
	"github.com/smallbiznis/ticketstack/internal/observability/logger"
	"github.com/smallbiznis/ticketstack/internal/observability/metrics"
	"github.com/smallbiznis/ticketstack/internal/providers/email"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrClosed       = errors.New("dispatcher_closed")
	ErrNoRecipients = errors.New("notification_no_recipients")
)

const defaultConcurrency = 8

type Kind string

const (
	KindReceipt  Kind = "receipt"
	KindWinner   Kind = "winner"
	KindReminder Kind = "reminder"
)

type Message struct {
	Kind    Kind
	To      []string
	Subject string
	Body    string
}

// Outcome is reported to the submitter once delivery has finished, whether
// it succeeded or ran out of attempts.
type Outcome struct {
	Attempts int
	Err      error
}

type OnDone func(ctx context.Context, outcome Outcome)

type Params struct {
	fx.In

	Sender   email.Sender
	Commerce *config.CommerceConfigHolder
	Metrics  *metrics.Metrics `optional:"true"`
	Log      *zap.Logger
}

// Dispatcher delivers messages on its own goroutines so that no caller
// waits on mail delivery.
type Dispatcher struct {
	sender   email.Sender
	commerce *config.CommerceConfigHolder
	metrics  *metrics.Metrics
	log      *zap.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	stopCtx context.Context
	stop    context.CancelFunc
}

func NewDispatcher(p Params) *Dispatcher {
	stopCtx, stop := context.WithCancel(context.Background())
	return &Dispatcher{
		sender:   p.Sender,
		commerce: p.Commerce,
		metrics:  p.Metrics,
		log:      p.Log.Named("notification.dispatcher"),
		sem:      make(chan struct{}, defaultConcurrency),
		stopCtx:  stopCtx,
		stop:     stop,
	}
}

// Submit queues msg for delivery and returns immediately. ctx supplies
// request-scoped values only; its cancellation does not abort delivery.
func (d *Dispatcher) Submit(ctx context.Context, msg Message, onDone OnDone) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	policy := d.commerce.Get().Notification
	base := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case d.sem <- struct{}{}:
		case <-d.stopCtx.Done():
			d.finish(base, msg, onDone, Outcome{Err: ErrClosed})
			return
		}
		defer func() { <-d.sem }()

		d.finish(base, msg, onDone, d.deliver(base, msg, policy))
	}()
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message, policy config.NotificationPolicy) Outcome {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if policy.BaseBackoff > 0 {
		b.InitialInterval = policy.BaseBackoff
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = 30 * time.Second

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stopCtx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	tries := 0
	_, err := backoff.Retry(runCtx, func() (struct{}, error) {
		tries++
		attemptCtx := runCtx
		if policy.AttemptTimeout > 0 {
			var attemptCancel context.CancelFunc
			attemptCtx, attemptCancel = context.WithTimeout(runCtx, policy.AttemptTimeout)
			defer attemptCancel()
		}
		if err := d.sender.Send(attemptCtx, msg.To, msg.Subject, msg.Body); err != nil {
			if errors.Is(err, email.ErrNoRecipients) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.log.Debug("notification attempt failed, retrying",
				zap.String("kind", string(msg.Kind)),
				zap.Duration("retry_in", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		err = fmt.Errorf("deliver %s after %d attempt(s): %w", msg.Kind, tries, err)
	}
	return Outcome{Attempts: tries, Err: err}
}

func (d *Dispatcher) finish(ctx context.Context, msg Message, onDone OnDone, outcome Outcome) {
	log := logger.WithContext(ctx, d.log)
	result := "sent"
	if outcome.Err != nil {
		result = "failed"
		log.Warn("notification delivery failed",
			zap.String("kind", string(msg.Kind)),
			zap.Int("attempts", outcome.Attempts),
			zap.Error(outcome.Err),
		)
	} else {
		log.Debug("notification delivered",
			zap.String("kind", string(msg.Kind)),
			zap.Int("attempts", outcome.Attempts),
		)
	}
	d.metrics.RecordNotification(ctx, string(msg.Kind), result)

	if onDone == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("notification callback panicked", zap.Any("panic", r))
		}
	}()
	onDone(ctx, outcome)
}

// Close stops accepting messages and waits for in-flight deliveries. When
// ctx expires first, pending retries are abandoned and reported as failed.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.stop()
		return nil
	case <-ctx.Done():
		d.stop()
		<-done
		return ctx.Err()
	}
}

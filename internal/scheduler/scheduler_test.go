package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/ticketstack/internal/clock"
	obscontext "github.com/smallbiznis/ticketstack/internal/observability/context"
	obsmetrics "github.com/smallbiznis/ticketstack/internal/observability/metrics"
	"go.uber.org/zap"
)

type fakeLeaser struct {
	ok       bool
	err      error
	released int
}

func (l *fakeLeaser) Acquire(context.Context, time.Duration) (func(context.Context), bool, error) {
	if l.err != nil || !l.ok {
		return nil, false, l.err
	}
	return func(context.Context) { l.released++ }, true, nil
}

func newBareScheduler(t *testing.T) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return &Scheduler{
		log:   zap.NewNop(),
		genID: node,
		clock: clock.NewFakeClock(time.Time{}),
		cfg:   DefaultConfig(),
	}
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "ticketstack",
		Environment: "test",
	})

	s := newBareScheduler(t)
	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "ticketstack",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "ticketstack_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "ticketstack",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "ticketstack_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobWrapsErrorsWithJobName(t *testing.T) {
	s := newBareScheduler(t)
	cause := errors.New("boom")

	err := s.runJob(context.Background(), "failing_job", 0, time.Second, func(context.Context) error {
		return cause
	})
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if err.Error() != "failing_job: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestRunJobTagsContextWithSchedulerActor(t *testing.T) {
	s := newBareScheduler(t)

	var seen *jobRun
	err := s.runJob(context.Background(), "actor_job", 0, time.Second, func(ctx context.Context) error {
		seen = jobRunFromContext(ctx)
		if got, _ := obscontext.ActorFromContext(ctx); got != ActorType {
			t.Fatalf("expected actor %q, got %q", ActorType, got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen == nil || seen.job != "actor_job" || seen.runID == "" {
		t.Fatalf("expected job run in context, got %+v", seen)
	}
}

func TestTickSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "ticketstack",
		Environment: "test",
	})

	s := newBareScheduler(t)
	s.leaser = &fakeLeaser{ok: false}
	if err := s.tick(context.Background()); err != nil {
		t.Fatalf("expected skipped tick to succeed, got %v", err)
	}

	s.leaser = &fakeLeaser{err: errors.New("dial tcp: connection refused")}
	if err := s.tick(context.Background()); err == nil {
		t.Fatal("expected lease error")
	}

	for reason, want := range map[string]float64{
		obsmetrics.SchedulerTickSkippedLeaseHeld: 1,
		obsmetrics.SchedulerTickSkippedLeaseErr:  1,
	} {
		labels := map[string]string{"service": "ticketstack", "env": "test", "reason": reason}
		if got := getCounterValue(t, registry, "ticketstack_scheduler_tick_skipped_total", labels); got != want {
			t.Fatalf("reason %s: expected %v, got %v", reason, want, got)
		}
	}
}

func TestIsJobEnabled(t *testing.T) {
	s := newBareScheduler(t)
	if !s.isJobEnabled(JobDrawWinners) {
		t.Fatal("all jobs run when none are listed")
	}

	s.cfg.EnabledJobs = []string{"RAFFLE_STATUS"}
	if !s.isJobEnabled(JobRaffleStatus) {
		t.Fatal("job names match case-insensitively")
	}
	if s.isJobEnabled(JobEndReminders) {
		t.Fatal("unlisted job must not run")
	}
}

// swapPrometheusRegistry points the default registry at registry for the
// duration of a test. The scheduler metrics singleton keeps whichever
// registry it was last built against.
func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}

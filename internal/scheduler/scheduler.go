// Package scheduler runs the two polling loops that drive the pipeline:
// one turns due schedules into pending delivery records, the other pushes
// pending records out through the channel dispatcher.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/peopleops/pulse/internal/delivery"
	"github.com/peopleops/pulse/internal/recipient"
	"github.com/peopleops/pulse/internal/schedule"
	"github.com/peopleops/pulse/pkg/observability"
)

// RecipientResolver expands a schedule's target into reachable employees.
type RecipientResolver interface {
	Resolve(ctx context.Context, sel schedule.TargetSelector) ([]*recipient.Employee, error)
}

// RecordGenerator materializes delivery records for a schedule execution.
type RecordGenerator interface {
	Generate(ctx context.Context, sched *schedule.Schedule, recipients []*recipient.Employee) (int, error)
}

// RecordDispatcher sends one claimed delivery record.
type RecordDispatcher interface {
	Dispatch(ctx context.Context, rec *delivery.Record) error
}

// Options sets the polling cadence and batch limits.
type Options struct {
	SchedulePollInterval time.Duration
	DispatchPollInterval time.Duration
	ScheduleBatchSize    int
	DispatchBatchSize    int
}

// Scheduler owns the background loops. Both loops are single-goroutine per
// instance; running several instances against one database is safe because
// every state change underneath is a guarded update.
type Scheduler struct {
	schedules  schedule.Store
	resolver   RecipientResolver
	generator  RecordGenerator
	ledger     delivery.Ledger
	dispatcher RecordDispatcher

	opts Options
	now  func() time.Time
	log  *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(schedules schedule.Store, resolver RecipientResolver, generator RecordGenerator, ledger delivery.Ledger, dispatcher RecordDispatcher, opts Options, log *slog.Logger) *Scheduler {
	return &Scheduler{
		schedules:  schedules,
		resolver:   resolver,
		generator:  generator,
		ledger:     ledger,
		dispatcher: dispatcher,
		opts:       opts,
		now:        time.Now,
		log:        log,
		stop:       make(chan struct{}),
	}
}

// WithClock overrides the scheduler's clock. Test hook.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start launches both polling loops. Each loop runs one pass immediately so
// a restart does not wait a full interval to pick up backlog.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.loop(ctx, s.opts.SchedulePollInterval, s.ProcessSchedules)
	go s.loop(ctx, s.opts.DispatchPollInterval, s.ProcessDispatches)
	s.log.Info("scheduler started",
		"schedule_poll_interval", s.opts.SchedulePollInterval,
		"dispatch_poll_interval", s.opts.DispatchPollInterval)
}

// Stop halts the loops and waits for in-flight passes to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, pass func(context.Context)) {
	defer s.wg.Done()

	pass(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pass(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ProcessSchedules runs one pass of the schedule loop: find due schedules,
// resolve their recipients, generate delivery records, then complete or
// advance each schedule. One broken schedule never blocks the batch.
func (s *Scheduler) ProcessSchedules(ctx context.Context) {
	now := s.now()
	due, err := s.schedules.Due(ctx, now, s.opts.ScheduleBatchSize)
	if err != nil {
		s.log.Error("failed to load due schedules", "error", err)
		return
	}

	for _, sched := range due {
		if err := s.runSchedule(ctx, sched, now); err != nil {
			observability.SchedulesProcessed.WithLabelValues("error").Inc()
			s.log.Error("schedule execution failed", "schedule_id", sched.ID, "error", err)
			continue
		}
		observability.SchedulesProcessed.WithLabelValues("triggered").Inc()
	}
}

func (s *Scheduler) runSchedule(ctx context.Context, sched *schedule.Schedule, now time.Time) error {
	recipients, err := s.resolver.Resolve(ctx, sched.Target)
	if err != nil {
		return err
	}

	// A failed generation (including ErrMissingContent for a schedule with
	// no survey attached) leaves the schedule due, so fixing the data makes
	// the next pass pick it up.
	created, err := s.generator.Generate(ctx, sched, recipients)
	if err != nil {
		return err
	}

	s.log.Info("schedule triggered",
		"schedule_id", sched.ID, "recipients", len(recipients), "records_created", created)

	if sched.Type == schedule.TypeRecurring && sched.Recurrence != nil {
		next := sched.Recurrence.Next(now)
		return s.schedules.AdvanceNextRun(ctx, sched.ID, now, next)
	}
	return s.schedules.MarkCompleted(ctx, sched.ID, now)
}

// ProcessDispatches runs one pass of the dispatch loop over records that
// are pending and past their retry hold-off.
func (s *Scheduler) ProcessDispatches(ctx context.Context) {
	due, err := s.ledger.Due(ctx, s.now(), s.opts.DispatchBatchSize)
	if err != nil {
		s.log.Error("failed to load due delivery records", "error", err)
		return
	}

	for _, rec := range due {
		if err := s.dispatcher.Dispatch(ctx, rec); err != nil {
			s.log.Error("dispatch failed", "delivery_id", rec.ID, "error", err)
		}
	}
}

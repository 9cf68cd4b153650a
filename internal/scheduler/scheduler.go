// Package scheduler runs stored cron schedules against the workflow runner.
// It polls the store once a minute instead of holding timers per schedule,
// so schedules created or disabled by another process are picked up without
// coordination.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/leadstitch/flowline/internal/store"
)

// maxSchedulesPerTick bounds how many schedules one tick considers. The
// store clamps anything larger back to its default page size.
const maxSchedulesPerTick = 500

// WorkflowRunner is the interface the scheduler uses to run workflows.
// Satisfied by the runtime Runner (avoids import cycle).
type WorkflowRunner interface {
	RunScheduled(ctx context.Context, workflowID string, input json.RawMessage) error
}

// Scheduler polls the store for due schedules and runs them.
type Scheduler struct {
	store  store.Store
	runner WorkflowRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled schedules and runs those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	page, err := s.store.ListSchedules(ctx, store.ScheduleFilter{EnabledOnly: true, Limit: maxSchedulesPerTick})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sched := range page.Items {
		if sched.NextRunAt == nil || !sched.NextRunAt.After(now) {
			if !s.tryAcquire(sched.ID) {
				continue // already running (dedup)
			}
			if err := s.runSchedule(ctx, sched, now); err != nil {
				s.logger.Error("failed to run schedule",
					slog.String("schedule_id", sched.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(sched.ID)
		}
	}
}

// runSchedule executes one schedule and advances its timestamps.
func (s *Scheduler) runSchedule(ctx context.Context, sched *store.ScheduleRecord, now time.Time) error {
	s.logger.Info("running schedule",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow_id", sched.WorkflowID),
	)

	if err := s.runner.RunScheduled(ctx, sched.WorkflowID, sched.Input); err != nil {
		s.logger.Error("scheduled run failed",
			slog.String("schedule_id", sched.ID),
			slog.String("workflow_id", sched.WorkflowID),
			slog.String("error", err.Error()),
		)
	}

	return s.advance(ctx, sched, now)
}

// advance records the run and computes the next fire time. The schedule is
// advanced even when the run failed so a broken workflow cannot wedge the
// loop into retrying every tick.
func (s *Scheduler) advance(ctx context.Context, sched *store.ScheduleRecord, now time.Time) error {
	nextRun, err := s.CalculateNextRun(sched.CronExpr, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sched.ID, err)
	}

	sched.LastRunAt = &now
	sched.NextRunAt = &nextRun
	return s.store.UpdateSchedule(ctx, sched)
}

// tryAcquire returns true and marks the schedule as in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// ValidateCronExpr reports whether a cron expression parses. Used by the
// CLI and store layer before a schedule is accepted.
func (s *Scheduler) ValidateCronExpr(cronExpr string) error {
	if _, err := s.parser.Parse(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs schedules whose next_run_at passed while the process
// was down, once each, then advances them.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	page, err := s.store.ListSchedules(ctx, store.ScheduleFilter{EnabledOnly: true, Limit: maxSchedulesPerTick})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, sched := range page.Items {
		if sched.NextRunAt != nil && sched.NextRunAt.Before(now) {
			if !s.tryAcquire(sched.ID) {
				continue
			}
			if err := s.runSchedule(ctx, sched, now); err != nil {
				s.logger.Error("failed to recover missed schedule",
					slog.String("schedule_id", sched.ID),
					slog.String("error", err.Error()),
				)
				s.release(sched.ID)
				continue
			}
			s.release(sched.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}

package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ReplyFlow/ReplyFlow/internal/store"
)

// Reconciler re-arms lost timers and re-drives stalled executions.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Scheduler provides cron-based background maintenance: a periodic reconcile
// tick and a retention sweep that prunes old terminal executions.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddReconcileJob runs the engine's reconcile pass every minute.
func (s *Scheduler) AddReconcileJob(ctx context.Context, r Reconciler) error {
	return s.AddJob("* * * * *", func() {
		if err := r.Reconcile(ctx); err != nil {
			slog.Error("Scheduler: reconcile tick failed", "error", err)
		}
	})
}

// AddRetentionJob prunes terminal executions older than the retention window,
// nightly at 03:30. A zero retention disables pruning.
func (s *Scheduler) AddRetentionJob(st store.Store, retention time.Duration) error {
	if retention <= 0 {
		slog.Info("Scheduler: execution retention disabled")
		return nil
	}
	return s.AddJob("30 3 * * *", func() {
		cutoff := time.Now().Add(-retention)
		deleted, err := st.DeleteTerminalExecutionsBefore(cutoff)
		if err != nil {
			slog.Error("Scheduler: retention sweep failed", "error", err)
			return
		}
		if deleted > 0 {
			slog.Info("Scheduler: retention sweep pruned executions", "deleted", deleted, "cutoff", cutoff)
		}
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

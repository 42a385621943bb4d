package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/ReplyFlow/ReplyFlow/internal/store"
)

// ExhaustedFunc is invoked when a reply has used up all dispatch attempts, so
// the owning execution's history can record the failure.
type ExhaustedFunc func(executionID string, stepNumber int) error

// OutboxSender periodically claims due outbox replies and attempts to deliver
// them through a Sender.
type OutboxSender struct {
	repo           store.OutboxRepo
	sender         Sender
	onExhausted    ExhaustedFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
}

// NewOutboxSender creates a new OutboxSender. onExhausted may be nil.
func NewOutboxSender(repo store.OutboxRepo, sender Sender, pollInterval time.Duration, onExhausted ExhaustedFunc) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		repo:           repo,
		sender:         sender,
		onExhausted:    onExhausted,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
	}
}

// RecoverStaleReplies requeues replies stuck in sending state (crash
// recovery). Should be called once at startup.
func (s *OutboxSender) RecoverStaleReplies() error {
	staleBefore := time.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSending(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleReplies: requeued stale replies", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims and processes one batch of due replies. Exported so tests can
// drive the loop without real time passing.
func (s *OutboxSender) Poll(ctx context.Context) {
	now := time.Now()
	replies, err := s.repo.ClaimDueReplies(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return
	}

	for _, reply := range replies {
		slog.Debug("OutboxSender.Poll: sending reply", "id", reply.ID, "executionID", reply.Command.ExecutionID, "stepNumber", reply.Command.StepNumber)
		if err := s.sender.SendReply(ctx, reply.Command); err != nil {
			slog.Error("OutboxSender.Poll: send failed", "id", reply.ID, "error", err)
			// Exponential backoff: 10s, 20s, 40s, ...
			backoff := time.Duration(10*(1<<reply.Attempts)) * time.Second
			nextAttempt := now.Add(backoff)
			exhausted, err := s.repo.FailReply(reply.ID, err.Error(), nextAttempt)
			if err != nil {
				slog.Error("OutboxSender.Poll: fail reply error", "id", reply.ID, "error", err)
				continue
			}
			if exhausted && s.onExhausted != nil {
				if err := s.onExhausted(reply.Command.ExecutionID, reply.Command.StepNumber); err != nil {
					slog.Error("OutboxSender.Poll: exhausted callback error", "id", reply.ID, "error", err)
				}
			}
		} else {
			if err := s.repo.MarkReplySent(reply.ID); err != nil {
				slog.Error("OutboxSender.Poll: mark sent error", "id", reply.ID, "error", err)
			}
			slog.Debug("OutboxSender.Poll: reply sent", "id", reply.ID, "executionID", reply.Command.ExecutionID)
		}
	}
}

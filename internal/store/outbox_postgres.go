package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ReplyFlow/ReplyFlow/internal/models"
	"github.com/ReplyFlow/ReplyFlow/internal/util"
)

func (s *PostgresStore) EnqueueReply(cmd models.ReplyCommand, dedupeKey string) (string, error) {
	id := util.GenerateRandomID("reply_", 32)
	now := time.Now()

	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM reply_outbox WHERE dedupe_key = $1 AND status != 'canceled'`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueReply: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO reply_outbox (id, execution_id, step_number, account_id, platform, conversation_key, content, status, attempts, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'queued', 0, $8, $9, $10, $11)`,
		id, cmd.ExecutionID, cmd.StepNumber, cmd.AccountID, cmd.Platform, cmd.ConversationKey,
		cmd.Content, DefaultMaxDispatchAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue reply failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueReply", "id", id, "executionID", cmd.ExecutionID, "stepNumber", cmd.StepNumber)
	return id, nil
}

func (s *PostgresStore) ClaimDueReplies(now time.Time, limit int) ([]OutboxReply, error) {
	// FOR UPDATE SKIP LOCKED lets multiple senders share one outbox safely.
	rows, err := s.db.Query(
		`UPDATE reply_outbox SET status = 'sending', locked_at = $1, updated_at = $1
		 WHERE id IN (
			 SELECT id FROM reply_outbox
			 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			 ORDER BY created_at ASC LIMIT $2
			 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, execution_id, step_number, account_id, platform, conversation_key, content, status, attempts, max_attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due replies failed: %w", err)
	}
	defer rows.Close()

	var replies []OutboxReply
	for rows.Next() {
		r, err := scanOutboxReply(rows)
		if err != nil {
			return nil, err
		}
		replies = append(replies, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due replies iteration failed: %w", err)
	}
	return replies, nil
}

func (s *PostgresStore) MarkReplySent(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE reply_outbox SET status = 'sent', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("mark reply sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailReply(id string, errMsg string, nextAttemptAt time.Time) (bool, error) {
	now := time.Now()

	var attempts, maxAttempts int
	err := s.db.QueryRow(`SELECT attempts, max_attempts FROM reply_outbox WHERE id = $1`, id).Scan(&attempts, &maxAttempts)
	if err != nil {
		return false, fmt.Errorf("fail reply lookup failed: %w", err)
	}

	attempts++
	if attempts >= maxAttempts {
		_, err = s.db.Exec(
			`UPDATE reply_outbox SET status = 'failed', attempts = $1, last_error = $2, next_attempt_at = NULL, locked_at = NULL, updated_at = $3 WHERE id = $4`,
			attempts, errMsg, now, id,
		)
		if err != nil {
			return false, fmt.Errorf("fail reply update failed: %w", err)
		}
		return true, nil
	}
	_, err = s.db.Exec(
		`UPDATE reply_outbox SET status = 'queued', attempts = $1, last_error = $2, next_attempt_at = $3, locked_at = NULL, updated_at = $4 WHERE id = $5`,
		attempts, errMsg, nextAttemptAt, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("fail reply update failed: %w", err)
	}
	return false, nil
}

func (s *PostgresStore) RequeueStaleSending(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE reply_outbox SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale replies failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleSending", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) GetReply(id string) (*OutboxReply, error) {
	rows, err := s.db.Query(
		`SELECT id, execution_id, step_number, account_id, platform, conversation_key, content, status, attempts, max_attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at
		 FROM reply_outbox WHERE id = $1`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("get reply failed: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanOutboxReply(rows)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

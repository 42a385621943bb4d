// Package store provides the OutboxRepo interface and model for restart-safe reply dispatch.
package store

import (
	"time"

	"github.com/ReplyFlow/ReplyFlow/internal/models"
)

// ReplyStatus represents the lifecycle state of an outbox reply.
type ReplyStatus string

const (
	ReplyStatusQueued   ReplyStatus = "queued"
	ReplyStatusSending  ReplyStatus = "sending"
	ReplyStatusSent     ReplyStatus = "sent"
	ReplyStatusFailed   ReplyStatus = "failed"
	ReplyStatusCanceled ReplyStatus = "canceled"
)

// DefaultMaxDispatchAttempts bounds how often a reply send is retried before
// it is marked permanently failed.
const DefaultMaxDispatchAttempts = 5

// OutboxReply is a durable record of a reply command awaiting dispatch.
// Executions advance before their replies are enqueued, so a reply stuck here
// never blocks the rest of its flow.
type OutboxReply struct {
	ID            string              `json:"id"`
	Command       models.ReplyCommand `json:"command"`
	Status        ReplyStatus         `json:"status"`
	Attempts      int                 `json:"attempts"`
	MaxAttempts   int                 `json:"max_attempts"`
	NextAttemptAt *time.Time          `json:"next_attempt_at"`
	DedupeKey     string              `json:"dedupe_key"`
	LockedAt      *time.Time          `json:"locked_at"`
	LastError     string              `json:"last_error"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// OutboxRepo defines the interface for durable reply persistence.
type OutboxRepo interface {
	// EnqueueReply inserts a new reply. If dedupeKey is non-empty and a
	// non-canceled reply with that key already exists, the call returns the
	// existing reply ID without inserting a duplicate.
	EnqueueReply(cmd models.ReplyCommand, dedupeKey string) (string, error)

	// ClaimDueReplies marks up to limit queued replies whose next_attempt_at
	// <= now (or is unset) as sending and returns them.
	ClaimDueReplies(now time.Time, limit int) ([]OutboxReply, error)

	// MarkReplySent marks a reply as successfully dispatched.
	MarkReplySent(id string) error

	// FailReply records a dispatch failure. The reply is requeued for
	// nextAttemptAt unless its attempt budget is exhausted, in which case it is
	// marked failed and exhausted is returned true.
	FailReply(id string, errMsg string, nextAttemptAt time.Time) (exhausted bool, err error)

	// RequeueStaleSending resets replies stuck in sending since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleSending(staleBefore time.Time) (int, error)

	// GetReply retrieves a single reply by ID. Returns nil without error when absent.
	GetReply(id string) (*OutboxReply, error)
}

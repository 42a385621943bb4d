// Package dispatch delivers rendered replies to their destination platforms.
//
// The OutboxSender polls the durable reply outbox, hands each claimed reply to
// a Sender and records the outcome with exponential-backoff retries. Senders
// adapt a concrete platform API; MockSender backs tests and dry-run setups.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ReplyFlow/ReplyFlow/internal/models"
)

// Sender delivers a single reply to its platform conversation.
type Sender interface {
	SendReply(ctx context.Context, cmd models.ReplyCommand) error
}

// MockSender records sent replies for tests and can be primed to fail.
type MockSender struct {
	mu   sync.Mutex
	sent []models.ReplyCommand
	// FailWith, when non-nil, is returned from SendReply instead of recording.
	FailWith error
}

// NewMockSender creates a MockSender.
func NewMockSender() *MockSender {
	return &MockSender{}
}

// SendReply records the command, or fails when primed with FailWith.
func (m *MockSender) SendReply(ctx context.Context, cmd models.ReplyCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.sent = append(m.sent, cmd)
	return nil
}

// Sent returns a copy of the recorded commands.
func (m *MockSender) Sent() []models.ReplyCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ReplyCommand, len(m.sent))
	copy(out, m.sent)
	return out
}

// SetError primes or clears the failure returned by SendReply.
func (m *MockSender) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailWith = err
}

// LogSender logs replies instead of delivering them. Used when no platform
// credentials are configured.
type LogSender struct{}

// SendReply logs the reply at info level.
func (LogSender) SendReply(ctx context.Context, cmd models.ReplyCommand) error {
	slog.Info("LogSender.SendReply", "executionID", cmd.ExecutionID, "stepNumber", cmd.StepNumber, "platform", cmd.Platform, "conversationKey", cmd.ConversationKey, "content", cmd.Content)
	return nil
}

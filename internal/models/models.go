// Package models defines the core data structures for ReplyFlow.
//
// It includes types for flows, steps, executions and reply commands, which are
// shared across modules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Platform identifies the social network a flow or message belongs to.
type Platform string

const (
	PlatformTwitter   Platform = "twitter"
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformTelegram  Platform = "telegram"
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
)

// IsValidPlatform checks if the given platform is supported.
func IsValidPlatform(p Platform) bool {
	switch p {
	case PlatformTwitter, PlatformFacebook, PlatformInstagram, PlatformLinkedIn,
		PlatformTelegram, PlatformWhatsApp, PlatformTikTok, PlatformYouTube:
		return true
	default:
		return false
	}
}

// StepType defines how a flow step fires.
type StepType string

const (
	// StepTypeImmediate fires with zero delay once its predecessor completes.
	StepTypeImmediate StepType = "immediate_reply"
	// StepTypeDelayed fires a configured number of minutes after its predecessor.
	StepTypeDelayed StepType = "delayed_reply"
	// StepTypeConditional fires only when its condition holds for the inbound message.
	StepTypeConditional StepType = "conditional_reply"
	// StepTypeEnd terminates the execution, optionally firing a final reply.
	StepTypeEnd StepType = "end"
)

// IsValidStepType checks if the given step type is supported.
func IsValidStepType(st StepType) bool {
	switch st {
	case StepTypeImmediate, StepTypeDelayed, StepTypeConditional, StepTypeEnd:
		return true
	default:
		return false
	}
}

// ConditionAlways is the condition name that unconditionally fires a step.
const ConditionAlways = "always"

// ConditionExpression marks a condition whose value is an expression evaluated
// against the inbound message and its sender metadata.
const ConditionExpression = "expression"

// Validation constants for input validation
const (
	// MaxReplyContentLength defines the maximum allowed length for reply content
	MaxReplyContentLength = 4096
	// MaxTriggerKeywordLength defines the maximum allowed length for a trigger keyword
	MaxTriggerKeywordLength = 200
	// MaxStepsPerFlow defines the maximum number of steps allowed in a flow
	MaxStepsPerFlow = 100
)

// Error variables for better error handling and testability
var (
	ErrEmptyFlowID            = errors.New("flow id cannot be empty")
	ErrEmptyAccountID         = errors.New("account id cannot be empty")
	ErrInvalidPlatform        = errors.New("invalid platform")
	ErrNoSteps                = errors.New("flow must contain at least one step")
	ErrTooManySteps           = errors.New("flow exceeds maximum step count")
	ErrNonContiguousSteps     = errors.New("step numbers must increase by 1 starting at 1")
	ErrInvalidStepType        = errors.New("invalid step type")
	ErrReplyContentTooLong    = errors.New("reply content exceeds maximum length")
	ErrMissingConditionValue  = errors.New("condition value is required for non-always conditions")
	ErrNegativeDelay          = errors.New("delay minutes cannot be negative")
	ErrTriggerKeywordTooLong  = errors.New("trigger keyword exceeds maximum length")
	ErrEmptyConversationKey   = errors.New("conversation key cannot be empty")
	ErrEmptyExecutionID       = errors.New("execution id cannot be empty")
	ErrInvalidExecutionStatus = errors.New("invalid execution status")
)

// Step is one unit of a flow. Exactly the fields relevant to a step's type are
// meaningful; DelayMinutes on a non-delayed step is ignored but round-trips
// unchanged when persisted.
type Step struct {
	StepNumber     int      `json:"step_number"`
	Type           StepType `json:"type"`
	ReplyContent   string   `json:"reply_content"`
	GenPrompt      string   `json:"gen_prompt,omitempty"` // optional generation prompt for AI-authored replies
	Condition      string   `json:"condition,omitempty"`
	ConditionValue string   `json:"condition_value,omitempty"`
	DelayMinutes   int      `json:"delay_minutes,omitempty"`
}

// Flow is a user-authored ordered sequence of reply steps triggered by keyword
// match on an inbound message. The engine only reads flow snapshots; the
// external CRUD layer owns creation and editing.
type Flow struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"account_id"`
	Platform        Platform  `json:"platform"`
	IsActive        bool      `json:"is_active"`
	TriggerKeywords []string  `json:"trigger_keywords,omitempty"`
	Steps           []Step    `json:"steps"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IsCatchAll reports whether the flow matches any message. Keywords that trim
// to the empty string do not count as triggers.
func (f *Flow) IsCatchAll() bool {
	for _, kw := range f.TriggerKeywords {
		if strings.TrimSpace(kw) != "" {
			return false
		}
	}
	return true
}

// Validate performs comprehensive validation on a Flow structure.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return ErrEmptyFlowID
	}
	if f.AccountID == "" {
		return ErrEmptyAccountID
	}
	if !IsValidPlatform(f.Platform) {
		return ErrInvalidPlatform
	}
	for _, kw := range f.TriggerKeywords {
		if len(kw) > MaxTriggerKeywordLength {
			return ErrTriggerKeywordTooLong
		}
	}
	if len(f.Steps) == 0 {
		return ErrNoSteps
	}
	if len(f.Steps) > MaxStepsPerFlow {
		return ErrTooManySteps
	}
	for i, step := range f.Steps {
		if step.StepNumber != i+1 {
			return ErrNonContiguousSteps
		}
		if err := step.validate(); err != nil {
			return fmt.Errorf("step %d: %w", step.StepNumber, err)
		}
	}
	return nil
}

func (s *Step) validate() error {
	if !IsValidStepType(s.Type) {
		return ErrInvalidStepType
	}
	if len(s.ReplyContent) > MaxReplyContentLength {
		return ErrReplyContentTooLong
	}
	if s.DelayMinutes < 0 {
		return ErrNegativeDelay
	}
	if s.Type == StepTypeConditional {
		if s.Condition != "" && s.Condition != ConditionAlways && s.ConditionValue == "" {
			return ErrMissingConditionValue
		}
	}
	return nil
}

// ExecutionStatus represents the lifecycle state of a flow execution.
type ExecutionStatus string

const (
	// ExecutionStatusRunning indicates a step is being evaluated or fired.
	ExecutionStatusRunning ExecutionStatus = "running"
	// ExecutionStatusWaitingDelay indicates a delayed step is pending its due time.
	ExecutionStatusWaitingDelay ExecutionStatus = "waiting_delay"
	// ExecutionStatusCompleted indicates the execution reached an end step or
	// exhausted its steps.
	ExecutionStatusCompleted ExecutionStatus = "completed"
	// ExecutionStatusAborted indicates the flow was deactivated mid-run or the
	// conversation was explicitly reset.
	ExecutionStatusAborted ExecutionStatus = "aborted"
)

// IsValidExecutionStatus checks if the given execution status is valid.
func IsValidExecutionStatus(status ExecutionStatus) bool {
	switch status {
	case ExecutionStatusRunning, ExecutionStatusWaitingDelay, ExecutionStatusCompleted, ExecutionStatusAborted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is completed or aborted.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusAborted
}

// IsLive reports whether the status counts against the one-live-execution
// invariant per (account, conversation, flow).
func (s ExecutionStatus) IsLive() bool {
	return s == ExecutionStatusRunning || s == ExecutionStatusWaitingDelay
}

// StepResult records how a step concluded within an execution.
type StepResult string

const (
	// StepResultFired indicates the step's reply was queued for dispatch.
	StepResultFired StepResult = "fired"
	// StepResultSkipped indicates a conditional step whose condition was false.
	StepResultSkipped StepResult = "skipped"
	// StepResultFailed indicates dispatch exhausted its retries.
	StepResultFailed StepResult = "failed"
)

// StepRecord is one entry of an execution's history.
type StepRecord struct {
	StepNumber int        `json:"step_number"`
	Result     StepResult `json:"result"`
	Content    string     `json:"content,omitempty"`
	At         time.Time  `json:"at"`
}

// InboundMessage is a message received from a platform counterparty, as handed
// to the engine by the ingestion layer.
type InboundMessage struct {
	AccountID       string            `json:"account_id"`
	Platform        Platform          `json:"platform"`
	ConversationKey string            `json:"conversation_key"`
	Text            string            `json:"text"`
	SenderMetadata  map[string]string `json:"sender_metadata,omitempty"`
	ReceivedAt      time.Time         `json:"received_at"`
}

// Validate checks the fields the engine requires on an inbound message.
func (m *InboundMessage) Validate() error {
	if m.AccountID == "" {
		return ErrEmptyAccountID
	}
	if !IsValidPlatform(m.Platform) {
		return ErrInvalidPlatform
	}
	if m.ConversationKey == "" {
		return ErrEmptyConversationKey
	}
	return nil
}

// ConversationKey builds the canonical conversation key for a platform and
// counterparty identity.
func ConversationKey(platform Platform, counterparty string) string {
	return string(platform) + ":" + counterparty
}

// Execution is one runtime instance of a flow running against one conversation.
// FlowSnapshot pins the flow version fetched at match time so concurrent edits
// do not affect an in-flight execution.
type Execution struct {
	ID               string          `json:"id"`
	FlowID           string          `json:"flow_id"`
	FlowSnapshot     Flow            `json:"flow_snapshot"`
	AccountID        string          `json:"account_id"`
	ConversationKey  string          `json:"conversation_key"`
	TriggerMessage   InboundMessage  `json:"trigger_message"`
	CurrentStepIndex int             `json:"current_step_index"`
	Status           ExecutionStatus `json:"status"`
	History          []StepRecord    `json:"history,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	LastAdvancedAt   time.Time       `json:"last_advanced_at"`
}

// CurrentStep returns the step the execution points at, or nil when the index
// is past the last step (implicit termination).
func (e *Execution) CurrentStep() *Step {
	if e.CurrentStepIndex < 1 || e.CurrentStepIndex > len(e.FlowSnapshot.Steps) {
		return nil
	}
	return &e.FlowSnapshot.Steps[e.CurrentStepIndex-1]
}

// ExecutionState is the read-only view of an execution consumed by the
// dashboard visualizer.
type ExecutionState struct {
	ExecutionID      string          `json:"execution_id"`
	FlowID           string          `json:"flow_id"`
	CurrentStepIndex int             `json:"current_step_index"`
	Status           ExecutionStatus `json:"status"`
	History          []StepRecord    `json:"history,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	LastAdvancedAt   time.Time       `json:"last_advanced_at"`
}

// State projects an Execution onto its observability view.
func (e *Execution) State() ExecutionState {
	return ExecutionState{
		ExecutionID:      e.ID,
		FlowID:           e.FlowID,
		CurrentStepIndex: e.CurrentStepIndex,
		Status:           e.Status,
		History:          e.History,
		StartedAt:        e.StartedAt,
		LastAdvancedAt:   e.LastAdvancedAt,
	}
}

// ReplyCommand is a rendered reply handed to the platform-specific sender.
type ReplyCommand struct {
	ExecutionID     string   `json:"execution_id"`
	StepNumber      int      `json:"step_number"`
	AccountID       string   `json:"account_id"`
	Platform        Platform `json:"platform"`
	ConversationKey string   `json:"conversation_key"`
	Content         string   `json:"content"`
}

// DedupeKey returns the outbox deduplication key for this command. One step of
// one execution dispatches at most once.
func (r ReplyCommand) DedupeKey() string {
	return r.ExecutionID + ":" + fmt.Sprintf("%d", r.StepNumber)
}

// TimerInfo describes an active in-memory timer for observability.
type TimerInfo struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Remaining   string    `json:"remaining"`
	Description string    `json:"description"`
}

// Timer defines the scheduling abstraction used for delayed steps.
type Timer interface {
	// ScheduleAfter schedules fn to run after a delay and returns a timer ID.
	ScheduleAfter(delay time.Duration, fn func()) (string, error)
	// ScheduleAt schedules fn to run at a specific time and returns a timer ID.
	ScheduleAt(when time.Time, fn func()) (string, error)
	// Cancel cancels a scheduled timer by ID.
	Cancel(id string) error
	// Stop cancels all scheduled timers.
	Stop()
	// ListActive returns information about all pending timers.
	ListActive() []TimerInfo
}

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ReplyFlow/ReplyFlow/internal/genai"
	"github.com/ReplyFlow/ReplyFlow/internal/models"
	"github.com/ReplyFlow/ReplyFlow/internal/store"
)

// Default engine tuning constants
const (
	// DefaultDelayUnit is the wall-clock unit a step's DelayMinutes is
	// multiplied by. Tests shrink this to avoid real multi-minute waits.
	DefaultDelayUnit = time.Minute
	// DefaultStaleRunningThreshold is how long a running execution may sit
	// without advancing before Reconcile re-drives it (covers crashes between
	// persist and the rest of the step loop).
	DefaultStaleRunningThreshold = 5 * time.Minute
)

// Opts holds configuration options for the Engine.
type Opts struct {
	DelayUnit             time.Duration
	StaleRunningThreshold time.Duration
	GenAI                 *genai.Client
}

// Option defines a configuration option for the Engine.
type Option func(*Opts)

// WithDelayUnit overrides the wall-clock unit for step delays.
func WithDelayUnit(unit time.Duration) Option {
	return func(o *Opts) { o.DelayUnit = unit }
}

// WithStaleRunningThreshold overrides the stale-running reconcile threshold.
func WithStaleRunningThreshold(d time.Duration) Option {
	return func(o *Opts) { o.StaleRunningThreshold = d }
}

// WithGenAI configures an optional GenAI client for AI-authored reply steps.
func WithGenAI(client *genai.Client) Option {
	return func(o *Opts) { o.GenAI = client }
}

// Engine matches inbound messages to flows, drives executions through their
// step sequences and hands rendered replies to the durable outbox.
//
// State transitions are persisted before replies are enqueued
// (advance-then-send), so a duplicate resume after a crash is a no-op check
// against an already advanced step index.
type Engine struct {
	store  store.Store
	outbox store.OutboxRepo
	timer  models.Timer
	genai  *genai.Client

	delayUnit      time.Duration
	staleThreshold time.Duration

	// mu protects delayTimers.
	mu          sync.Mutex
	delayTimers map[string]string // executionID -> timer ID

	// execLocks serializes Resume/advance per execution within this process.
	execLocks sync.Map // executionID -> *sync.Mutex
}

// New creates an Engine over the given store, outbox and timer.
func New(st store.Store, outbox store.OutboxRepo, timer models.Timer, opts ...Option) *Engine {
	cfg := Opts{
		DelayUnit:             DefaultDelayUnit,
		StaleRunningThreshold: DefaultStaleRunningThreshold,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Creating Engine", "delayUnit", cfg.DelayUnit, "genai_configured", cfg.GenAI != nil)
	return &Engine{
		store:          st,
		outbox:         outbox,
		timer:          timer,
		genai:          cfg.GenAI,
		delayUnit:      cfg.DelayUnit,
		staleThreshold: cfg.StaleRunningThreshold,
		delayTimers:    make(map[string]string),
	}
}

func (e *Engine) lockExecution(executionID string) func() {
	muIface, _ := e.execLocks.LoadOrStore(executionID, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// OnMessageReceived is the ingestion entry point. It matches the message
// against the account's active flows and starts an execution for the selected
// flow. Returns the new execution ID, or an empty string when no flow matched
// or the selected flow already has a live execution on this conversation
// (idempotent no-op).
func (e *Engine) OnMessageReceived(ctx context.Context, msg models.InboundMessage) (string, error) {
	if err := msg.Validate(); err != nil {
		slog.Warn("Engine.OnMessageReceived: invalid message", "error", err)
		return "", err
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	flows, err := e.store.ListActiveFlows(msg.AccountID, msg.Platform)
	if err != nil {
		slog.Error("Engine.OnMessageReceived: flow lookup failed", "error", err, "accountID", msg.AccountID)
		return "", fmt.Errorf("failed to list active flows: %w", err)
	}

	candidates := MatchFlows(flows, msg)
	if len(candidates) == 0 {
		slog.Debug("Engine.OnMessageReceived: no matching flow", "accountID", msg.AccountID, "platform", msg.Platform)
		return "", nil
	}

	// The top-ranked candidate is selected; a live duplicate of that flow on
	// this conversation makes the message a no-op rather than falling through
	// to a lower-ranked flow.
	flow := candidates[0]

	now := time.Now()
	exec := models.Execution{
		ID:               uuid.NewString(),
		FlowID:           flow.ID,
		FlowSnapshot:     flow,
		AccountID:        msg.AccountID,
		ConversationKey:  msg.ConversationKey,
		TriggerMessage:   msg,
		CurrentStepIndex: 1,
		Status:           models.ExecutionStatusRunning,
		StartedAt:        now,
		LastAdvancedAt:   now,
	}

	created, err := e.store.CreateExecution(exec)
	if err != nil {
		slog.Error("Engine.OnMessageReceived: execution create failed", "error", err, "flowID", flow.ID)
		return "", fmt.Errorf("failed to create execution: %w", err)
	}
	if !created {
		slog.Debug("Engine.OnMessageReceived: flow already running on conversation", "flowID", flow.ID, "conversationKey", msg.ConversationKey)
		return "", nil
	}

	slog.Info("Engine.OnMessageReceived: execution started", "executionID", exec.ID, "flowID", flow.ID, "conversationKey", msg.ConversationKey)

	if err := e.advance(ctx, exec); err != nil {
		slog.Error("Engine.OnMessageReceived: advance failed", "error", err, "executionID", exec.ID)
	}
	return exec.ID, nil
}

// advance drives the execution's step loop until it waits, terminates, or a
// persistence error aborts the attempt (to be retried by Reconcile).
func (e *Engine) advance(ctx context.Context, exec models.Execution) error {
	unlock := e.lockExecution(exec.ID)
	defer unlock()
	return e.advanceLocked(ctx, exec)
}

func (e *Engine) advanceLocked(ctx context.Context, exec models.Execution) error {
	for exec.Status == models.ExecutionStatusRunning {
		step := exec.CurrentStep()
		if step == nil {
			// Past the last step without an explicit end: implicit termination.
			return e.complete(ctx, &exec, nil)
		}

		switch step.Type {
		case models.StepTypeEnd:
			content := e.renderStepContent(ctx, *step, exec.TriggerMessage)
			rec := models.StepRecord{StepNumber: step.StepNumber, Result: models.StepResultFired, Content: content, At: time.Now()}
			if err := e.complete(ctx, &exec, &rec); err != nil {
				return err
			}
			if content != "" {
				e.enqueueReply(exec, step.StepNumber, content)
			}
			return nil

		case models.StepTypeImmediate:
			if err := e.fireStep(ctx, &exec, *step); err != nil {
				return err
			}

		case models.StepTypeConditional:
			if EvaluateCondition(step.Condition, step.ConditionValue, exec.TriggerMessage) {
				if err := e.fireStep(ctx, &exec, *step); err != nil {
					return err
				}
			} else {
				if err := e.skipStep(ctx, &exec, *step); err != nil {
					return err
				}
			}

		case models.StepTypeDelayed:
			return e.enterDelay(ctx, &exec, *step)

		default:
			// Unknown step type in a stored snapshot: configuration error,
			// fail closed by skipping.
			slog.Warn("Engine.advance: unknown step type, skipping", "executionID", exec.ID, "stepNumber", step.StepNumber, "type", step.Type)
			if err := e.skipStep(ctx, &exec, *step); err != nil {
				return err
			}
		}
	}
	return nil
}

// fireStep advances the step index, persists the new state and then enqueues
// the reply. Persist-before-dispatch: a crash between the two leaves an
// unfired but advanced step, never a double fire.
func (e *Engine) fireStep(ctx context.Context, exec *models.Execution, step models.Step) error {
	content := e.renderStepContent(ctx, step, exec.TriggerMessage)

	exec.CurrentStepIndex = step.StepNumber + 1
	exec.LastAdvancedAt = time.Now()
	exec.History = append(exec.History, models.StepRecord{
		StepNumber: step.StepNumber,
		Result:     models.StepResultFired,
		Content:    content,
		At:         exec.LastAdvancedAt,
	})
	if err := e.store.UpdateExecution(*exec); err != nil {
		slog.Error("Engine.fireStep: persist failed, aborting attempt", "error", err, "executionID", exec.ID, "stepNumber", step.StepNumber)
		return fmt.Errorf("failed to persist step advance: %w", err)
	}

	e.enqueueReply(*exec, step.StepNumber, content)
	slog.Info("Engine.fireStep: step fired", "executionID", exec.ID, "stepNumber", step.StepNumber)
	return nil
}

// skipStep advances past a step without dispatching (false condition or
// malformed step). One failed condition must not stall the whole flow.
func (e *Engine) skipStep(ctx context.Context, exec *models.Execution, step models.Step) error {
	exec.CurrentStepIndex = step.StepNumber + 1
	exec.LastAdvancedAt = time.Now()
	exec.History = append(exec.History, models.StepRecord{
		StepNumber: step.StepNumber,
		Result:     models.StepResultSkipped,
		At:         exec.LastAdvancedAt,
	})
	if err := e.store.UpdateExecution(*exec); err != nil {
		slog.Error("Engine.skipStep: persist failed, aborting attempt", "error", err, "executionID", exec.ID, "stepNumber", step.StepNumber)
		return fmt.Errorf("failed to persist step skip: %w", err)
	}
	slog.Debug("Engine.skipStep: step skipped", "executionID", exec.ID, "stepNumber", step.StepNumber)
	return nil
}

// enterDelay parks the execution in waiting_delay and schedules its resume at
// the due time. The step index keeps pointing at the delayed step; Resume
// fires it.
func (e *Engine) enterDelay(ctx context.Context, exec *models.Execution, step models.Step) error {
	exec.Status = models.ExecutionStatusWaitingDelay
	exec.LastAdvancedAt = time.Now()
	if err := e.store.UpdateExecution(*exec); err != nil {
		slog.Error("Engine.enterDelay: persist failed, aborting attempt", "error", err, "executionID", exec.ID, "stepNumber", step.StepNumber)
		return fmt.Errorf("failed to persist delay wait: %w", err)
	}

	due := exec.LastAdvancedAt.Add(time.Duration(step.DelayMinutes) * e.delayUnit)
	e.scheduleResumeTimer(exec.ID, due)
	slog.Info("Engine.enterDelay: execution waiting", "executionID", exec.ID, "stepNumber", step.StepNumber, "due", due)
	return nil
}

// complete finishes the execution, optionally recording a final step.
func (e *Engine) complete(ctx context.Context, exec *models.Execution, rec *models.StepRecord) error {
	exec.Status = models.ExecutionStatusCompleted
	if exec.CurrentStep() != nil {
		exec.CurrentStepIndex++
	}
	exec.LastAdvancedAt = time.Now()
	if rec != nil {
		exec.History = append(exec.History, *rec)
	}
	if err := e.store.UpdateExecution(*exec); err != nil {
		slog.Error("Engine.complete: persist failed", "error", err, "executionID", exec.ID)
		return fmt.Errorf("failed to persist completion: %w", err)
	}
	slog.Info("Engine.complete: execution completed", "executionID", exec.ID, "flowID", exec.FlowID)
	return nil
}

func (e *Engine) enqueueReply(exec models.Execution, stepNumber int, content string) {
	cmd := models.ReplyCommand{
		ExecutionID:     exec.ID,
		StepNumber:      stepNumber,
		AccountID:       exec.AccountID,
		Platform:        exec.FlowSnapshot.Platform,
		ConversationKey: exec.ConversationKey,
		Content:         content,
	}
	if _, err := e.outbox.EnqueueReply(cmd, cmd.DedupeKey()); err != nil {
		// The execution already advanced; the reply is lost only if the outbox
		// is down, which Reconcile cannot repair. Log loudly.
		slog.Error("Engine.enqueueReply: outbox enqueue failed", "error", err, "executionID", exec.ID, "stepNumber", stepNumber)
	}
}

func (e *Engine) scheduleResumeTimer(executionID string, due time.Time) {
	timerID, err := e.timer.ScheduleAt(due, func() {
		if err := e.Resume(context.Background(), executionID); err != nil {
			slog.Error("Engine: scheduled resume failed", "error", err, "executionID", executionID)
		}
	})
	if err != nil {
		slog.Error("Engine.scheduleResumeTimer: schedule failed", "error", err, "executionID", executionID)
		return
	}
	e.mu.Lock()
	e.delayTimers[executionID] = timerID
	e.mu.Unlock()
}

func (e *Engine) cancelResumeTimer(executionID string) {
	e.mu.Lock()
	timerID, ok := e.delayTimers[executionID]
	delete(e.delayTimers, executionID)
	e.mu.Unlock()
	if ok {
		if err := e.timer.Cancel(timerID); err != nil {
			slog.Debug("Engine.cancelResumeTimer: cancel failed", "error", err, "executionID", executionID)
		}
	}
}

func (e *Engine) hasResumeTimer(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.delayTimers[executionID]
	return ok
}

// Resume fires the delayed step of a waiting execution once its due time has
// passed, then continues the step loop. Safe to invoke more than once: an
// execution that is no longer waiting is a no-op, and an early invocation
// reschedules itself for the remaining delay.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	unlock := e.lockExecution(executionID)
	defer unlock()

	exec, err := e.store.GetExecution(executionID)
	if err != nil {
		return fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	if exec == nil {
		slog.Debug("Engine.Resume: execution not found", "executionID", executionID)
		return nil
	}
	if exec.Status != models.ExecutionStatusWaitingDelay {
		slog.Debug("Engine.Resume: execution not waiting, ignoring", "executionID", executionID, "status", exec.Status)
		return nil
	}

	e.cancelResumeTimer(executionID)

	step := exec.CurrentStep()
	if step == nil {
		return e.complete(ctx, exec, nil)
	}

	// The flow may have been deactivated while waiting; never fire for a
	// deactivated flow.
	flow, err := e.store.GetFlow(exec.FlowID)
	if err != nil {
		return fmt.Errorf("failed to load flow %s: %w", exec.FlowID, err)
	}
	if flow == nil || !flow.IsActive {
		return e.abortLocked(ctx, exec)
	}

	due := exec.LastAdvancedAt.Add(time.Duration(step.DelayMinutes) * e.delayUnit)
	if remaining := time.Until(due); remaining > 0 {
		slog.Debug("Engine.Resume: invoked before due time, rescheduling", "executionID", executionID, "remaining", remaining)
		e.scheduleResumeTimer(executionID, due)
		return nil
	}

	exec.Status = models.ExecutionStatusRunning
	if err := e.fireStep(ctx, exec, *step); err != nil {
		// Persist failed: stay waiting for the next reconcile tick.
		exec.Status = models.ExecutionStatusWaitingDelay
		return err
	}
	slog.Info("Engine.Resume: delayed step fired", "executionID", executionID, "stepNumber", step.StepNumber)

	return e.advanceLocked(ctx, *exec)
}

// SetFlowActive toggles a flow's active flag. Deactivation promptly aborts the
// flow's waiting executions and cancels their timers; other flows are not
// affected.
func (e *Engine) SetFlowActive(ctx context.Context, flowID string, active bool) error {
	if err := e.store.SetFlowActive(flowID, active); err != nil {
		return err
	}
	if active {
		slog.Info("Engine.SetFlowActive: flow activated", "flowID", flowID)
		return nil
	}

	execs, err := e.store.ListLiveExecutionsByFlow(flowID)
	if err != nil {
		slog.Error("Engine.SetFlowActive: listing live executions failed", "error", err, "flowID", flowID)
		return fmt.Errorf("failed to list live executions: %w", err)
	}
	aborted := 0
	for i := range execs {
		exec := execs[i]
		if exec.Status != models.ExecutionStatusWaitingDelay {
			continue
		}
		if err := e.Abort(ctx, exec.ID); err != nil {
			slog.Error("Engine.SetFlowActive: abort failed", "error", err, "executionID", exec.ID)
			continue
		}
		aborted++
	}
	slog.Info("Engine.SetFlowActive: flow deactivated", "flowID", flowID, "aborted", aborted)
	return nil
}

// Abort cancels a waiting execution without firing its pending step.
func (e *Engine) Abort(ctx context.Context, executionID string) error {
	unlock := e.lockExecution(executionID)
	defer unlock()

	exec, err := e.store.GetExecution(executionID)
	if err != nil {
		return fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	if exec == nil || exec.Status.IsTerminal() {
		return nil
	}
	return e.abortLocked(ctx, exec)
}

func (e *Engine) abortLocked(ctx context.Context, exec *models.Execution) error {
	e.cancelResumeTimer(exec.ID)
	exec.Status = models.ExecutionStatusAborted
	exec.LastAdvancedAt = time.Now()
	if err := e.store.UpdateExecution(*exec); err != nil {
		slog.Error("Engine.abort: persist failed", "error", err, "executionID", exec.ID)
		return fmt.Errorf("failed to persist abort: %w", err)
	}
	slog.Info("Engine.abort: execution aborted", "executionID", exec.ID, "flowID", exec.FlowID)
	return nil
}

// GetExecutionState returns the read-only view of an execution for the
// dashboard. Returns nil without error when the execution is unknown.
func (e *Engine) GetExecutionState(executionID string) (*models.ExecutionState, error) {
	exec, err := e.store.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, nil
	}
	state := exec.State()
	return &state, nil
}

// MarkStepFailed flags a fired step's history record as failed after dispatch
// exhausted its retries. The execution itself is never rolled back.
func (e *Engine) MarkStepFailed(executionID string, stepNumber int) error {
	unlock := e.lockExecution(executionID)
	defer unlock()

	exec, err := e.store.GetExecution(executionID)
	if err != nil || exec == nil {
		return err
	}
	changed := false
	for i := range exec.History {
		if exec.History[i].StepNumber == stepNumber && exec.History[i].Result == models.StepResultFired {
			exec.History[i].Result = models.StepResultFailed
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := e.store.UpdateExecution(*exec); err != nil {
		return fmt.Errorf("failed to persist step failure: %w", err)
	}
	slog.Warn("Engine.MarkStepFailed: dispatch exhausted retries", "executionID", executionID, "stepNumber", stepNumber)
	return nil
}

// ScheduleResume rebuilds the in-memory timer for a persisted waiting
// execution, computing the due time from its last advance and the pending
// step's delay. Past-due executions resume immediately.
func (e *Engine) ScheduleResume(exec models.Execution) {
	step := exec.CurrentStep()
	if step == nil || exec.Status != models.ExecutionStatusWaitingDelay {
		return
	}
	if e.hasResumeTimer(exec.ID) {
		return
	}
	due := exec.LastAdvancedAt.Add(time.Duration(step.DelayMinutes) * e.delayUnit)
	e.scheduleResumeTimer(exec.ID, due)
	slog.Debug("Engine.ScheduleResume: timer rebuilt", "executionID", exec.ID, "due", due)
}

// Reconcile re-arms timers for waiting executions that lost them and re-drives
// running executions that stalled on a persistence failure. Invoked at startup
// by recovery and periodically by the scheduler tick.
func (e *Engine) Reconcile(ctx context.Context) error {
	waiting, err := e.store.ListExecutionsByStatus(models.ExecutionStatusWaitingDelay)
	if err != nil {
		return fmt.Errorf("failed to list waiting executions: %w", err)
	}
	for i := range waiting {
		e.ScheduleResume(waiting[i])
	}

	running, err := e.store.ListExecutionsByStatus(models.ExecutionStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to list running executions: %w", err)
	}
	redriven := 0
	for i := range running {
		if time.Since(running[i].LastAdvancedAt) < e.staleThreshold {
			continue
		}
		redriven++
		exec := running[i]
		go func() {
			if err := e.advance(ctx, exec); err != nil {
				slog.Error("Engine.Reconcile: re-drive failed", "error", err, "executionID", exec.ID)
			}
		}()
	}
	if len(waiting) > 0 || redriven > 0 {
		slog.Info("Engine.Reconcile", "waiting", len(waiting), "redriven", redriven)
	}
	return nil
}

// Stop cancels all in-memory delay timers. Persisted executions are untouched
// and resume on the next start via recovery.
func (e *Engine) Stop() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.delayTimers))
	for executionID := range e.delayTimers {
		ids = append(ids, executionID)
	}
	e.mu.Unlock()
	for _, executionID := range ids {
		e.cancelResumeTimer(executionID)
	}
	slog.Info("Engine stopped", "cancelled_timers", len(ids))
}

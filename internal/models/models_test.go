package models

import (
	"errors"
	"testing"
	"time"
)

func validFlow() Flow {
	return Flow{
		ID:              "flow1",
		AccountID:       "acct1",
		Platform:        PlatformInstagram,
		IsActive:        true,
		TriggerKeywords: []string{"pricing"},
		Steps: []Step{
			{StepNumber: 1, Type: StepTypeImmediate, ReplyContent: "Hi!"},
			{StepNumber: 2, Type: StepTypeDelayed, ReplyContent: "Still there?", DelayMinutes: 5},
			{StepNumber: 3, Type: StepTypeEnd, ReplyContent: "Bye"},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func TestFlowValidate(t *testing.T) {
	f := validFlow()
	if err := f.Validate(); err != nil {
		t.Fatalf("expected valid flow, got error: %v", err)
	}
}

func TestFlowValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Flow)
		wantErr error
	}{
		{"empty id", func(f *Flow) { f.ID = "" }, ErrEmptyFlowID},
		{"empty account", func(f *Flow) { f.AccountID = "" }, ErrEmptyAccountID},
		{"bad platform", func(f *Flow) { f.Platform = "myspace" }, ErrInvalidPlatform},
		{"no steps", func(f *Flow) { f.Steps = nil }, ErrNoSteps},
		{"gap in step numbers", func(f *Flow) { f.Steps[1].StepNumber = 5 }, ErrNonContiguousSteps},
		{"zero-based numbering", func(f *Flow) {
			for i := range f.Steps {
				f.Steps[i].StepNumber--
			}
		}, ErrNonContiguousSteps},
		{"bad step type", func(f *Flow) { f.Steps[0].Type = "carrier_pigeon" }, ErrInvalidStepType},
		{"negative delay", func(f *Flow) { f.Steps[1].DelayMinutes = -1 }, ErrNegativeDelay},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := validFlow()
			tc.mutate(&f)
			err := f.Validate()
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestConditionalStepRequiresValue(t *testing.T) {
	f := validFlow()
	f.Steps[0] = Step{StepNumber: 1, Type: StepTypeConditional, ReplyContent: "vip hello", Condition: "tier"}
	if err := f.Validate(); !errors.Is(err, ErrMissingConditionValue) {
		t.Errorf("expected ErrMissingConditionValue, got %v", err)
	}

	f.Steps[0].ConditionValue = "vip"
	if err := f.Validate(); err != nil {
		t.Errorf("expected valid flow with condition value, got %v", err)
	}

	// "always" needs no value.
	f.Steps[0] = Step{StepNumber: 1, Type: StepTypeConditional, ReplyContent: "hello", Condition: ConditionAlways}
	if err := f.Validate(); err != nil {
		t.Errorf("expected valid always-conditional, got %v", err)
	}
}

func TestFlowIsCatchAll(t *testing.T) {
	f := validFlow()
	if f.IsCatchAll() {
		t.Error("flow with keywords should not be catch-all")
	}

	f.TriggerKeywords = nil
	if !f.IsCatchAll() {
		t.Error("flow without keywords should be catch-all")
	}

	f.TriggerKeywords = []string{"  ", ""}
	if !f.IsCatchAll() {
		t.Error("keywords trimming to empty should still be catch-all")
	}
}

func TestInboundMessageValidate(t *testing.T) {
	msg := InboundMessage{
		AccountID:       "acct1",
		Platform:        PlatformWhatsApp,
		ConversationKey: ConversationKey(PlatformWhatsApp, "+15551234"),
		Text:            "hello",
	}
	if err := msg.Validate(); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}

	bad := msg
	bad.AccountID = ""
	if err := bad.Validate(); !errors.Is(err, ErrEmptyAccountID) {
		t.Errorf("expected ErrEmptyAccountID, got %v", err)
	}

	bad = msg
	bad.Platform = "irc"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidPlatform) {
		t.Errorf("expected ErrInvalidPlatform, got %v", err)
	}

	bad = msg
	bad.ConversationKey = ""
	if err := bad.Validate(); !errors.Is(err, ErrEmptyConversationKey) {
		t.Errorf("expected ErrEmptyConversationKey, got %v", err)
	}
}

func TestConversationKey(t *testing.T) {
	key := ConversationKey(PlatformTelegram, "user42")
	if key != "telegram:user42" {
		t.Errorf("unexpected conversation key %q", key)
	}
}

func TestExecutionCurrentStep(t *testing.T) {
	exec := Execution{
		FlowSnapshot:     validFlow(),
		CurrentStepIndex: 1,
	}
	if step := exec.CurrentStep(); step == nil || step.StepNumber != 1 {
		t.Errorf("expected step 1, got %+v", step)
	}

	exec.CurrentStepIndex = 3
	if step := exec.CurrentStep(); step == nil || step.Type != StepTypeEnd {
		t.Errorf("expected end step, got %+v", step)
	}

	exec.CurrentStepIndex = 4
	if step := exec.CurrentStep(); step != nil {
		t.Errorf("expected nil past last step, got %+v", step)
	}

	exec.CurrentStepIndex = 0
	if step := exec.CurrentStep(); step != nil {
		t.Errorf("expected nil for index 0, got %+v", step)
	}
}

func TestExecutionStatusHelpers(t *testing.T) {
	if !ExecutionStatusRunning.IsLive() || !ExecutionStatusWaitingDelay.IsLive() {
		t.Error("running and waiting_delay should be live")
	}
	if ExecutionStatusCompleted.IsLive() || ExecutionStatusAborted.IsLive() {
		t.Error("terminal statuses should not be live")
	}
	if !ExecutionStatusCompleted.IsTerminal() || !ExecutionStatusAborted.IsTerminal() {
		t.Error("completed and aborted should be terminal")
	}
	if ExecutionStatusRunning.IsTerminal() {
		t.Error("running should not be terminal")
	}
}

func TestReplyCommandDedupeKey(t *testing.T) {
	cmd := ReplyCommand{ExecutionID: "exec1", StepNumber: 3}
	if cmd.DedupeKey() != "exec1:3" {
		t.Errorf("unexpected dedupe key %q", cmd.DedupeKey())
	}
}

func TestExecutionStateProjection(t *testing.T) {
	exec := Execution{
		ID:               "exec1",
		FlowID:           "flow1",
		CurrentStepIndex: 2,
		Status:           ExecutionStatusWaitingDelay,
		History:          []StepRecord{{StepNumber: 1, Result: StepResultFired}},
	}
	state := exec.State()
	if state.ExecutionID != "exec1" || state.FlowID != "flow1" || state.CurrentStepIndex != 2 {
		t.Errorf("unexpected state projection %+v", state)
	}
	if state.Status != ExecutionStatusWaitingDelay || len(state.History) != 1 {
		t.Errorf("unexpected state projection %+v", state)
	}
}

package store

import (
	"testing"
	"time"

	"github.com/ReplyFlow/ReplyFlow/internal/models"
)

func sampleCommand(executionID string, stepNumber int) models.ReplyCommand {
	return models.ReplyCommand{
		ExecutionID:     executionID,
		StepNumber:      stepNumber,
		AccountID:       "acct1",
		Platform:        models.PlatformInstagram,
		ConversationKey: "instagram:u1",
		Content:         "hello",
	}
}

func TestOutboxEnqueueAndClaim(t *testing.T) {
	st := NewInMemoryStore()
	cmd := sampleCommand("e1", 1)

	id, err := st.EnqueueReply(cmd, cmd.DedupeKey())
	if err != nil {
		t.Fatalf("EnqueueReply failed: %v", err)
	}

	claimed, err := st.ClaimDueReplies(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueReplies failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("expected to claim the enqueued reply, got %+v", claimed)
	}
	if claimed[0].Status != ReplyStatusSending || claimed[0].LockedAt == nil {
		t.Errorf("claimed reply should be sending and locked, got %+v", claimed[0])
	}

	// A claimed reply is not claimed twice.
	again, err := st.ClaimDueReplies(time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("expected no replies on second claim, got %d", len(again))
	}
}

func TestOutboxDedupe(t *testing.T) {
	st := NewInMemoryStore()
	cmd := sampleCommand("e1", 1)

	first, err := st.EnqueueReply(cmd, cmd.DedupeKey())
	if err != nil {
		t.Fatal(err)
	}
	second, err := st.EnqueueReply(cmd, cmd.DedupeKey())
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("expected dedupe to return the existing reply, got %s and %s", first, second)
	}

	// A different step of the same execution is a distinct reply.
	other := sampleCommand("e1", 2)
	third, err := st.EnqueueReply(other, other.DedupeKey())
	if err != nil {
		t.Fatal(err)
	}
	if third == first {
		t.Error("different steps must not dedupe together")
	}
}

func TestOutboxMarkSent(t *testing.T) {
	st := NewInMemoryStore()
	cmd := sampleCommand("e1", 1)
	id, _ := st.EnqueueReply(cmd, cmd.DedupeKey())
	st.ClaimDueReplies(time.Now(), 1)

	if err := st.MarkReplySent(id); err != nil {
		t.Fatalf("MarkReplySent failed: %v", err)
	}
	reply, _ := st.GetReply(id)
	if reply.Status != ReplyStatusSent || reply.LockedAt != nil {
		t.Errorf("unexpected reply after send: %+v", reply)
	}
}

func TestOutboxFailAndRetry(t *testing.T) {
	st := NewInMemoryStore()
	cmd := sampleCommand("e1", 1)
	id, _ := st.EnqueueReply(cmd, cmd.DedupeKey())
	st.ClaimDueReplies(time.Now(), 1)

	next := time.Now().Add(10 * time.Second)
	exhausted, err := st.FailReply(id, "network down", next)
	if err != nil {
		t.Fatalf("FailReply failed: %v", err)
	}
	if exhausted {
		t.Error("first failure should not exhaust the attempt budget")
	}

	reply, _ := st.GetReply(id)
	if reply.Status != ReplyStatusQueued || reply.Attempts != 1 || reply.LastError != "network down" {
		t.Errorf("unexpected reply after failure: %+v", reply)
	}
	if reply.NextAttemptAt == nil || !reply.NextAttemptAt.Equal(next) {
		t.Errorf("expected next attempt at %v, got %v", next, reply.NextAttemptAt)
	}

	// Not due yet.
	if claimed, _ := st.ClaimDueReplies(time.Now(), 10); len(claimed) != 0 {
		t.Errorf("reply claimed before its backoff elapsed: %+v", claimed)
	}
	// Due once the backoff has passed.
	if claimed, _ := st.ClaimDueReplies(time.Now().Add(11*time.Second), 10); len(claimed) != 1 {
		t.Error("reply should be claimable after its backoff")
	}
}

func TestOutboxExhaustion(t *testing.T) {
	st := NewInMemoryStore()
	cmd := sampleCommand("e1", 1)
	id, _ := st.EnqueueReply(cmd, cmd.DedupeKey())

	var exhausted bool
	for i := 0; i < DefaultMaxDispatchAttempts; i++ {
		st.ClaimDueReplies(time.Now(), 1)
		var err error
		exhausted, err = st.FailReply(id, "still down", time.Now().Add(-time.Second))
		if err != nil {
			t.Fatalf("FailReply %d failed: %v", i, err)
		}
	}
	if !exhausted {
		t.Fatal("expected final failure to report exhaustion")
	}

	reply, _ := st.GetReply(id)
	if reply.Status != ReplyStatusFailed || reply.Attempts != DefaultMaxDispatchAttempts {
		t.Errorf("unexpected reply after exhaustion: %+v", reply)
	}
	if claimed, _ := st.ClaimDueReplies(time.Now().Add(time.Hour), 10); len(claimed) != 0 {
		t.Error("permanently failed reply must not be claimed again")
	}
}

func TestOutboxRequeueStaleSending(t *testing.T) {
	st := NewInMemoryStore()
	cmd := sampleCommand("e1", 1)
	id, _ := st.EnqueueReply(cmd, cmd.DedupeKey())
	st.ClaimDueReplies(time.Now(), 1)

	// Not stale yet.
	n, err := st.RequeueStaleSending(time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected no requeues for a fresh claim, got %d", n)
	}

	// Anything locked before a future cutoff is stale.
	n, err = st.RequeueStaleSending(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeue, got %d", n)
	}
	reply, _ := st.GetReply(id)
	if reply.Status != ReplyStatusQueued || reply.LockedAt != nil {
		t.Errorf("unexpected reply after requeue: %+v", reply)
	}
}

func TestOutboxClaimOrderAndLimit(t *testing.T) {
	st := NewInMemoryStore()
	for i := 1; i <= 3; i++ {
		cmd := sampleCommand("e1", i)
		if _, err := st.EnqueueReply(cmd, cmd.DedupeKey()); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}

	claimed, err := st.ClaimDueReplies(time.Now(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected claim limit of 2, got %d", len(claimed))
	}
	if claimed[0].Command.StepNumber != 1 || claimed[1].Command.StepNumber != 2 {
		t.Errorf("expected oldest-first claim order, got %+v", claimed)
	}
}

// Package testutil provides common test utilities and helpers for ReplyFlow tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ReplyFlow/ReplyFlow/internal/api"
	"github.com/ReplyFlow/ReplyFlow/internal/dispatch"
	"github.com/ReplyFlow/ReplyFlow/internal/engine"
	"github.com/ReplyFlow/ReplyFlow/internal/models"
	"github.com/ReplyFlow/ReplyFlow/internal/scheduler"
	"github.com/ReplyFlow/ReplyFlow/internal/store"
)

// TestDelayUnit shrinks step delays so delayed-step tests run in milliseconds.
const TestDelayUnit = 10 * time.Millisecond

// Harness bundles an engine with in-memory dependencies for tests.
type Harness struct {
	Store  *store.InMemoryStore
	Timer  *scheduler.SimpleTimer
	Sender *dispatch.MockSender
	Engine *engine.Engine
	Outbox *dispatch.OutboxSender
}

// NewHarness creates a fully wired in-memory engine. Step delays use
// TestDelayUnit unless overridden by opts.
func NewHarness(t *testing.T, opts ...engine.Option) *Harness {
	t.Helper()
	st := store.NewInMemoryStore()
	timer := scheduler.NewSimpleTimer()
	t.Cleanup(timer.Stop)

	engOpts := append([]engine.Option{engine.WithDelayUnit(TestDelayUnit)}, opts...)
	eng := engine.New(st, st, timer, engOpts...)
	t.Cleanup(eng.Stop)

	sender := dispatch.NewMockSender()
	outbox := dispatch.NewOutboxSender(st, sender, time.Second, eng.MarkStepFailed)

	return &Harness{Store: st, Timer: timer, Sender: sender, Engine: eng, Outbox: outbox}
}

// DrainOutbox processes one batch of due outbox replies through the mock sender.
func (h *Harness) DrainOutbox(t *testing.T) {
	t.Helper()
	h.Outbox.Poll(context.Background())
}

// NewTestServer creates a test API server with in-memory dependencies.
func NewTestServer(t *testing.T) (*api.Server, *Harness) {
	t.Helper()
	h := NewHarness(t)
	return api.NewServer(h.Engine, h.Store, h.Timer), h
}

// SampleFlow builds a valid active flow with the given keywords and steps.
func SampleFlow(id, accountID string, platform models.Platform, keywords []string, steps []models.Step) models.Flow {
	now := time.Now()
	return models.Flow{
		ID:              id,
		AccountID:       accountID,
		Platform:        platform,
		IsActive:        true,
		TriggerKeywords: keywords,
		Steps:           steps,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// SampleMessage builds a valid inbound message for the given account and sender.
func SampleMessage(accountID string, platform models.Platform, senderID, text string) models.InboundMessage {
	return models.InboundMessage{
		AccountID:       accountID,
		Platform:        platform,
		ConversationKey: models.ConversationKey(platform, senderID),
		Text:            text,
		ReceivedAt:      time.Now(),
	}
}

// WaitFor polls until cond returns true or the timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

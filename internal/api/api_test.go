package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ReplyFlow/ReplyFlow/internal/models"
	"github.com/ReplyFlow/ReplyFlow/internal/testutil"
)

func seedFlow(t *testing.T, h *testutil.Harness) models.Flow {
	t.Helper()
	flow := testutil.SampleFlow("f1", "acct1", models.PlatformInstagram, []string{"hello"}, []models.Step{
		{StepNumber: 1, Type: models.StepTypeImmediate, ReplyContent: "hi there"},
	})
	if err := h.Store.SaveFlow(flow); err != nil {
		t.Fatal(err)
	}
	return flow
}

func TestMessagesEndpoint(t *testing.T) {
	server, h := testutil.NewTestServer(t)
	seedFlow(t, h)
	handler := server.Handler()

	body := map[string]interface{}{
		"account_id": "acct1",
		"platform":   "instagram",
		"sender_id":  "u1",
		"text":       "hello there",
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/messages", body))

	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "POST /messages")
	resp := testutil.AssertJSONResponse(t, rr, "accepted")

	result, ok := resp["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing result in response: %+v", resp)
	}
	if matched, _ := result["matched"].(bool); !matched {
		t.Error("expected the message to match the seeded flow")
	}
	if id, _ := result["execution_id"].(string); id == "" {
		t.Error("expected an execution id")
	}
}

func TestMessagesEndpointNoMatch(t *testing.T) {
	server, h := testutil.NewTestServer(t)
	seedFlow(t, h)

	body := map[string]interface{}{
		"account_id": "acct1",
		"platform":   "instagram",
		"sender_id":  "u1",
		"text":       "totally unrelated",
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/messages", body))

	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "POST /messages no match")
	resp := testutil.AssertJSONResponse(t, rr, "accepted")
	result := resp["result"].(map[string]interface{})
	if matched, _ := result["matched"].(bool); matched {
		t.Error("expected no match")
	}
}

func TestMessagesEndpointValidation(t *testing.T) {
	server, _ := testutil.NewTestServer(t)
	handler := server.Handler()

	// Missing sender.
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/messages", map[string]interface{}{
		"account_id": "acct1",
		"platform":   "instagram",
	}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing sender_id")

	// Unknown platform.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/messages", map[string]interface{}{
		"account_id": "acct1",
		"platform":   "geocities",
		"sender_id":  "u1",
	}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid platform")

	// Wrong method.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/messages", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "GET /messages")
}

func TestCreateAndGetFlow(t *testing.T) {
	server, _ := testutil.NewTestServer(t)
	handler := server.Handler()

	flow := map[string]interface{}{
		"id":               "f1",
		"account_id":       "acct1",
		"platform":         "instagram",
		"is_active":        true,
		"trigger_keywords": []string{"pricing"},
		"steps": []map[string]interface{}{
			{"step_number": 1, "type": "immediate_reply", "reply_content": "our prices"},
		},
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/flows", flow))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "POST /flows")

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/flows/f1", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /flows/f1")
	testutil.AssertJSONResponse(t, rr, "ok")

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/flows/unknown", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "GET /flows/unknown")
}

func TestCreateFlowValidation(t *testing.T) {
	server, _ := testutil.NewTestServer(t)
	handler := server.Handler()

	// Step numbers must be contiguous from 1.
	flow := map[string]interface{}{
		"id":         "f1",
		"account_id": "acct1",
		"platform":   "instagram",
		"steps": []map[string]interface{}{
			{"step_number": 2, "type": "immediate_reply", "reply_content": "hi"},
		},
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/flows", flow))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad step numbering")
}

func TestListFlows(t *testing.T) {
	server, h := testutil.NewTestServer(t)
	seedFlow(t, h)
	handler := server.Handler()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/flows?account_id=acct1&platform=instagram", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /flows")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if flows, ok := resp["result"].([]interface{}); !ok || len(flows) != 1 {
		t.Errorf("expected one flow in result, got %+v", resp["result"])
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/flows?platform=instagram", nil))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "GET /flows without account_id")
}

func TestSetFlowActiveEndpoint(t *testing.T) {
	server, h := testutil.NewTestServer(t)
	seedFlow(t, h)
	handler := server.Handler()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPatch, "/flows/f1/active", map[string]interface{}{"active": false}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "PATCH /flows/f1/active")

	flow, err := h.Store.GetFlow("f1")
	if err != nil || flow == nil {
		t.Fatalf("GetFlow failed: %v", err)
	}
	if flow.IsActive {
		t.Error("expected flow deactivated")
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPatch, "/flows/unknown/active", map[string]interface{}{"active": true}))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "PATCH unknown flow")

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPatch, "/flows/f1/active", map[string]interface{}{}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "PATCH without active field")
}

func TestExecutionsEndpoints(t *testing.T) {
	server, h := testutil.NewTestServer(t)
	handler := server.Handler()

	flow := testutil.SampleFlow("f1", "acct1", models.PlatformInstagram, []string{"hello"}, []models.Step{
		{StepNumber: 1, Type: models.StepTypeDelayed, ReplyContent: "later", DelayMinutes: 60},
	})
	if err := h.Store.SaveFlow(flow); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/messages", map[string]interface{}{
		"account_id": "acct1",
		"platform":   "instagram",
		"sender_id":  "u1",
		"text":       "hello",
	}))
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "seed execution")
	resp := testutil.AssertJSONResponse(t, rr, "accepted")
	executionID := resp["result"].(map[string]interface{})["execution_id"].(string)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/executions/"+executionID, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /executions/{id}")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	state := resp["result"].(map[string]interface{})
	if state["status"] != string(models.ExecutionStatusWaitingDelay) {
		t.Errorf("expected waiting_delay, got %v", state["status"])
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/executions?status=waiting_delay", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /executions")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if list, ok := resp["result"].([]interface{}); !ok || len(list) != 1 {
		t.Errorf("expected one waiting execution, got %+v", resp["result"])
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/executions/unknown", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "GET unknown execution")
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := testutil.NewTestServer(t)

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /health")
}

func TestTimersEndpoint(t *testing.T) {
	server, h := testutil.NewTestServer(t)
	handler := server.Handler()

	flow := testutil.SampleFlow("f1", "acct1", models.PlatformInstagram, []string{"hello"}, []models.Step{
		{StepNumber: 1, Type: models.StepTypeDelayed, ReplyContent: "later", DelayMinutes: 60},
	})
	if err := h.Store.SaveFlow(flow); err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/messages", map[string]interface{}{
		"account_id": "acct1",
		"platform":   "instagram",
		"sender_id":  "u1",
		"text":       "hello",
	}))
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "seed waiting execution")

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/timers", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /timers")
}

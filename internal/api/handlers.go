// Package api provides HTTP handlers for ReplyFlow endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ReplyFlow/ReplyFlow/internal/models"
	"github.com/ReplyFlow/ReplyFlow/internal/util"
)

// inboundMessageRequest is the wire form of an inbound platform message.
type inboundMessageRequest struct {
	AccountID      string            `json:"account_id"`
	Platform       models.Platform   `json:"platform"`
	SenderID       string            `json:"sender_id"`
	Text           string            `json:"text"`
	SenderMetadata map[string]string `json:"sender_metadata,omitempty"`
	ReceivedAt     *time.Time        `json:"received_at,omitempty"`
}

// messagesHandler ingests an inbound message (POST /messages).
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.messagesHandler: processing message", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.messagesHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req inboundMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.messagesHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.SenderID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: sender_id"))
		return
	}

	msg := models.InboundMessage{
		AccountID:       req.AccountID,
		Platform:        req.Platform,
		ConversationKey: models.ConversationKey(req.Platform, req.SenderID),
		Text:            req.Text,
		SenderMetadata:  req.SenderMetadata,
	}
	if req.ReceivedAt != nil {
		msg.ReceivedAt = *req.ReceivedAt
	}
	if err := msg.Validate(); err != nil {
		slog.Warn("Server.messagesHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()

	executionID, err := s.eng.OnMessageReceived(ctx, msg)
	if err != nil {
		slog.Error("Server.messagesHandler: message processing failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}

	result := map[string]interface{}{
		"execution_id": executionID,
		"matched":      executionID != "",
	}
	slog.Info("Server.messagesHandler: message accepted", "accountID", req.AccountID, "platform", req.Platform, "executionID", executionID)
	writeJSONResponse(w, http.StatusAccepted, models.Accepted(result))
}

// flowsHandler routes /flows, /flows/{id} and /flows/{id}/active.
func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.flowsHandler invoked", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/flows")
	path = strings.TrimPrefix(path, "/")
	segments := strings.Split(path, "/")

	if len(segments) == 0 || segments[0] == "" {
		// /flows
		switch r.Method {
		case http.MethodPost:
			s.createFlowHandler(w, r)
		case http.MethodGet:
			s.listFlowsHandler(w, r)
		default:
			w.Header().Set("Allow", "GET, POST")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	flowID := segments[0]

	if len(segments) == 1 {
		// /flows/{id}
		switch r.Method {
		case http.MethodGet:
			s.getFlowHandler(w, r, flowID)
		default:
			w.Header().Set("Allow", "GET")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	if len(segments) == 2 && segments[1] == "active" {
		// /flows/{id}/active
		switch r.Method {
		case http.MethodPatch:
			s.setFlowActiveHandler(w, r, flowID)
		default:
			w.Header().Set("Allow", "PATCH")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown flows endpoint"))
}

// createFlowHandler handles POST /flows (create or replace a flow).
func (s *Server) createFlowHandler(w http.ResponseWriter, r *http.Request) {
	var flow models.Flow
	if err := json.NewDecoder(r.Body).Decode(&flow); err != nil {
		slog.Warn("Server.createFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if flow.ID == "" {
		flow.ID = util.GenerateRandomID("flow_", 16)
	}
	if err := flow.Validate(); err != nil {
		slog.Warn("Server.createFlowHandler: validation failed", "error", err, "flowID", flow.ID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	now := time.Now()
	existing, err := s.st.GetFlow(flow.ID)
	if err != nil {
		slog.Error("Server.createFlowHandler: flow lookup failed", "error", err, "flowID", flow.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store flow"))
		return
	}
	if existing != nil {
		flow.CreatedAt = existing.CreatedAt
	} else {
		flow.CreatedAt = now
	}
	flow.UpdatedAt = now

	if err := s.st.SaveFlow(flow); err != nil {
		slog.Error("Server.createFlowHandler: save failed", "error", err, "flowID", flow.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store flow"))
		return
	}
	slog.Info("Server.createFlowHandler: flow stored", "flowID", flow.ID, "accountID", flow.AccountID, "steps", len(flow.Steps))
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Flow stored successfully", flow))
}

// listFlowsHandler handles GET /flows?account_id=...&platform=...
func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	platform := models.Platform(r.URL.Query().Get("platform"))
	if accountID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required query parameter: account_id"))
		return
	}
	if !models.IsValidPlatform(platform) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid or missing query parameter: platform"))
		return
	}

	flows, err := s.st.ListActiveFlows(accountID, platform)
	if err != nil {
		slog.Error("Server.listFlowsHandler: list failed", "error", err, "accountID", accountID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch flows"))
		return
	}
	slog.Debug("Server.listFlowsHandler: flows fetched", "count", len(flows))
	writeJSONResponse(w, http.StatusOK, models.Success(flows))
}

// getFlowHandler handles GET /flows/{id}.
func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request, flowID string) {
	flow, err := s.st.GetFlow(flowID)
	if err != nil {
		slog.Error("Server.getFlowHandler: lookup failed", "error", err, "flowID", flowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch flow"))
		return
	}
	if flow == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(flow))
}

// setFlowActiveHandler handles PATCH /flows/{id}/active.
func (s *Server) setFlowActiveHandler(w http.ResponseWriter, r *http.Request, flowID string) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: active"))
		return
	}

	flow, err := s.st.GetFlow(flowID)
	if err != nil {
		slog.Error("Server.setFlowActiveHandler: lookup failed", "error", err, "flowID", flowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch flow"))
		return
	}
	if flow == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()

	if err := s.eng.SetFlowActive(ctx, flowID, *req.Active); err != nil {
		slog.Error("Server.setFlowActiveHandler: toggle failed", "error", err, "flowID", flowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update flow"))
		return
	}
	slog.Info("Server.setFlowActiveHandler: flow updated", "flowID", flowID, "active", *req.Active)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow updated successfully", map[string]interface{}{
		"flow_id": flowID,
		"active":  *req.Active,
	}))
}

// executionsHandler routes /executions and /executions/{id}.
func (s *Server) executionsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.executionsHandler invoked", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/executions")
	path = strings.TrimPrefix(path, "/")
	segments := strings.Split(path, "/")

	if len(segments) == 0 || segments[0] == "" {
		s.listExecutionsHandler(w, r)
		return
	}
	if len(segments) == 1 {
		s.getExecutionHandler(w, r, segments[0])
		return
	}
	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown executions endpoint"))
}

// listExecutionsHandler handles GET /executions?status=...; without a status
// filter it returns the live (running and waiting) executions.
func (s *Server) listExecutionsHandler(w http.ResponseWriter, r *http.Request) {
	statusParam := r.URL.Query().Get("status")

	var statuses []models.ExecutionStatus
	if statusParam == "" {
		statuses = []models.ExecutionStatus{models.ExecutionStatusRunning, models.ExecutionStatusWaitingDelay}
	} else {
		statuses = []models.ExecutionStatus{models.ExecutionStatus(statusParam)}
	}

	states := make([]models.ExecutionState, 0)
	for _, status := range statuses {
		execs, err := s.st.ListExecutionsByStatus(status)
		if err != nil {
			slog.Error("Server.listExecutionsHandler: list failed", "error", err, "status", status)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch executions"))
			return
		}
		for i := range execs {
			states = append(states, execs[i].State())
		}
	}
	slog.Debug("Server.listExecutionsHandler: executions fetched", "count", len(states))
	writeJSONResponse(w, http.StatusOK, models.Success(states))
}

// getExecutionHandler handles GET /executions/{id}.
func (s *Server) getExecutionHandler(w http.ResponseWriter, r *http.Request, executionID string) {
	state, err := s.eng.GetExecutionState(executionID)
	if err != nil {
		slog.Error("Server.getExecutionHandler: lookup failed", "error", err, "executionID", executionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch execution"))
		return
	}
	if state == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Execution not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

// timersHandler handles GET /timers.
func (s *Server) timersHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.timersHandler invoked", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	timers := s.timer.ListActive()
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"timers": timers,
		"count":  len(timers),
	})
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	live := 0
	for _, status := range []models.ExecutionStatus{models.ExecutionStatusRunning, models.ExecutionStatusWaitingDelay} {
		execs, err := s.st.ListExecutionsByStatus(status)
		if err != nil {
			slog.Warn("Health check: failed to count live executions", "error", err)
			healthData["status"] = "degraded"
			healthData["error"] = "Failed to fetch execution metrics"
			break
		}
		live += len(execs)
	}
	if healthData["status"] == "healthy" {
		healthData["live_executions"] = live
		healthData["active_timers"] = len(s.timer.ListActive())
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, healthData)
}

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ReplyFlow/ReplyFlow/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalFlowColumns serializes the JSON columns of a flow row.
func marshalFlowColumns(f models.Flow) (keywordsJSON, stepsJSON string, err error) {
	if len(f.TriggerKeywords) > 0 {
		b, err := json.Marshal(f.TriggerKeywords)
		if err != nil {
			return "", "", fmt.Errorf("marshal trigger keywords failed: %w", err)
		}
		keywordsJSON = string(b)
	}
	b, err := json.Marshal(f.Steps)
	if err != nil {
		return "", "", fmt.Errorf("marshal steps failed: %w", err)
	}
	return keywordsJSON, string(b), nil
}

// marshalExecutionColumns serializes the JSON columns of an execution row.
func marshalExecutionColumns(e models.Execution) (snapshotJSON, triggerJSON, historyJSON string, err error) {
	b, err := json.Marshal(e.FlowSnapshot)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal flow snapshot failed: %w", err)
	}
	snapshotJSON = string(b)
	b, err = json.Marshal(e.TriggerMessage)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal trigger message failed: %w", err)
	}
	triggerJSON = string(b)
	if len(e.History) > 0 {
		b, err = json.Marshal(e.History)
		if err != nil {
			return "", "", "", fmt.Errorf("marshal history failed: %w", err)
		}
		historyJSON = string(b)
	}
	return snapshotJSON, triggerJSON, historyJSON, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFlowFrom(sc rowScanner) (models.Flow, error) {
	var f models.Flow
	var keywordsJSON sql.NullString
	var stepsJSON string
	err := sc.Scan(&f.ID, &f.AccountID, &f.Platform, &f.IsActive, &keywordsJSON, &stepsJSON, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return f, err
	}
	if keywordsJSON.Valid && keywordsJSON.String != "" {
		if err := json.Unmarshal([]byte(keywordsJSON.String), &f.TriggerKeywords); err != nil {
			return f, fmt.Errorf("unmarshal trigger keywords failed: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(stepsJSON), &f.Steps); err != nil {
		return f, fmt.Errorf("unmarshal steps failed: %w", err)
	}
	return f, nil
}

// scanFlow scans a Flow from sql.Rows.
func scanFlow(rows *sql.Rows) (models.Flow, error) {
	f, err := scanFlowFrom(rows)
	if err != nil {
		return f, fmt.Errorf("scan flow failed: %w", err)
	}
	return f, nil
}

// scanFlowRow scans a Flow from a single sql.Row.
func scanFlowRow(row *sql.Row) (models.Flow, error) {
	return scanFlowFrom(row)
}

func scanExecutionFrom(sc rowScanner) (models.Execution, error) {
	var e models.Execution
	var snapshotJSON, triggerJSON string
	var historyJSON sql.NullString
	err := sc.Scan(
		&e.ID, &e.FlowID, &e.AccountID, &e.ConversationKey, &snapshotJSON, &triggerJSON,
		&e.CurrentStepIndex, &e.Status, &historyJSON, &e.StartedAt, &e.LastAdvancedAt,
	)
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(snapshotJSON), &e.FlowSnapshot); err != nil {
		return e, fmt.Errorf("unmarshal flow snapshot failed: %w", err)
	}
	if err := json.Unmarshal([]byte(triggerJSON), &e.TriggerMessage); err != nil {
		return e, fmt.Errorf("unmarshal trigger message failed: %w", err)
	}
	if historyJSON.Valid && historyJSON.String != "" {
		if err := json.Unmarshal([]byte(historyJSON.String), &e.History); err != nil {
			return e, fmt.Errorf("unmarshal history failed: %w", err)
		}
	}
	return e, nil
}

// scanExecution scans an Execution from sql.Rows.
func scanExecution(rows *sql.Rows) (models.Execution, error) {
	e, err := scanExecutionFrom(rows)
	if err != nil {
		return e, fmt.Errorf("scan execution failed: %w", err)
	}
	return e, nil
}

// scanExecutionRow scans an Execution from a single sql.Row.
func scanExecutionRow(row *sql.Row) (models.Execution, error) {
	return scanExecutionFrom(row)
}

// scanOutboxReply scans an OutboxReply from sql.Rows.
func scanOutboxReply(rows *sql.Rows) (OutboxReply, error) {
	var r OutboxReply
	var dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&r.ID, &r.Command.ExecutionID, &r.Command.StepNumber, &r.Command.AccountID,
		&r.Command.Platform, &r.Command.ConversationKey, &r.Command.Content,
		&r.Status, &r.Attempts, &r.MaxAttempts, &nextAttemptAt, &dedupeKey,
		&lockedAt, &lastError, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, fmt.Errorf("scan outbox reply failed: %w", err)
	}
	r.DedupeKey = dedupeKey.String
	r.LastError = lastError.String
	if nextAttemptAt.Valid {
		r.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		r.LockedAt = &lockedAt.Time
	}
	return r, nil
}

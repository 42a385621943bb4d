// Package store provides storage backends for ReplyFlow.
//
// This file implements the SQLite-backed store for flows and executions.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/ReplyFlow/ReplyFlow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time checks that SQLiteStore implements Store and OutboxRepo.
var (
	_ Store      = (*SQLiteStore)(nil)
	_ OutboxRepo = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

func (s *SQLiteStore) SaveFlow(f models.Flow) error {
	keywordsJSON, stepsJSON, err := marshalFlowColumns(f)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow marshal failed", "error", err, "flowID", f.ID)
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO flows (id, account_id, platform, is_active, trigger_keywords, steps, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.AccountID, f.Platform, f.IsActive, keywordsJSON, stepsJSON, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "flowID", f.ID)
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	slog.Debug("SQLiteStore SaveFlow succeeded", "flowID", f.ID, "accountID", f.AccountID)
	return nil
}

func (s *SQLiteStore) GetFlow(id string) (*models.Flow, error) {
	row := s.db.QueryRow(
		`SELECT id, account_id, platform, is_active, trigger_keywords, steps, created_at, updated_at
		 FROM flows WHERE id = ?`, id,
	)
	f, err := scanFlowRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetFlow not found", "flowID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlow failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	return &f, nil
}

func (s *SQLiteStore) ListActiveFlows(accountID string, platform models.Platform) ([]models.Flow, error) {
	rows, err := s.db.Query(
		`SELECT id, account_id, platform, is_active, trigger_keywords, steps, created_at, updated_at
		 FROM flows WHERE account_id = ? AND platform = ? AND is_active = 1
		 ORDER BY created_at DESC`,
		accountID, platform,
	)
	if err != nil {
		slog.Error("SQLiteStore ListActiveFlows query failed", "error", err, "accountID", accountID)
		return nil, fmt.Errorf("failed to query active flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			slog.Error("SQLiteStore ListActiveFlows scan failed", "error", err)
			return nil, err
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	slog.Debug("SQLiteStore ListActiveFlows succeeded", "accountID", accountID, "platform", platform, "count", len(flows))
	return flows, nil
}

func (s *SQLiteStore) SetFlowActive(id string, active bool) error {
	_, err := s.db.Exec(
		`UPDATE flows SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now(), id,
	)
	if err != nil {
		slog.Error("SQLiteStore SetFlowActive failed", "error", err, "flowID", id)
		return fmt.Errorf("failed to set flow %s active=%t: %w", id, active, err)
	}
	slog.Debug("SQLiteStore SetFlowActive succeeded", "flowID", id, "active", active)
	return nil
}

func (s *SQLiteStore) CreateExecution(e models.Execution) (bool, error) {
	snapshotJSON, triggerJSON, historyJSON, err := marshalExecutionColumns(e)
	if err != nil {
		slog.Error("SQLiteStore CreateExecution marshal failed", "error", err, "executionID", e.ID)
		return false, err
	}

	// Insert-where-not-exists keeps the one-live-execution invariant atomic at
	// the database level.
	result, err := s.db.Exec(
		`INSERT INTO executions (id, flow_id, account_id, conversation_key, flow_snapshot, trigger_message, current_step_index, status, history, started_at, last_advanced_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (
			 SELECT 1 FROM executions
			 WHERE account_id = ? AND conversation_key = ? AND flow_id = ?
			   AND status IN ('running', 'waiting_delay')
		 )`,
		e.ID, e.FlowID, e.AccountID, e.ConversationKey, snapshotJSON, triggerJSON,
		e.CurrentStepIndex, e.Status, historyJSON, e.StartedAt, e.LastAdvancedAt,
		e.AccountID, e.ConversationKey, e.FlowID,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateExecution failed", "error", err, "executionID", e.ID)
		return false, fmt.Errorf("failed to create execution %s: %w", e.ID, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		slog.Debug("SQLiteStore CreateExecution duplicate live execution", "flowID", e.FlowID, "conversationKey", e.ConversationKey)
		return false, nil
	}
	slog.Debug("SQLiteStore CreateExecution succeeded", "executionID", e.ID, "flowID", e.FlowID)
	return true, nil
}

func (s *SQLiteStore) GetExecution(id string) (*models.Execution, error) {
	row := s.db.QueryRow(
		`SELECT id, flow_id, account_id, conversation_key, flow_snapshot, trigger_message, current_step_index, status, history, started_at, last_advanced_at
		 FROM executions WHERE id = ?`, id,
	)
	e, err := scanExecutionRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetExecution not found", "executionID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetExecution failed", "error", err, "executionID", id)
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return &e, nil
}

func (s *SQLiteStore) UpdateExecution(e models.Execution) error {
	_, _, historyJSON, err := marshalExecutionColumns(e)
	if err != nil {
		slog.Error("SQLiteStore UpdateExecution marshal failed", "error", err, "executionID", e.ID)
		return err
	}
	_, err = s.db.Exec(
		`UPDATE executions SET current_step_index = ?, status = ?, history = ?, last_advanced_at = ? WHERE id = ?`,
		e.CurrentStepIndex, e.Status, historyJSON, e.LastAdvancedAt, e.ID,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateExecution failed", "error", err, "executionID", e.ID)
		return fmt.Errorf("failed to update execution %s: %w", e.ID, err)
	}
	slog.Debug("SQLiteStore UpdateExecution succeeded", "executionID", e.ID, "status", e.Status, "stepIndex", e.CurrentStepIndex)
	return nil
}

func (s *SQLiteStore) ListExecutionsByStatus(status models.ExecutionStatus) ([]models.Execution, error) {
	return s.queryExecutions(
		`SELECT id, flow_id, account_id, conversation_key, flow_snapshot, trigger_message, current_step_index, status, history, started_at, last_advanced_at
		 FROM executions WHERE status = ? ORDER BY started_at ASC`, status,
	)
}

func (s *SQLiteStore) ListLiveExecutionsByFlow(flowID string) ([]models.Execution, error) {
	return s.queryExecutions(
		`SELECT id, flow_id, account_id, conversation_key, flow_snapshot, trigger_message, current_step_index, status, history, started_at, last_advanced_at
		 FROM executions WHERE flow_id = ? AND status IN ('running', 'waiting_delay') ORDER BY started_at ASC`, flowID,
	)
}

func (s *SQLiteStore) queryExecutions(query string, args ...interface{}) ([]models.Execution, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore execution query failed", "error", err)
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var execs []models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			slog.Error("SQLiteStore execution scan failed", "error", err)
			return nil, err
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate execution rows: %w", err)
	}
	return execs, nil
}

func (s *SQLiteStore) DeleteTerminalExecutionsBefore(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM executions WHERE status IN ('completed', 'aborted') AND last_advanced_at < ?`,
		cutoff,
	)
	if err != nil {
		slog.Error("SQLiteStore DeleteTerminalExecutionsBefore failed", "error", err)
		return 0, fmt.Errorf("failed to delete terminal executions: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore DeleteTerminalExecutionsBefore removed executions", "count", n)
	}
	return int(n), nil
}

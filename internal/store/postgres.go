// Package store provides storage backends for ReplyFlow.
//
// This file implements the PostgreSQL-backed store for flows and executions.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/ReplyFlow/ReplyFlow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time checks that PostgresStore implements Store and OutboxRepo.
var (
	_ Store      = (*PostgresStore)(nil)
	_ OutboxRepo = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

func (s *PostgresStore) SaveFlow(f models.Flow) error {
	keywordsJSON, stepsJSON, err := marshalFlowColumns(f)
	if err != nil {
		slog.Error("PostgresStore SaveFlow marshal failed", "error", err, "flowID", f.ID)
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO flows (id, account_id, platform, is_active, trigger_keywords, steps, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			platform = EXCLUDED.platform,
			is_active = EXCLUDED.is_active,
			trigger_keywords = EXCLUDED.trigger_keywords,
			steps = EXCLUDED.steps,
			updated_at = EXCLUDED.updated_at`,
		f.ID, f.AccountID, f.Platform, f.IsActive, keywordsJSON, stepsJSON, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "flowID", f.ID)
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	slog.Debug("PostgresStore SaveFlow succeeded", "flowID", f.ID, "accountID", f.AccountID)
	return nil
}

func (s *PostgresStore) GetFlow(id string) (*models.Flow, error) {
	row := s.db.QueryRow(
		`SELECT id, account_id, platform, is_active, trigger_keywords, steps, created_at, updated_at
		 FROM flows WHERE id = $1`, id,
	)
	f, err := scanFlowRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetFlow not found", "flowID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlow failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	return &f, nil
}

func (s *PostgresStore) ListActiveFlows(accountID string, platform models.Platform) ([]models.Flow, error) {
	rows, err := s.db.Query(
		`SELECT id, account_id, platform, is_active, trigger_keywords, steps, created_at, updated_at
		 FROM flows WHERE account_id = $1 AND platform = $2 AND is_active = TRUE
		 ORDER BY created_at DESC`,
		accountID, platform,
	)
	if err != nil {
		slog.Error("PostgresStore ListActiveFlows query failed", "error", err, "accountID", accountID)
		return nil, fmt.Errorf("failed to query active flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			slog.Error("PostgresStore ListActiveFlows scan failed", "error", err)
			return nil, err
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	slog.Debug("PostgresStore ListActiveFlows succeeded", "accountID", accountID, "platform", platform, "count", len(flows))
	return flows, nil
}

func (s *PostgresStore) SetFlowActive(id string, active bool) error {
	_, err := s.db.Exec(
		`UPDATE flows SET is_active = $1, updated_at = $2 WHERE id = $3`,
		active, time.Now(), id,
	)
	if err != nil {
		slog.Error("PostgresStore SetFlowActive failed", "error", err, "flowID", id)
		return fmt.Errorf("failed to set flow %s active=%t: %w", id, active, err)
	}
	slog.Debug("PostgresStore SetFlowActive succeeded", "flowID", id, "active", active)
	return nil
}

func (s *PostgresStore) CreateExecution(e models.Execution) (bool, error) {
	snapshotJSON, triggerJSON, historyJSON, err := marshalExecutionColumns(e)
	if err != nil {
		slog.Error("PostgresStore CreateExecution marshal failed", "error", err, "executionID", e.ID)
		return false, err
	}

	result, err := s.db.Exec(
		`INSERT INTO executions (id, flow_id, account_id, conversation_key, flow_snapshot, trigger_message, current_step_index, status, history, started_at, last_advanced_at)
		 SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		 WHERE NOT EXISTS (
			 SELECT 1 FROM executions
			 WHERE account_id = $3 AND conversation_key = $4 AND flow_id = $2
			   AND status IN ('running', 'waiting_delay')
		 )`,
		e.ID, e.FlowID, e.AccountID, e.ConversationKey, snapshotJSON, triggerJSON,
		e.CurrentStepIndex, e.Status, historyJSON, e.StartedAt, e.LastAdvancedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateExecution failed", "error", err, "executionID", e.ID)
		return false, fmt.Errorf("failed to create execution %s: %w", e.ID, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		slog.Debug("PostgresStore CreateExecution duplicate live execution", "flowID", e.FlowID, "conversationKey", e.ConversationKey)
		return false, nil
	}
	slog.Debug("PostgresStore CreateExecution succeeded", "executionID", e.ID, "flowID", e.FlowID)
	return true, nil
}

func (s *PostgresStore) GetExecution(id string) (*models.Execution, error) {
	row := s.db.QueryRow(
		`SELECT id, flow_id, account_id, conversation_key, flow_snapshot, trigger_message, current_step_index, status, history, started_at, last_advanced_at
		 FROM executions WHERE id = $1`, id,
	)
	e, err := scanExecutionRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetExecution not found", "executionID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetExecution failed", "error", err, "executionID", id)
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return &e, nil
}

func (s *PostgresStore) UpdateExecution(e models.Execution) error {
	_, _, historyJSON, err := marshalExecutionColumns(e)
	if err != nil {
		slog.Error("PostgresStore UpdateExecution marshal failed", "error", err, "executionID", e.ID)
		return err
	}
	_, err = s.db.Exec(
		`UPDATE executions SET current_step_index = $1, status = $2, history = $3, last_advanced_at = $4 WHERE id = $5`,
		e.CurrentStepIndex, e.Status, historyJSON, e.LastAdvancedAt, e.ID,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateExecution failed", "error", err, "executionID", e.ID)
		return fmt.Errorf("failed to update execution %s: %w", e.ID, err)
	}
	slog.Debug("PostgresStore UpdateExecution succeeded", "executionID", e.ID, "status", e.Status, "stepIndex", e.CurrentStepIndex)
	return nil
}

func (s *PostgresStore) ListExecutionsByStatus(status models.ExecutionStatus) ([]models.Execution, error) {
	return s.queryExecutions(
		`SELECT id, flow_id, account_id, conversation_key, flow_snapshot, trigger_message, current_step_index, status, history, started_at, last_advanced_at
		 FROM executions WHERE status = $1 ORDER BY started_at ASC`, status,
	)
}

func (s *PostgresStore) ListLiveExecutionsByFlow(flowID string) ([]models.Execution, error) {
	return s.queryExecutions(
		`SELECT id, flow_id, account_id, conversation_key, flow_snapshot, trigger_message, current_step_index, status, history, started_at, last_advanced_at
		 FROM executions WHERE flow_id = $1 AND status IN ('running', 'waiting_delay') ORDER BY started_at ASC`, flowID,
	)
}

func (s *PostgresStore) queryExecutions(query string, args ...interface{}) ([]models.Execution, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore execution query failed", "error", err)
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var execs []models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			slog.Error("PostgresStore execution scan failed", "error", err)
			return nil, err
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate execution rows: %w", err)
	}
	return execs, nil
}

func (s *PostgresStore) DeleteTerminalExecutionsBefore(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM executions WHERE status IN ('completed', 'aborted') AND last_advanced_at < $1`,
		cutoff,
	)
	if err != nil {
		slog.Error("PostgresStore DeleteTerminalExecutionsBefore failed", "error", err)
		return 0, fmt.Errorf("failed to delete terminal executions: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore DeleteTerminalExecutionsBefore removed executions", "count", n)
	}
	return int(n), nil
}

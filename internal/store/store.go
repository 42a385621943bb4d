// Package store provides storage backends for ReplyFlow.
//
// It includes an in-memory store for tests and development, plus persistent
// SQLite and PostgreSQL backends for flow snapshots, executions and the reply
// outbox.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ReplyFlow/ReplyFlow/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN configures a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN configures a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL-style DSNs and "sqlite"
// for anything else (treated as a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Store defines persistence for flow snapshots and executions.
//
// Flow definitions are owned by the external CRUD layer; the engine reads
// snapshots and only ever writes the is_active toggle. Executions are owned by
// the engine.
type Store interface {
	// SaveFlow stores or replaces a flow snapshot.
	SaveFlow(f models.Flow) error

	// GetFlow retrieves a flow by ID. Returns nil without error when absent.
	GetFlow(id string) (*models.Flow, error)

	// ListActiveFlows returns all active flows for an account and platform.
	ListActiveFlows(accountID string, platform models.Platform) ([]models.Flow, error)

	// SetFlowActive toggles a flow's active flag.
	SetFlowActive(id string, active bool) error

	// CreateExecution inserts a new execution unless a live (running or
	// waiting_delay) execution already exists for the same
	// (account, conversation, flow). Returns false on such a duplicate.
	CreateExecution(e models.Execution) (bool, error)

	// GetExecution retrieves an execution by ID. Returns nil without error when absent.
	GetExecution(id string) (*models.Execution, error)

	// UpdateExecution persists the mutable fields of an execution
	// (current step index, status, history, last advanced time).
	UpdateExecution(e models.Execution) error

	// ListExecutionsByStatus returns all executions with the given status.
	ListExecutionsByStatus(status models.ExecutionStatus) ([]models.Execution, error)

	// ListLiveExecutionsByFlow returns running and waiting_delay executions of a flow.
	ListLiveExecutionsByFlow(flowID string) ([]models.Execution, error)

	// DeleteTerminalExecutionsBefore removes completed and aborted executions
	// last advanced before the cutoff. Returns the number removed.
	DeleteTerminalExecutionsBefore(cutoff time.Time) (int, error)

	// Close releases backend resources.
	Close() error
}

// InMemoryStore is a mutex-guarded in-memory implementation of Store and
// OutboxRepo, used in tests and for ephemeral development runs.
type InMemoryStore struct {
	mu         sync.Mutex
	flows      map[string]models.Flow
	executions map[string]models.Execution
	outbox     map[string]OutboxReply
	nextOutbox int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:      make(map[string]models.Flow),
		executions: make(map[string]models.Execution),
		outbox:     make(map[string]OutboxReply),
	}
}

func (s *InMemoryStore) SaveFlow(f models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = f
	return nil
}

func (s *InMemoryStore) GetFlow(id string) (*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, nil
	}
	cp := f
	return &cp, nil
}

func (s *InMemoryStore) ListActiveFlows(accountID string, platform models.Platform) ([]models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var flows []models.Flow
	for _, f := range s.flows {
		if f.IsActive && f.AccountID == accountID && f.Platform == platform {
			flows = append(flows, f)
		}
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].CreatedAt.After(flows[j].CreatedAt) })
	return flows, nil
}

func (s *InMemoryStore) SetFlowActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil
	}
	f.IsActive = active
	f.UpdatedAt = time.Now()
	s.flows[id] = f
	return nil
}

func (s *InMemoryStore) CreateExecution(e models.Execution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.executions {
		if existing.AccountID == e.AccountID &&
			existing.ConversationKey == e.ConversationKey &&
			existing.FlowID == e.FlowID &&
			existing.Status.IsLive() {
			return false, nil
		}
	}
	s.executions[e.ID] = e
	return true, nil
}

func (s *InMemoryStore) GetExecution(id string) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	cp := e
	cp.History = append([]models.StepRecord(nil), e.History...)
	return &cp, nil
}

func (s *InMemoryStore) UpdateExecution(e models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[e.ID] = e
	return nil
}

func (s *InMemoryStore) ListExecutionsByStatus(status models.ExecutionStatus) ([]models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var execs []models.Execution
	for _, e := range s.executions {
		if e.Status == status {
			execs = append(execs, e)
		}
	}
	sort.Slice(execs, func(i, j int) bool { return execs[i].StartedAt.Before(execs[j].StartedAt) })
	return execs, nil
}

func (s *InMemoryStore) ListLiveExecutionsByFlow(flowID string) ([]models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var execs []models.Execution
	for _, e := range s.executions {
		if e.FlowID == flowID && e.Status.IsLive() {
			execs = append(execs, e)
		}
	}
	sort.Slice(execs, func(i, j int) bool { return execs[i].StartedAt.Before(execs[j].StartedAt) })
	return execs, nil
}

func (s *InMemoryStore) DeleteTerminalExecutionsBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.executions {
		if e.Status.IsTerminal() && e.LastAdvancedAt.Before(cutoff) {
			delete(s.executions, id)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

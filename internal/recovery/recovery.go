// Package recovery restores runtime state after an application restart.
//
// Delay timers live only in memory, so on startup each registered component
// rebuilds its side of the world from the persisted executions and the reply
// outbox: waiting executions get their timers re-armed (past-due ones resume
// immediately), stalled running executions are re-driven, and replies stuck
// mid-send are requeued.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Recoverable is a component that can restore its state during startup.
type Recoverable interface {
	// RecoverState is called once at application startup.
	RecoverState(ctx context.Context) error
	// Name identifies the component in logs.
	Name() string
}

// RecoverableFunc adapts a function to the Recoverable interface.
type RecoverableFunc struct {
	ComponentName string
	Fn            func(ctx context.Context) error
}

// Name returns the component name.
func (r RecoverableFunc) Name() string { return r.ComponentName }

// RecoverState invokes the wrapped function.
func (r RecoverableFunc) RecoverState(ctx context.Context) error { return r.Fn(ctx) }

// Manager runs registered recoverables in registration order.
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates an empty recovery manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a component to recover at startup. Order matters: components
// registered first recover first.
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every registered component's recovery. The first failure
// aborts the sequence; a partially recovered process must not serve traffic.
func (m *Manager) RecoverAll(ctx context.Context) error {
	start := time.Now()
	for _, r := range m.recoverables {
		slog.Info("Recovery: recovering component", "component", r.Name())
		if err := r.RecoverState(ctx); err != nil {
			return fmt.Errorf("recovery of %s failed: %w", r.Name(), err)
		}
	}
	slog.Info("Recovery complete", "components", len(m.recoverables), "elapsed", time.Since(start))
	return nil
}

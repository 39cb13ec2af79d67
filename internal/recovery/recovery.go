// Package recovery restores background work after a restart. Each Recoverable fixes one kind
// of state a crash can leave behind: jobs stuck in running, outbox rows stuck in sending,
// expired confirmation windows and reminders whose due job was never queued.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable is a component that can restore its state during startup.
type Recoverable interface {
	// Name identifies the component in logs.
	Name() string
	// Recover is called once, before the workers start.
	Recover(ctx context.Context) error
}

// Func adapts a function to Recoverable.
type Func struct {
	Label string
	Fn    func(ctx context.Context) error
}

// Name implements Recoverable.
func (f Func) Name() string { return f.Label }

// Recover implements Recoverable.
func (f Func) Recover(ctx context.Context) error {
	if f.Fn == nil {
		return fmt.Errorf("recoverable %q has no function", f.Label)
	}
	return f.Fn(ctx)
}

// Manager runs the registered recoverables in registration order.
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates a manager with the given recoverables.
func NewManager(rs ...Recoverable) *Manager {
	return &Manager{recoverables: append([]Recoverable(nil), rs...)}
}

// Register adds a component that can be recovered.
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every recoverable. A failure is logged and the next one still runs; the
// returned error counts the failures.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))

	recovered, failed := 0, 0
	for _, r := range m.recoverables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.Recover(ctx); err != nil {
			slog.Error("Manager.RecoverAll: component failed", "component", r.Name(), "error", err)
			failed++
			continue
		}
		recovered++
	}

	slog.Info("Manager.RecoverAll: recovery completed", "recovered", recovered, "errors", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", failed, len(m.recoverables))
	}
	return nil
}

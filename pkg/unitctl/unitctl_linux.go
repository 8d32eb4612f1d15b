//go:build linux

package unitctl

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager holds a lazily opened system bus connection.
type Manager struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func New() *Manager { return &Manager{} }

func (m *Manager) connect(ctx context.Context) (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil && m.conn.Connected() {
		return m.conn, nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	m.conn = conn
	return conn, nil
}

// Run submits op for unit and waits for the job to finish or ctx to end.
func (m *Manager) Run(ctx context.Context, op Op, unit string) error {
	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}
	name := UnitName(unit)
	ch := make(chan string, 1)
	switch op {
	case OpStart:
		_, err = conn.StartUnitContext(ctx, name, "replace", ch)
	case OpStop:
		_, err = conn.StopUnitContext(ctx, name, "replace", ch)
	case OpRestart:
		_, err = conn.RestartUnitContext(ctx, name, "replace", ch)
	default:
		return fmt.Errorf("unitctl: unknown op %q", op)
	}
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", op, name, err)
	}
	select {
	case res := <-ch:
		return jobResult(op, name, res)
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", op, name, ctx.Err())
	}
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

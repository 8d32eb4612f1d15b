//go:build !linux

package unitctl

import "context"

type Manager struct{}

func New() *Manager { return &Manager{} }

func (m *Manager) Run(ctx context.Context, op Op, unit string) error { return ErrUnsupported }

func (m *Manager) Close() error { return nil }

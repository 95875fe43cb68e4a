// Package storage persists files extracted from sandbox runs and issues
// bounded-lifetime access URLs for them.
//
// The core treats "storage disabled" as a normal mode: extraction simply
// yields an empty file list. Object-store providers (R2, S3) live outside
// this repository; the local-disk provider here serves development and
// tests.
package storage

import (
	"context"
	"log/slog"
)

// Metadata travels with a saved file (original path, size, anything the
// backend wants recorded).
type Metadata map[string]string

// Provider is the contract a storage backend satisfies.
type Provider interface {
	// Save stores content under an execution-scoped key and returns a
	// reference usable with TemporaryURL.
	Save(ctx context.Context, content []byte, filename, executionID string, meta Metadata) (string, error)

	// TemporaryURL returns an access URL valid for ttlSeconds.
	TemporaryURL(ctx context.Context, ref string, ttlSeconds int) (string, error)

	// HealthCheck reports whether the provider can take writes.
	HealthCheck(ctx context.Context) bool

	// Name identifies the provider ("local", "r2").
	Name() string
}

// Manager fronts an optional Provider. A nil provider means storage is
// disabled, which is not an error condition anywhere in the core.
type Manager struct {
	provider Provider
	logger   *slog.Logger
}

// NewManager wraps a provider; pass nil to run with storage disabled.
func NewManager(provider Provider, logger *slog.Logger) *Manager {
	return &Manager{provider: provider, logger: logger}
}

// Enabled reports whether files will actually be persisted.
func (m *Manager) Enabled() bool {
	return m.provider != nil
}

// Save stores a file and returns its reference, or "" when disabled.
func (m *Manager) Save(ctx context.Context, content []byte, filename, executionID string, meta Metadata) (string, error) {
	if !m.Enabled() {
		return "", nil
	}
	return m.provider.Save(ctx, content, filename, executionID, meta)
}

// TemporaryURL issues a bounded-lifetime URL for a saved reference, or ""
// when disabled.
func (m *Manager) TemporaryURL(ctx context.Context, ref string, ttlSeconds int) (string, error) {
	if !m.Enabled() {
		return "", nil
	}
	return m.provider.TemporaryURL(ctx, ref, ttlSeconds)
}

// HealthCheck reports provider health; disabled storage is healthy.
func (m *Manager) HealthCheck(ctx context.Context) bool {
	if !m.Enabled() {
		return true
	}
	return m.provider.HealthCheck(ctx)
}

// ProviderName names the active provider, or "disabled".
func (m *Manager) ProviderName() string {
	if !m.Enabled() {
		return "disabled"
	}
	return m.provider.Name()
}

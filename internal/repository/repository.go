// Package repository defines persistence contracts. Implementations live in
// subpackages; the service layer only sees these interfaces.
package repository

import (
	"context"

	"github.com/binhtrongg/python-sandbox/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
}

// ExecutionRepository stores execution history. Recording is best-effort
// from the caller's point of view; a failed insert never fails a request.
type ExecutionRepository interface {
	Create(ctx context.Context, record *model.ExecutionRecord) error
	GetByID(ctx context.Context, id string) (*model.ExecutionRecord, error)
	List(ctx context.Context, opts ListOptions) ([]model.ExecutionRecord, error)
}

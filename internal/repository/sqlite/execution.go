package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/binhtrongg/python-sandbox/internal/apperror"
	"github.com/binhtrongg/python-sandbox/internal/model"
	"github.com/binhtrongg/python-sandbox/internal/repository"
)

var _ repository.ExecutionRepository = (*DB)(nil)

// Create inserts a history row, assigning the record an ID and timestamp.
func (db *DB) Create(ctx context.Context, record *model.ExecutionRecord) error {
	if record.ID == "" {
		record.ID = xid.New().String()
	}
	record.CreatedAt = time.Now().UTC()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO executions (id, provider, success, exit_code, execution_time, error, code_length, file_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Provider,
		record.Success,
		record.ExitCode,
		record.ExecutionTime,
		record.Error,
		record.CodeLength,
		record.FileCount,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating execution record: %w", err)
	}
	return nil
}

func (db *DB) GetByID(ctx context.Context, id string) (*model.ExecutionRecord, error) {
	var r model.ExecutionRecord
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, provider, success, exit_code, execution_time, error, code_length, file_count, created_at
		 FROM executions
		 WHERE id = ?`,
		id,
	).Scan(
		&r.ID, &r.Provider, &r.Success, &r.ExitCode, &r.ExecutionTime,
		&r.Error, &r.CodeLength, &r.FileCount, &r.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("execution", id)
		}
		return nil, fmt.Errorf("sqlite: getting execution %s: %w", id, err)
	}
	return &r, nil
}

// List returns history newest-first with LIMIT/OFFSET pagination.
func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.ExecutionRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, provider, success, exit_code, execution_time, error, code_length, file_count, created_at
		 FROM executions
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing executions: %w", err)
	}
	defer rows.Close()

	records := make([]model.ExecutionRecord, 0, limit)
	for rows.Next() {
		var r model.ExecutionRecord
		if err := rows.Scan(
			&r.ID, &r.Provider, &r.Success, &r.ExitCode, &r.ExecutionTime,
			&r.Error, &r.CodeLength, &r.FileCount, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning execution row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating executions: %w", err)
	}
	return records, nil
}

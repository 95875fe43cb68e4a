// Package model defines the domain structures shared across layers.
package model

import "time"

// ExecutionRecord is one row of execution history: which provider ran the
// code, how it went, and how long it took. The code itself is not stored.
type ExecutionRecord struct {
	ID            string    `json:"id"`
	Provider      string    `json:"provider"`
	Success       bool      `json:"success"`
	ExitCode      int       `json:"exit_code"`
	ExecutionTime float64   `json:"execution_time"`
	Error         string    `json:"error,omitempty"`
	CodeLength    int       `json:"code_length"`
	FileCount     int       `json:"file_count"`
	CreatedAt     time.Time `json:"created_at"`
}

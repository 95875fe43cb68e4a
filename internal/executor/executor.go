// Package executor defines the isolation-backend contract and the registry
// and factory that select a healthy backend at runtime.
//
// A backend runs exactly one Python snippet per session (container or
// microVM), never reuses sessions across requests, and tears its session
// down on every exit path. New backends plug in by registering a constructor
// under a provider name at startup; selection logic never changes.
package executor

import (
	"context"
	"fmt"
)

// Error tags carried in Result.Error. The two-category failure taxonomy is
// part of the API: callers distinguish "the code ran out of time" from
// "the infrastructure broke" by these strings.
const (
	ErrorTimeout = "Execution timeout"
	ErrorFailed  = "Execution failed"
)

// Result is produced exactly once per request and immutable after creation.
// A run whose script failed (non-zero exit) is still a normal Result with
// Success=false, distinct from a transport or infrastructure failure.
type Result struct {
	Success       bool     `json:"success"`
	Stdout        string   `json:"stdout"`
	Stderr        string   `json:"stderr"`
	ExitCode      int      `json:"exit_code"`
	ExecutionTime float64  `json:"execution_time"`
	Error         string   `json:"error,omitempty"`
	Files         []string `json:"files"`
}

// Backend is the uniform contract every isolation implementation satisfies.
type Backend interface {
	// Execute runs code inside one fresh isolated session, waiting up to
	// timeout seconds for the code itself. Infrastructure steps use their
	// own internal bounds. Execute returns an error only for faults that
	// prevented producing a Result at all; script failures and timeouts
	// come back as a Result with Success=false.
	Execute(ctx context.Context, code string, timeout int) (*Result, error)

	// HealthCheck reports whether the backend can currently take a request.
	HealthCheck(ctx context.Context) bool

	// Cleanup releases long-lived resources. Best-effort; called at
	// shutdown or when the factory drops the instance.
	Cleanup() error

	// Name returns the stable provider name ("docker", "firecracker").
	Name() string
}

// Constructor builds a live backend instance. Registered per provider name;
// invoked lazily by the Factory on first use.
type Constructor func() (Backend, error)

// TruncateOutput caps s at max bytes, appending a truncation marker when it
// cut anything. The result never exceeds max plus the marker length.
func TruncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n\n[Output truncated - exceeded %d bytes]", max)
}

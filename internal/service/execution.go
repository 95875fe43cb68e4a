// Package service orchestrates a request: validate, pick a healthy backend,
// execute, record. It owns no HTTP and no isolation details.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/binhtrongg/python-sandbox/internal/apperror"
	"github.com/binhtrongg/python-sandbox/internal/config"
	"github.com/binhtrongg/python-sandbox/internal/executor"
	"github.com/binhtrongg/python-sandbox/internal/metrics"
	"github.com/binhtrongg/python-sandbox/internal/model"
	"github.com/binhtrongg/python-sandbox/internal/repository"
	"github.com/binhtrongg/python-sandbox/internal/storage"
	"github.com/binhtrongg/python-sandbox/internal/validator"
)

// BackendSelector is the slice of the factory the service needs.
type BackendSelector interface {
	GetHealthy(ctx context.Context) (executor.Backend, error)
	Create(name string) (executor.Backend, error)
	ActiveProviders() []string
	AvailableProviders() []string
}

// ExecutionService runs validated code on whichever backend is healthy and
// records the outcome.
type ExecutionService struct {
	validator *validator.Validator
	selector  BackendSelector
	history   repository.ExecutionRepository
	storage   *storage.Manager
	metrics   *metrics.Metrics
	cfg       *config.Config
	logger    *slog.Logger
}

func NewExecutionService(
	v *validator.Validator,
	selector BackendSelector,
	history repository.ExecutionRepository,
	store *storage.Manager,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *slog.Logger,
) *ExecutionService {
	return &ExecutionService{
		validator: v,
		selector:  selector,
		history:   history,
		storage:   store,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
	}
}

// ExecuteResponse is the service-level result: the backend's result plus the
// validation warnings that did not block the run.
type ExecuteResponse struct {
	*executor.Result
	Warnings []string `json:"warnings,omitempty"`
}

// Execute validates and runs one submission. Validation errors carry every
// violation found; warnings never block execution and come back alongside
// the result. A timeout the caller requested is bounded to the configured
// range before it reaches any backend.
func (s *ExecutionService) Execute(ctx context.Context, code string, timeout int) (*ExecuteResponse, error) {
	timeout = s.cfg.ClampTimeout(timeout)

	res := s.validator.Validate(code)
	if !res.OK {
		security := false
		for _, violation := range res.Errors {
			s.metrics.ValidationFailures.WithLabelValues(validationReason(violation)).Inc()
			if strings.HasPrefix(violation, "Forbidden import") {
				security = true
			}
		}
		if security {
			return nil, apperror.SecurityViolation(res.Findings())
		}
		return nil, apperror.ValidationFailed(res.Findings())
	}

	backend, err := s.selector.GetHealthy(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := backend.Execute(ctx, code, timeout)
	if err != nil {
		s.metrics.ObserveExecution(backend.Name(), false, time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperror.Timeout(timeout)
		}
		return nil, apperror.ExecutionFailed(err.Error())
	}

	s.metrics.ObserveExecution(backend.Name(), result.Success, result.ExecutionTime)
	s.record(ctx, backend.Name(), code, result)

	return &ExecuteResponse{Result: result, Warnings: res.Warnings}, nil
}

// validationReason buckets a violation message for the failure counter.
func validationReason(violation string) string {
	switch {
	case strings.HasPrefix(violation, "Forbidden import"):
		return "forbidden_import"
	case strings.HasPrefix(violation, "Syntax error"):
		return "syntax_error"
	case strings.HasPrefix(violation, "Code complexity"):
		return "complexity"
	case strings.HasPrefix(violation, "Code exceeds"):
		return "length"
	default:
		return "other"
	}
}

// record writes the history row. Failure here is logged and swallowed; the
// caller already has a result.
func (s *ExecutionService) record(ctx context.Context, provider, code string, result *executor.Result) {
	if s.history == nil {
		return
	}
	err := s.history.Create(ctx, &model.ExecutionRecord{
		Provider:      provider,
		Success:       result.Success,
		ExitCode:      result.ExitCode,
		ExecutionTime: result.ExecutionTime,
		Error:         result.Error,
		CodeLength:    len(code),
		FileCount:     len(result.Files),
	})
	if err != nil {
		s.logger.Warn("failed to record execution", slog.String("error", err.Error()))
	}
}

// GetExecution returns one history row.
func (s *ExecutionService) GetExecution(ctx context.Context, id string) (*model.ExecutionRecord, error) {
	if s.history == nil {
		return nil, apperror.NotFound("execution", id)
	}
	return s.history.GetByID(ctx, id)
}

// ListExecutions returns recent history, newest first.
func (s *ExecutionService) ListExecutions(ctx context.Context, opts repository.ListOptions) ([]model.ExecutionRecord, error) {
	if s.history == nil {
		return []model.ExecutionRecord{}, nil
	}
	return s.history.List(ctx, opts)
}

// HealthStatus aggregates backend and storage health for the health
// endpoint.
type HealthStatus struct {
	Status             string          `json:"status"`
	Backends           map[string]bool `json:"backends"`
	ActiveProviders    []string        `json:"active_providers"`
	AvailableProviders []string        `json:"available_providers"`
	StorageEnabled     bool            `json:"storage_enabled"`
	StorageHealthy     bool            `json:"storage_healthy"`
}

// Health probes every active backend plus storage. Overall status is
// "healthy" when at least one backend can take a request.
func (s *ExecutionService) Health(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Backends:           map[string]bool{},
		ActiveProviders:    []string{},
		AvailableProviders: s.selector.AvailableProviders(),
		StorageEnabled:     s.storage.Enabled(),
		StorageHealthy:     s.storage.HealthCheck(ctx),
	}

	status.ActiveProviders = s.selector.ActiveProviders()

	anyHealthy := false
	for _, name := range status.ActiveProviders {
		backend, err := s.selector.Create(name)
		healthy := err == nil && backend.HealthCheck(ctx)
		status.Backends[name] = healthy
		if healthy {
			anyHealthy = true
		}
	}

	// Nothing instantiated yet (no request served): probe through the
	// normal selection path instead.
	if len(status.ActiveProviders) == 0 {
		if backend, err := s.selector.GetHealthy(ctx); err == nil {
			status.Backends[backend.Name()] = true
			status.ActiveProviders = s.selector.ActiveProviders()
			anyHealthy = true
		}
	}

	if anyHealthy {
		status.Status = "healthy"
	} else {
		status.Status = "unhealthy"
	}
	return status
}

package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/binhtrongg/python-sandbox/internal/apperror"
)

// Factory creates and caches one live backend instance per provider name and
// implements the health-driven fallback chain. The instance cache is the only
// state shared across concurrent requests; the mutex guarantees that two
// requests racing on first use never produce two live instances for the same
// provider name.
type Factory struct {
	registry        *Registry
	defaultProvider string
	fallbacks       []string
	logger          *slog.Logger

	mu        sync.Mutex
	instances map[string]Backend
}

// NewFactory wires a factory to its registry and the configured provider
// ordering. fallbacks is the ordered chain tried after the primary.
func NewFactory(registry *Registry, defaultProvider string, fallbacks []string, logger *slog.Logger) *Factory {
	return &Factory{
		registry:        registry,
		defaultProvider: defaultProvider,
		fallbacks:       fallbacks,
		logger:          logger,
		instances:       make(map[string]Backend),
	}
}

// Create resolves name (empty means the configured default) to a cached
// instance, constructing and caching on first use. Construction failure is a
// fatal error naming the provider.
func (f *Factory) Create(name string) (Backend, error) {
	if name == "" {
		name = f.defaultProvider
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createLocked(name)
}

func (f *Factory) createLocked(name string) (Backend, error) {
	if instance, ok := f.instances[name]; ok {
		return instance, nil
	}

	construct, err := f.registry.Get(name)
	if err != nil {
		return nil, err
	}

	instance, err := construct()
	if err != nil {
		return nil, apperror.ExecutionFailed(
			fmt.Sprintf("failed to initialize executor %q: %v", name, err))
	}

	f.instances[name] = instance
	f.logger.Info("executor initialized",
		slog.String("provider", name),
		slog.String("name", instance.Name()),
	)
	return instance, nil
}

// GetHealthy returns the first backend in the configured ordering that both
// constructs and reports healthy: the primary first, then each fallback,
// skipping the primary (already tried) and unregistered names. Exhausting the
// chain is an infrastructure error enumerating every provider attempted and
// every provider registered. The registry is never modified; the instance
// cache may gain entries.
//
// The factory lock is held only while resolving instances. Health checks are
// blocking I/O (daemon pings, subprocess probes) and run unlocked so one
// slow probe never stalls unrelated requests.
func (f *Factory) GetHealthy(ctx context.Context) (Backend, error) {
	primary := f.defaultProvider
	attempted := []string{primary}

	if instance, err := f.Create(primary); err != nil {
		f.logger.Warn("primary executor unavailable",
			slog.String("provider", primary), slog.String("error", err.Error()))
	} else if instance.HealthCheck(ctx) {
		return instance, nil
	} else {
		f.logger.Warn("primary executor health check failed", slog.String("provider", primary))
	}

	for _, provider := range f.fallbacks {
		if provider == primary {
			continue
		}
		attempted = append(attempted, provider)

		if !f.registry.Has(provider) {
			f.logger.Warn("fallback provider not registered, skipping",
				slog.String("provider", provider))
			continue
		}

		instance, err := f.Create(provider)
		if err != nil {
			f.logger.Warn("fallback executor unavailable",
				slog.String("provider", provider), slog.String("error", err.Error()))
			continue
		}
		if instance.HealthCheck(ctx) {
			f.logger.Info("using fallback executor", slog.String("provider", provider))
			return instance, nil
		}
		f.logger.Warn("fallback executor health check failed", slog.String("provider", provider))
	}

	return nil, apperror.NoHealthyBackend(attempted, f.registry.List())
}

// CleanupAll invokes Cleanup on every cached instance, best-effort, then
// clears the cache. Idempotent: an empty cache is a no-op.
func (f *Factory) CleanupAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for provider, instance := range f.instances {
		f.logger.Info("cleaning up executor", slog.String("provider", provider))
		if err := instance.Cleanup(); err != nil {
			f.logger.Warn("executor cleanup failed",
				slog.String("provider", provider), slog.String("error", err.Error()))
		}
	}
	f.instances = make(map[string]Backend)
}

// ActiveProviders lists providers that currently have a live instance.
func (f *Factory) ActiveProviders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, 0, len(f.instances))
	for name := range f.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AvailableProviders lists every registered provider, instantiated or not.
func (f *Factory) AvailableProviders() []string {
	return f.registry.List()
}

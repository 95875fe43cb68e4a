package executor

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/binhtrongg/python-sandbox/internal/apperror"
)

// Registry maps provider names to backend constructors. It is populated once
// at process start and effectively read-only afterwards (tests aside), so a
// new backend never requires a change to selection logic.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	logger       *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		logger:       logger,
	}
}

// Register adds a constructor under a provider name. Overwriting an existing
// name is allowed but observable in the log.
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.constructors[name]; exists {
		r.logger.Warn("overwriting executor provider", slog.String("provider", name))
	}
	r.constructors[name] = c
	r.logger.Info("registered executor provider", slog.String("provider", name))
}

// Get returns the constructor for a provider, or a NotFound-style error
// listing every currently known name.
func (r *Registry) Get(name string) (Constructor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.constructors[name]
	if !ok {
		available := strings.Join(r.listLocked(), ", ")
		if available == "" {
			available = "none"
		}
		return nil, apperror.ExecutionFailed(
			fmt.Sprintf("unknown executor provider %q. Available providers: %s", name, available))
	}
	return c, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []string {
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a provider name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[name]
	return ok
}

// Clear removes every registration. Test teardown only.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors = make(map[string]Constructor)
}

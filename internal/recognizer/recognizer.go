// Package recognizer defines the capability every matcher kind implements and
// the kind-to-factory registry tasks build their matcher from.
package recognizer

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"sync"

	"github.com/andresmejia3/spotter/internal/candidate"
	"github.com/andresmejia3/spotter/internal/geom"
	"github.com/andresmejia3/spotter/internal/params"
)

var (
	// ErrUnknownKind is returned when no factory is registered for a kind.
	ErrUnknownKind = errors.New("no recognizer registered for kind")
	// ErrNotInitialized is returned by Predict before a successful Initialize.
	ErrNotInitialized = errors.New("recognizer not initialized")
)

// Recognizer is one matcher instance bound to a single task.
//
// Predict is called from a pool worker; the engine guarantees at most one call
// per instance at a time and never calls it after Release.
type Recognizer interface {
	// Initialize prepares the matcher from the task's configuration payload.
	Initialize(cfg params.Configuration) error
	// Predict searches frame within roi. Candidate.ClassID is the index of the
	// element that produced the hit.
	Predict(frame image.Image, roi geom.Rect) ([]candidate.Candidate, error)
	// Release frees held resources. Calling it twice is harmless.
	Release() error
}

// Factory builds an uninitialized recognizer for taskID.
type Factory func(taskID string, logger *slog.Logger) Recognizer

// Registry maps kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[params.Kind]Factory
	logger    *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: make(map[params.Kind]Factory),
		logger:    logger.With("component", "recognizer_registry"),
	}
}

// DefaultRegistry returns a registry with the built-in kinds.
func DefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(params.KindTemplate, NewTemplate)
	r.Register(params.KindColor, NewColor)
	r.Register(params.KindExternal, NewExternal)
	return r
}

// Register installs or replaces the factory for kind.
func (r *Registry) Register(kind params.Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// New builds an uninitialized recognizer of the given kind.
func (r *Registry) New(kind params.Kind, taskID string) (Recognizer, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return f(taskID, r.logger.With("task_id", taskID, "kind", string(kind))), nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []params.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]params.Kind, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

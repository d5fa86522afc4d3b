package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Loader is the per-kind adapter between the engine and the remote platform.
// Implementations own all remote mutation and all kind-specific knowledge:
// wire format, natural identifier, and which server-populated fields to
// ignore when comparing states.
//
// Loaders must be safe for concurrent use; the reconciler issues calls for
// independent artifacts of the same kind from a bounded worker pool.
type Loader interface {
	// Kind returns the resource kind this loader serves.
	Kind() Kind

	// Retrieve fetches remote state for the given identifiers in one
	// batched call. The returned map has an entry for every requested
	// identifier; absent resources carry Present == false.
	Retrieve(ctx context.Context, identifiers []string) (map[string]RemoteState, error)

	// ListScope returns all remote resources of this kind inside the given
	// logical scope. Used only by the orphan-delete pass; resources outside
	// the scope must not be returned.
	ListScope(ctx context.Context, scope string) (map[string]RemoteState, error)

	// Create creates the resource described by the artifact.
	Create(ctx context.Context, artifact *BuildArtifact) error

	// Update replaces the remote resource with the artifact's content.
	// Implementations should pass remote.Version through for optimistic
	// concurrency and return a conflict-classified error on version
	// mismatch.
	Update(ctx context.Context, artifact *BuildArtifact, remote *RemoteState) error

	// Delete removes the resource with the given identifier.
	Delete(ctx context.Context, identifier string) error

	// Equal reports whether desired and remote content are semantically
	// equal, after normalizing server-populated defaults.
	Equal(desired, remote map[string]interface{}) bool
}

// Normalizer strips or rewrites server-populated fields from remote content
// before comparison. Each Loader supplies its own; the engine only calls the
// Equal contract.
type Normalizer func(content map[string]interface{}) map[string]interface{}

// Registry is the static Loader registration table. Loaders are registered
// explicitly at startup, one per kind; there is no runtime discovery.
type Registry struct {
	mu      sync.RWMutex
	loaders map[Kind]Loader
}

// NewRegistry creates an empty loader registry.
func NewRegistry() *Registry {
	return &Registry{loaders: make(map[Kind]Loader)}
}

// Register adds a loader for its kind. Registering an unknown kind or the
// same kind twice is an error.
func (r *Registry) Register(l Loader) error {
	k := l.Kind()
	if err := k.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.loaders[k]; exists {
		return NewPermanentError(fmt.Sprintf("loader already registered for kind %s", k), nil).
			WithCode(ErrCodeDuplicateResource)
	}
	r.loaders[k] = l
	return nil
}

// Get returns the loader for a kind.
func (r *Registry) Get(k Kind) (Loader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.loaders[k]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("no loader registered for kind %s", k), nil).
			WithCode(ErrCodeUnknownKind)
	}
	return l, nil
}

// Kinds returns the registered kinds in precedence order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.loaders))
	for k := range r.loaders {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := StratumOf(out[i]), StratumOf(out[j])
		if si != sj {
			return si < sj
		}
		return out[i] < out[j]
	})
	return out
}

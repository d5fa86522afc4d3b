// Package loaders provides the Loader implementations registered with the
// engine. The local platform keeps remote state in memory with optional
// JSON persistence; it backs dev mode and the test suites, and exercises
// the full Loader contract including versioned updates and scope-bounded
// listing.
package loaders

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/go-cmp/cmp"

	"github.com/strata-deploy/strata/pkg/engine"
)

// stateFileName is the local platform's persistence file.
const stateFileName = "state.json"

// record is one stored resource.
type record struct {
	Content map[string]interface{} `json:"content"`
	Version int                    `json:"version"`
	Scope   string                 `json:"scope"`
}

// Platform is an in-memory remote platform shared by per-kind loaders. Safe
// for concurrent use.
type Platform struct {
	mu        sync.RWMutex
	resources map[engine.Kind]map[string]*record
	dir       string
}

// NewPlatform creates an empty in-memory platform.
func NewPlatform() *Platform {
	return &Platform{resources: make(map[engine.Kind]map[string]*record)}
}

// OpenPlatform creates a platform persisted under dir, loading existing
// state if present.
func OpenPlatform(dir string) (*Platform, error) {
	p := NewPlatform()
	p.dir = dir

	data, err := os.ReadFile(filepath.Join(dir, stateFileName))
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, engine.NewTransientError("failed to read platform state", err).
			WithCode(engine.ErrCodeLoaderFailed)
	}
	if err := json.Unmarshal(data, &p.resources); err != nil {
		return nil, engine.NewPermanentError("corrupt platform state in "+dir, err).
			WithCode(engine.ErrCodeLoaderFailed)
	}
	return p, nil
}

// persist writes the state file. Caller holds the lock.
func (p *Platform) persist() error {
	if p.dir == "" {
		return nil
	}
	data, err := json.MarshalIndent(p.resources, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p.dir, stateFileName), data, 0644)
}

// Loader returns the platform's loader for one kind, bound to the given
// deployment scope. normalize strips server-populated fields before
// comparison; nil uses DefaultNormalizer.
func (p *Platform) Loader(kind engine.Kind, scope string, normalize engine.Normalizer) engine.Loader {
	if normalize == nil {
		normalize = DefaultNormalizer
	}
	return &platformLoader{platform: p, kind: kind, scope: scope, normalize: normalize}
}

// platformLoader adapts one kind of the shared platform to the Loader
// contract.
type platformLoader struct {
	platform  *Platform
	kind      engine.Kind
	scope     string
	normalize engine.Normalizer
}

func (l *platformLoader) Kind() engine.Kind { return l.kind }

func (l *platformLoader) Retrieve(ctx context.Context, identifiers []string) (map[string]engine.RemoteState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.platform.mu.RLock()
	defer l.platform.mu.RUnlock()

	out := make(map[string]engine.RemoteState, len(identifiers))
	kindState := l.platform.resources[l.kind]
	for _, id := range identifiers {
		rec, ok := kindState[id]
		if !ok {
			out[id] = engine.RemoteState{Kind: l.kind, Identifier: id, Present: false}
			continue
		}
		out[id] = engine.RemoteState{
			Kind:       l.kind,
			Identifier: id,
			Present:    true,
			Content:    rec.Content,
			Version:    strconv.Itoa(rec.Version),
		}
	}
	return out, nil
}

func (l *platformLoader) ListScope(ctx context.Context, scope string) (map[string]engine.RemoteState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.platform.mu.RLock()
	defer l.platform.mu.RUnlock()

	out := make(map[string]engine.RemoteState)
	for id, rec := range l.platform.resources[l.kind] {
		if rec.Scope != scope {
			continue
		}
		out[id] = engine.RemoteState{
			Kind:       l.kind,
			Identifier: id,
			Present:    true,
			Content:    rec.Content,
			Version:    strconv.Itoa(rec.Version),
		}
	}
	return out, nil
}

func (l *platformLoader) Create(ctx context.Context, artifact *engine.BuildArtifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.platform.mu.Lock()
	defer l.platform.mu.Unlock()

	if l.platform.resources[l.kind] == nil {
		l.platform.resources[l.kind] = make(map[string]*record)
	}
	if _, exists := l.platform.resources[l.kind][artifact.Identifier]; exists {
		return engine.NewConflictError(
			fmt.Sprintf("%s %q already exists", l.kind, artifact.Identifier), nil).
			WithResource(l.kind, artifact.Identifier).
			WithOperation("create")
	}
	l.platform.resources[l.kind][artifact.Identifier] = &record{
		Content: artifact.Fields,
		Version: 1,
		Scope:   l.scope,
	}
	return l.platform.persist()
}

func (l *platformLoader) Update(ctx context.Context, artifact *engine.BuildArtifact, remote *engine.RemoteState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.platform.mu.Lock()
	defer l.platform.mu.Unlock()

	rec, ok := l.platform.resources[l.kind][artifact.Identifier]
	if !ok {
		return engine.NewPermanentError(
			fmt.Sprintf("%s %q does not exist", l.kind, artifact.Identifier), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(l.kind, artifact.Identifier).
			WithOperation("update")
	}
	if remote != nil && remote.Version != strconv.Itoa(rec.Version) {
		return engine.NewConflictError(
			fmt.Sprintf("%s %q changed concurrently (version %s, expected %d)",
				l.kind, artifact.Identifier, remote.Version, rec.Version), nil).
			WithResource(l.kind, artifact.Identifier).
			WithOperation("update")
	}
	rec.Content = artifact.Fields
	rec.Version++
	rec.Scope = l.scope
	return l.platform.persist()
}

func (l *platformLoader) Delete(ctx context.Context, identifier string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.platform.mu.Lock()
	defer l.platform.mu.Unlock()

	if _, ok := l.platform.resources[l.kind][identifier]; !ok {
		return engine.NewPermanentError(
			fmt.Sprintf("%s %q does not exist", l.kind, identifier), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(l.kind, identifier).
			WithOperation("delete")
	}
	delete(l.platform.resources[l.kind], identifier)
	return l.platform.persist()
}

func (l *platformLoader) Equal(desired, remote map[string]interface{}) bool {
	return cmp.Equal(normalizeNumbers(desired), normalizeNumbers(l.normalize(remote)))
}

// DefaultNormalizer strips the server-populated fields the local platform
// and most remote APIs attach to stored resources.
func DefaultNormalizer(content map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(content))
	for k, v := range content {
		switch k {
		case "created_at", "updated_at", "etag", "revision":
			continue
		}
		out[k] = v
	}
	return out
}

// normalizeNumbers folds the numeric types produced by YAML and JSON
// decoding so a persisted artifact compares equal to its in-memory form.
func normalizeNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = normalizeNumbers(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeNumbers(e)
		}
		return out
	default:
		return v
	}
}

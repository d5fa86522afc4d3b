// Package vars implements the hierarchically scoped variable store used by
// template rendering. Values are typed cty values so whole-placeholder
// substitution can preserve native YAML types.
package vars

import (
	"errors"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/strata-deploy/strata/pkg/engine"
)

// EnvVarPrefix marks process environment variables that override globally
// scoped variables.
const EnvVarPrefix = "STRATA_VAR_"

// Variable is one scoped variable definition. ScopePath is empty for global
// variables; for module variables it is the module path segments, outermost
// first.
type Variable struct {
	ScopePath []string
	Key       string
	Value     cty.Value
}

// Store resolves variables against a scope chain. Inner scopes shadow outer
// ones; environment overrides shadow the global scope only. A store is
// immutable after construction.
type Store struct {
	scopes    map[string]map[string]cty.Value
	overrides map[string]cty.Value
}

// NewStore builds a store from variable definitions and the process
// environment (as returned by os.Environ). Entries named STRATA_VAR_<key>
// become string-valued overrides of the global scope. Later definitions of
// the same key in the same scope win.
func NewStore(variables []Variable, environ []string) *Store {
	s := &Store{
		scopes:    make(map[string]map[string]cty.Value),
		overrides: make(map[string]cty.Value),
	}

	for _, v := range variables {
		key := scopeKey(v.ScopePath)
		if s.scopes[key] == nil {
			s.scopes[key] = make(map[string]cty.Value)
		}
		s.scopes[key][v.Key] = v.Value
	}

	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, EnvVarPrefix) {
			continue
		}
		key := strings.TrimPrefix(name, EnvVarPrefix)
		if key == "" {
			continue
		}
		// Overrides are always raw strings, never parsed.
		s.overrides[key] = cty.StringVal(value)
	}

	return s
}

// Resolve looks up key against the scope chain, innermost scope first. The
// environment override layer sits between the innermost module scope and the
// file-defined global scope: module definitions still shadow it, but it wins
// over globals.
func (s *Store) Resolve(scopePath []string, key string) (cty.Value, error) {
	for i := len(scopePath); i > 0; i-- {
		if scope, ok := s.scopes[scopeKey(scopePath[:i])]; ok {
			if v, ok := scope[key]; ok {
				return v, nil
			}
		}
	}

	if v, ok := s.overrides[key]; ok {
		return v, nil
	}

	if scope, ok := s.scopes[""]; ok {
		if v, ok := scope[key]; ok {
			return v, nil
		}
	}

	return cty.NilVal, engine.NewPermanentError("unresolved variable: "+key, nil).
		WithCode(engine.ErrCodeUnresolvedVariable)
}

// Has reports whether key resolves in the given scope chain.
func (s *Store) Has(scopePath []string, key string) bool {
	_, err := s.Resolve(scopePath, key)
	return err == nil
}

// IsNotFound reports whether err is an unresolved-variable error.
func IsNotFound(err error) bool {
	var e *engine.Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == engine.ErrCodeUnresolvedVariable
}

func scopeKey(path []string) string {
	return strings.Join(path, "/")
}

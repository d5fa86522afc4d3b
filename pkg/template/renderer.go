// Package template renders manifest templates against the variable store.
//
// Rendering operates on yaml.Node trees rather than raw text so that a
// placeholder occupying a whole scalar can be replaced by a natively typed
// value (bool, number, list, object) instead of its string form. Placeholders
// embedded inside longer strings always interpolate as strings.
package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/strata-deploy/strata/pkg/engine"
	"github.com/strata-deploy/strata/pkg/vars"
)

var (
	// varPattern matches {{ ident }} placeholders; idents may be dotted.
	varPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.\-]*)\s*\}\}`)

	// envPattern matches ${NAME} environment placeholders.
	envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// Renderer substitutes variable and environment placeholders in YAML
// manifests. A renderer is stateless across calls and safe for concurrent
// use.
type Renderer struct {
	store   *vars.Store
	environ map[string]string
}

// NewRenderer creates a renderer over the given store and process
// environment (as returned by os.Environ).
func NewRenderer(store *vars.Store, environ []string) *Renderer {
	env := make(map[string]string, len(environ))
	for _, entry := range environ {
		if name, value, ok := strings.Cut(entry, "="); ok {
			env[name] = value
		}
	}
	return &Renderer{store: store, environ: env}
}

// Render substitutes every placeholder in raw and returns the rendered
// document, re-serialized with the author's key order preserved. All
// unresolved placeholders in the document are collected into one aggregate
// error naming the key, source file and line.
func (r *Renderer) Render(sourceFile string, raw []byte, scopePath []string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("invalid YAML in %s", sourceFile), err).
			WithCode(engine.ErrCodeValidation)
	}

	var errs *multierror.Error
	r.walk(&doc, sourceFile, scopePath, &errs)
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("failed to serialize rendered manifest %s", sourceFile), err).
			WithCode(engine.ErrCodeInternal)
	}
	return out, nil
}

// walk visits every scalar node in the tree and rewrites placeholders in
// place. Errors accumulate; rendering continues so one pass reports every
// unresolved placeholder in the document.
func (r *Renderer) walk(node *yaml.Node, sourceFile string, scopePath []string, errs **multierror.Error) {
	if node.Kind == yaml.ScalarNode {
		r.renderScalar(node, sourceFile, scopePath, errs)
		return
	}
	for _, child := range node.Content {
		r.walk(child, sourceFile, scopePath, errs)
	}
}

// renderScalar rewrites one scalar node. A scalar that consists of exactly
// one {{ }} placeholder takes the variable's native type; anything else
// interpolates as a string.
func (r *Renderer) renderScalar(node *yaml.Node, sourceFile string, scopePath []string, errs **multierror.Error) {
	value := node.Value
	if !strings.Contains(value, "{{") && !strings.Contains(value, "${") {
		return
	}

	if key, ok := wholePlaceholder(value); ok {
		v, err := r.store.Resolve(scopePath, key)
		if err != nil {
			*errs = multierror.Append(*errs, unresolvedErr(key, sourceFile, node.Line))
			return
		}
		g, err := vars.ToGo(v)
		if err != nil {
			*errs = multierror.Append(*errs, locate(err, sourceFile, node.Line))
			return
		}
		if err := node.Encode(g); err != nil {
			*errs = multierror.Append(*errs, locate(err, sourceFile, node.Line))
			return
		}
		node.Style = 0
		return
	}

	rendered := varPattern.ReplaceAllStringFunc(value, func(match string) string {
		key := varPattern.FindStringSubmatch(match)[1]
		v, err := r.store.Resolve(scopePath, key)
		if err != nil {
			*errs = multierror.Append(*errs, unresolvedErr(key, sourceFile, node.Line))
			return match
		}
		s, err := vars.String(v)
		if err != nil {
			*errs = multierror.Append(*errs, locate(err, sourceFile, node.Line))
			return match
		}
		return s
	})

	rendered = envPattern.ReplaceAllStringFunc(rendered, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		v, ok := r.environ[name]
		if !ok {
			*errs = multierror.Append(*errs, unresolvedErr(name, sourceFile, node.Line))
			return match
		}
		// Environment values are always raw strings.
		return v
	})

	node.SetString(rendered)
}

// wholePlaceholder reports whether s is exactly one {{ ident }} placeholder
// and returns the ident.
func wholePlaceholder(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	m := varPattern.FindStringSubmatch(trimmed)
	if m == nil || m[0] != trimmed {
		return "", false
	}
	return m[1], true
}

func unresolvedErr(key, sourceFile string, line int) error {
	return engine.NewPermanentError(
		fmt.Sprintf("unresolved placeholder %q at %s:%d", key, sourceFile, line), nil).
		WithCode(engine.ErrCodeUnresolvedVariable)
}

func locate(err error, sourceFile string, line int) error {
	return engine.NewPermanentError(
		fmt.Sprintf("render failed at %s:%d", sourceFile, line), err).
		WithCode(engine.ErrCodeValidation)
}

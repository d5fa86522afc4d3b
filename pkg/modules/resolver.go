// Package modules discovers deployable manifests in a module tree.
//
// A module is a directory; its resource manifests live in subdirectories
// named after their kind (credential/, dataset/, ...). Any other
// subdirectory is a nested module. Each module introduces a variable scope
// overlaying its parent's, rooted at the global scope.
package modules

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/strata-deploy/strata/pkg/engine"
)

// numericPrefix matches a leading order prefix like "10-" or "020_".
var numericPrefix = regexp.MustCompile(`^(\d+)[-_]`)

// variableFileNames are the recognized module-local variable file names.
var variableFileNames = []string{"variables.yaml", "variables.yml"}

// VariableFile is a discovered module-local variable file and the scope its
// definitions belong to.
type VariableFile struct {
	Path      string
	ScopePath []string
}

// Tree is the result of resolving a module tree: every selected manifest in
// deterministic base order, plus the variable files feeding the store.
type Tree struct {
	// Root is the module tree root directory.
	Root string

	// Modules lists the selected module paths (slash-separated, relative to
	// Root) in traversal order. The root module is "".
	Modules []string

	// Manifests holds every selected manifest with its scope chain and base
	// order assigned.
	Manifests []engine.RawManifest

	// VariableFiles lists module-local variable files for selected modules,
	// outermost first.
	VariableFiles []VariableFile
}

// Resolver walks a module tree and produces raw manifests.
type Resolver struct {
	logger zerolog.Logger
}

// NewResolver creates a resolver.
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{logger: logger.With().Str("component", "resolver").Logger()}
}

// Resolve walks the tree rooted at root. selection restricts the result to
// modules matched by name or path prefix; an empty selection keeps
// everything. Traversal order is deterministic: directories sorted by name,
// kinds in precedence order, files by numeric prefix then name.
func (r *Resolver) Resolve(root string, selection []string) (*Tree, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, engine.NewPermanentError("module tree root not readable: "+root, err).
			WithCode(engine.ErrCodeNotFound)
	}
	if !info.IsDir() {
		return nil, engine.NewPermanentError("module tree root is not a directory: "+root, nil).
			WithCode(engine.ErrCodeValidation)
	}

	tree := &Tree{Root: root}
	baseOrder := 0
	if err := r.walkModule(root, nil, selection, tree, &baseOrder); err != nil {
		return nil, err
	}

	r.logger.Debug().
		Int("modules", len(tree.Modules)).
		Int("manifests", len(tree.Manifests)).
		Msg("module tree resolved")
	return tree, nil
}

// walkModule processes one module directory and recurses into nested
// modules. scopePath is the module's path segments relative to the root.
func (r *Resolver) walkModule(dir string, scopePath []string, selection []string, tree *Tree, baseOrder *int) error {
	modulePath := strings.Join(scopePath, "/")
	included := selected(modulePath, selection)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return engine.NewPermanentError("failed to read module directory: "+dir, err).
			WithCode(engine.ErrCodeInternal)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	// Variable files load regardless of selection: an excluded ancestor's
	// scope still feeds its selected descendants.
	for _, name := range variableFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			tree.VariableFiles = append(tree.VariableFiles, VariableFile{
				Path:      path,
				ScopePath: append([]string(nil), scopePath...),
			})
			break
		}
	}

	if included {
		tree.Modules = append(tree.Modules, modulePath)

		// Kind directories in precedence order, independent of lexical order.
		for _, kind := range engine.Kinds() {
			kindDir := filepath.Join(dir, string(kind))
			if info, err := os.Stat(kindDir); err != nil || !info.IsDir() {
				continue
			}
			if err := r.collectManifests(kindDir, kind, modulePath, scopePath, tree, baseOrder); err != nil {
				return err
			}
		}
	}

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "" || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if engine.KnownKind(engine.Kind(entry.Name())) {
			continue
		}
		childScope := append(append([]string(nil), scopePath...), entry.Name())
		if err := r.walkModule(filepath.Join(dir, entry.Name()), childScope, selection, tree, baseOrder); err != nil {
			return err
		}
	}

	return nil
}

// collectManifests gathers the manifest files of one kind directory in base
// order.
func (r *Resolver) collectManifests(kindDir string, kind engine.Kind, modulePath string, scopePath []string, tree *Tree, baseOrder *int) error {
	entries, err := os.ReadDir(kindDir)
	if err != nil {
		return engine.NewPermanentError("failed to read kind directory: "+kindDir, err).
			WithCode(engine.ErrCodeInternal)
	}

	type manifestFile struct {
		name string
		hint int
	}
	var files []manifestFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		files = append(files, manifestFile{name: name, hint: orderHint(name)})
	}

	// Prefixed files ascending by prefix, unprefixed after, names break ties.
	sort.Slice(files, func(i, j int) bool {
		hi, hj := files[i].hint, files[j].hint
		switch {
		case hi >= 0 && hj < 0:
			return true
		case hi < 0 && hj >= 0:
			return false
		case hi != hj:
			return hi < hj
		}
		return files[i].name < files[j].name
	})

	for _, f := range files {
		path := filepath.Join(kindDir, f.name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return engine.NewPermanentError("failed to read manifest: "+path, err).
				WithCode(engine.ErrCodeInternal)
		}
		tree.Manifests = append(tree.Manifests, engine.RawManifest{
			Kind:       kind,
			Module:     modulePath,
			SourceFile: path,
			Raw:        raw,
			OrderHint:  f.hint,
			ScopePath:  append([]string(nil), scopePath...),
			BaseOrder:  *baseOrder,
		})
		*baseOrder++
	}
	return nil
}

// orderHint extracts the numeric filename prefix, or -1 when absent.
func orderHint(name string) int {
	m := numericPrefix.FindStringSubmatch(name)
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

// selected reports whether a module path matches the selection. Selectors
// match the module's name (last path segment), its exact path, or a path
// prefix covering the module's subtree. The root module matches only an
// empty selection.
func selected(modulePath string, selection []string) bool {
	if len(selection) == 0 {
		return true
	}
	name := modulePath
	if i := strings.LastIndex(modulePath, "/"); i >= 0 {
		name = modulePath[i+1:]
	}
	for _, sel := range selection {
		sel = strings.Trim(sel, "/")
		if sel == "" {
			continue
		}
		if sel == modulePath || sel == name {
			return true
		}
		if strings.HasPrefix(modulePath, sel+"/") {
			return true
		}
	}
	return false
}

// Describe renders a short human-readable summary of the tree for logs.
func (t *Tree) Describe() string {
	return fmt.Sprintf("%d modules, %d manifests", len(t.Modules), len(t.Manifests))
}

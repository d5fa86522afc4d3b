package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// builtinProjectSchema validates the project descriptor's structure.
const builtinProjectSchema = `
#Project: {
	name:                 string & =~"^[a-z0-9][a-z0-9-]*$"
	modules_dir?:         string
	output_dir?:          string
	default_environment?: string
	environments?:        [...string]
}
`

// builtinEnvironmentSchema validates an environment descriptor's structure.
const builtinEnvironmentSchema = `
#Environment: {
	name?:            string & =~"^[a-z0-9][a-z0-9-]*$"
	scope?:           string
	modules?:         [...string]
	variables?:       {[string]: _}
	computed_script?: string
	max_parallel?:    int & >=1 & <=64
}
`

// schemaDefinitions maps schema names to their CUE definition paths.
var schemaDefinitions = map[string]struct {
	source string
	def    string
}{
	"project":     {builtinProjectSchema, "#Project"},
	"environment": {builtinEnvironmentSchema, "#Environment"},
}

// SchemaRegistry compiles and caches the CUE schemas used for descriptor
// validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas compiled.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	for name, schema := range schemaDefinitions {
		compiled := sr.ctx.CompileString(schema.source)
		if err := compiled.Err(); err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
		}
		def := compiled.LookupPath(cue.ParsePath(schema.def))
		if err := def.Err(); err != nil {
			return nil, fmt.Errorf("schema %s has no definition %s: %w", name, schema.def, err)
		}
		sr.schemas[name] = def
	}
	return sr, nil
}

// Validate unifies data (a decoded YAML document) with the named schema and
// reports any structural violation.
func (sr *SchemaRegistry) Validate(schemaName string, data interface{}) error {
	sr.mu.RLock()
	schema, ok := sr.schemas[schemaName]
	sr.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	value := sr.ctx.Encode(data)
	if err := value.Err(); err != nil {
		return fmt.Errorf("failed to encode data for schema %s: %w", schemaName, err)
	}

	unified := schema.Unify(value)
	if err := unified.Err(); err != nil {
		return fmt.Errorf("schema %s: %w", schemaName, err)
	}
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return fmt.Errorf("schema %s: %w", schemaName, err)
	}
	return nil
}

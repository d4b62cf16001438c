package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds named CUE definitions used to validate scenes.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	builtins := sr.ctx.CompileString(builtinSchemas, cue.Filename("builtin.cue"))
	if err := builtins.Err(); err != nil {
		panic(fmt.Sprintf("builtin schemas do not compile: %v", err))
	}
	sr.schemas["resource"] = builtins.LookupPath(cue.ParsePath("#Resource"))
	sr.schemas["scene"] = builtins.LookupPath(cue.ParsePath("#Scene"))

	return sr
}

// RegisterSchema compiles schema and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	defVal := val.LookupPath(cue.ParsePath(def))
	if !defVal.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, def)
	}

	sr.schemas[name] = defVal
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema and checks the result is concrete.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates a Go value against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

// ValidateScene validates a decoded scene against the scene schema.
func (sr *SchemaRegistry) ValidateScene(ctx context.Context, scene *Scene) error {
	return sr.ValidateAgainstSchema(ctx, "scene", scene)
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinSchemas = `
#Resource: {
	key:          string & =~"^[a-zA-Z0-9_.-]+$"
	name:         string & !=""
	description?: string
	type:         "os" | "db" | "app" | "profiler"
	form?:        "single" | "composite"
	level:        *0 | int & >=0
	sequence:     *0 | int & >=0
	parent?:      string
	labels?: {[string]: string}
	attributes?: {[string]: string}
}

#Scene: {
	name:         string & !=""
	description?: string
	resources: [...#Resource] & [_, ...]
}
`

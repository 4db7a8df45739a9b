// Package schemavalidation validates chunk metadata and session manifests
// against JSON schemas.
package schemavalidation

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/*.json
var builtin embed.FS

// Built-in schema names.
const (
	ChunkMetadataSchema = "chunk-metadata-v1.schema.json"
	ManifestSchema      = "manifest-v1.schema.json"
)

var ErrInvalid = errors.New("schemavalidation: instance does not match schema")

// Validator validates decoded JSON instances against one compiled schema.
type Validator struct {
	name   string
	schema *jsonschema.Schema
}

// Builtin compiles one of the embedded schemas.
func Builtin(name string) (*Validator, error) {
	data, err := builtin.ReadFile("schema/" + name)
	if err != nil {
		return nil, fmt.Errorf("builtin schema %q: %w", name, err)
	}
	return Compile(name, data)
}

// Load compiles the schema file at path.
func Load(path string) (*Validator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Compile(filepath.Base(path), data)
}

// Compile compiles schema data registered under name.
func Compile(name string, data []byte) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{name: name, schema: schema}, nil
}

// Name returns the schema name.
func (v *Validator) Name() string { return v.name }

// Validate checks a decoded JSON value (map[string]any, []any, ...).
func (v *Validator) Validate(instance any) error {
	if err := v.schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// ValidateJSON decodes data and validates it.
func (v *Validator) ValidateJSON(data []byte) error {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return v.Validate(instance)
}

// ValidateStrings validates a string map such as chunk metadata.
// A nil map is validated as an empty object.
func (v *Validator) ValidateStrings(m map[string]string) error {
	obj := make(map[string]any, len(m))
	for k, val := range m {
		obj[k] = val
	}
	return v.Validate(obj)
}

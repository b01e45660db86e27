// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

// Package schema resolves and validates plugin configuration.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// Transform resolves a raw configuration value (typically a
// map[string]any parsed from YAML) into the value handed to a plugin body.
type Transform struct {
	skip bool
	fn   func(raw any) (any, error)
}

// None skips config resolution entirely: the body receives nil.
var None = &Transform{skip: true}

// Func wraps an arbitrary resolution function.
func Func(fn func(raw any) (any, error)) *Transform {
	return &Transform{fn: fn}
}

// Resolve applies the transform. A nil Transform passes raw through.
func (t *Transform) Resolve(raw any) (any, error) {
	if t == nil {
		return raw, nil
	}
	if t.skip {
		return nil, nil
	}
	return t.fn(raw)
}

// ForStruct builds a Transform that validates the raw config against a
// JSON Schema reflected from T, then decodes it into a *T.
func ForStruct[T any]() *Transform {
	var compiled *jschema.Schema
	var compileErr error

	compile := func() (*jschema.Schema, error) {
		if compiled != nil || compileErr != nil {
			return compiled, compileErr
		}
		data, err := Generate(new(T), "", "", "")
		if err != nil {
			compileErr = err
			return nil, err
		}
		compiled, compileErr = Compile(data)
		return compiled, compileErr
	}

	return Func(func(raw any) (any, error) {
		sch, err := compile()
		if err != nil {
			return nil, fmt.Errorf("compile config schema: %w", err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
		if err := sch.Validate(ConvertToJSONTypes(raw)); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
		out := new(T)
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:  out,
			TagName: "json",
		})
		if err != nil {
			return nil, fmt.Errorf("build config decoder: %w", err)
		}
		if err := dec.Decode(raw); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		return out, nil
	})
}

// Generate reflects a JSON Schema from v. Metadata fields are applied when
// non-empty.
func Generate(v any, id, title, description string) ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	sch := r.Reflect(v)
	if id != "" {
		sch.ID = jsonschema.ID(id)
	}
	if title != "" {
		sch.Title = title
	}
	if description != "" {
		sch.Description = description
	}

	data, err := json.MarshalIndent(sch, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// GenerateWithDefinitions reflects a JSON Schema keeping $defs references
// instead of inlining. Required for recursive types, which cannot be
// inlined.
func GenerateWithDefinitions(v any, id, title, description string) ([]byte, error) {
	r := jsonschema.Reflector{}
	sch := r.Reflect(v)
	if id != "" {
		sch.ID = jsonschema.ID(id)
	}
	if title != "" {
		sch.Title = title
	}
	if description != "" {
		sch.Description = description
	}
	data, err := json.MarshalIndent(sch, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// Compile compiles schema JSON into a validator.
func Compile(schemaJSON []byte) (*jschema.Schema, error) {
	doc, err := jschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema JSON: %w", err)
	}

	c := jschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return sch, nil
}

// ConvertToJSONTypes converts YAML-parsed data to JSON-compatible types.
// YAML uses map[string]any which is compatible, but nested structures need
// recursive handling.
func ConvertToJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, v := range val {
			result[k] = ConvertToJSONTypes(v)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, v := range val {
			result[i] = ConvertToJSONTypes(v)
		}
		return result
	case string, int, int64, float64, bool, nil:
		return val
	default:
		// For other types, try to convert via JSON round-trip.
		if b, err := json.Marshal(val); err == nil {
			var result any
			if err := json.Unmarshal(b, &result); err == nil {
				return result
			}
		}
		return val
	}
}

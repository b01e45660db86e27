// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Loom Contributors

// Package group manages ordered collections of plugin configurations with
// cascading enablement, built on top of the kernel's scopes and contexts.
// It is also the sole mutation surface handed to an external loader.
package group

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/loomkit/loom/schema"
)

// Entry is one child plugin configuration inside a group. An entry with a
// Group sequence is itself a nested group; otherwise Name must resolve
// through the manager's catalog.
type Entry struct {
	ID       string         `yaml:"id,omitempty" json:"id,omitempty"`
	Name     string         `yaml:"name" json:"name"`
	Config   map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	Disabled bool           `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Version  string         `yaml:"version,omitempty" json:"version,omitempty"`
	Group    []*Entry       `yaml:"group,omitempty" json:"group,omitempty"`
}

// GroupName is the reserved name for group entries.
const GroupName = "group"

// maxNameLength is the maximum allowed length for entry names.
const maxNameLength = 64

// namePattern validates entry names: must start with a lowercase letter,
// followed by lowercase letters, digits, or hyphens. Cannot end with a
// hyphen.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// IsGroup reports whether the entry is a nested group.
func (e *Entry) IsGroup() bool {
	return e.Group != nil || e.Name == GroupName
}

// Validate checks descriptor constraints recursively. IDs are not
// required; missing ids are assigned at Create time.
func (e *Entry) Validate() error {
	name := e.Name
	if name == "" && e.IsGroup() {
		name = GroupName
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", e.Name)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxNameLength, len(name))
	}
	if e.Version != "" {
		if _, err := semver.NewConstraint(e.Version); err != nil {
			return fmt.Errorf("entry %q: invalid version constraint %q: %w", name, e.Version, err)
		}
	}
	for _, child := range e.Group {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// clone returns a deep copy so callers cannot mutate managed state.
func (e *Entry) clone() *Entry {
	out := &Entry{
		ID:       e.ID,
		Name:     e.Name,
		Disabled: e.Disabled,
		Version:  e.Version,
	}
	if e.Config != nil {
		out.Config = make(map[string]any, len(e.Config))
		for k, v := range e.Config {
			out.Config[k] = v
		}
	}
	for _, child := range e.Group {
		out.Group = append(out.Group, child.clone())
	}
	return out
}

// Config is the on-disk shape consumed from a loader: an ordered sequence
// of root entries.
type Config struct {
	Plugins []*Entry `yaml:"plugins" json:"plugins"`
}

// ParseConfig parses and validates a descriptor document.
func ParseConfig(data []byte) (*Config, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("descriptor data is empty")
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	for _, e := range c.Plugins {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// SchemaID is the $id for generated descriptor schemas.
const SchemaID = "https://loomkit.dev/schemas/group.schema.json"

// GenerateSchema generates the JSON Schema for descriptor documents. The
// Entry type is recursive, so the schema keeps $defs references.
func GenerateSchema() ([]byte, error) {
	return schema.GenerateWithDefinitions(&Config{}, SchemaID,
		"Loom Group Descriptor",
		"Schema for plugin group descriptor files")
}

// ValidateSchema validates YAML descriptor data against the generated
// JSON Schema.
func ValidateSchema(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("descriptor data is empty")
	}
	var yamlData any
	if err := yaml.Unmarshal(data, &yamlData); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}

	schemaJSON, err := GenerateSchema()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}
	sch, err := schema.Compile(schemaJSON)
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}
	if err := sch.Validate(schema.ConvertToJSONTypes(yamlData)); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

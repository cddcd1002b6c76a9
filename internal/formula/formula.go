// Package formula compiles declarative TOML formulas into molecule beads.
package formula

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Variable declares a formula input: its default and whether it must be
// supplied by the caller.
type Variable struct {
	Description string `toml:"description"`
	Required    bool   `toml:"required"`
	Default     any    `toml:"default"`
}

// ForSpec drives a step's loop expansion.
type ForSpec struct {
	Items string `toml:"items"` // JSON array or comma-separated string, templated
	As    string `toml:"as"`    // loop variable name bound per iteration
}

// Step is one node of a formula's step graph.
type Step struct {
	ID           string              `toml:"id"`
	Title        string              `toml:"title"`
	Description  string              `toml:"description"`
	Needs        []string            `toml:"needs"`
	If           string              `toml:"if"`
	For          *ForSpec            `toml:"for"`
	OnFailure    string              `toml:"on_failure"`
	OutputSchema map[string]any      `toml:"output_schema"`
	Context      map[string]string   `toml:"context"`
	Prompts      map[string]string   `toml:"prompts"`
	MCPResources map[string][]string `toml:"mcp_resources"`
}

// Formula is a named, versionless workflow template: variables plus an
// ordered list of steps.
type Formula struct {
	Name        string              `toml:"name"`
	Description string              `toml:"description"`
	Variables   map[string]Variable `toml:"variables"`
	Steps       []Step              `toml:"steps"`
}

// StepByID returns the step with the given id, or nil.
func (f *Formula) StepByID(id string) *Step {
	for i := range f.Steps {
		if f.Steps[i].ID == id {
			return &f.Steps[i]
		}
	}
	return nil
}

// Registry holds all loaded formulas and provides lookup by name.
type Registry struct {
	formulas map[string]*Formula
}

// NewRegistry builds a Registry from a slice of formulas.
func NewRegistry(formulas []Formula) *Registry {
	r := &Registry{formulas: make(map[string]*Formula, len(formulas))}
	for i := range formulas {
		f := &formulas[i]
		r.formulas[f.Name] = f
	}
	return r
}

// LoadDir loads every *.toml file in dir as a Formula.
func LoadDir(dir string) (*Registry, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return nil, fmt.Errorf("formula: globbing %s: %w", dir, err)
	}

	formulas := make([]Formula, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("formula: reading %s: %w", path, err)
		}
		var f Formula
		if _, err := toml.Decode(string(data), &f); err != nil {
			return nil, fmt.Errorf("formula: parsing %s: %w", path, err)
		}
		if f.Name == "" {
			f.Name = strippedBase(path)
		}
		formulas = append(formulas, f)
	}
	return NewRegistry(formulas), nil
}

func strippedBase(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)]
}

// Get returns a formula by name, or nil if not found.
func (r *Registry) Get(name string) *Formula {
	return r.formulas[name]
}

// Names returns all registered formula names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.formulas))
	for name := range r.formulas {
		names = append(names, name)
	}
	return names
}

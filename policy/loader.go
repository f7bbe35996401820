package policy

import (
	"bytes"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	admission "github.com/goliatone/go-admission"
)

// Definition is a policy as stored in configuration.
type Definition struct {
	Name        string         `yaml:"name,omitempty" json:"name,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	ResourceRef string         `yaml:"resource_ref" json:"resource_ref"`
	PolicyType  string         `yaml:"policy_type" json:"policy_type"`
	Parameters  map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

type document struct {
	Policies []Definition `yaml:"policies"`
}

// Load reads a YAML document with a top level `policies` list and resolves
// every entry against reg.
func Load(r io.Reader, reg *Registry) ([]Policy, error) {
	if reg == nil {
		reg = DefaultRegistry()
	}
	defs, err := DecodeDefinitions(r)
	if err != nil {
		return nil, err
	}
	return reg.ResolveAll(defs)
}

// LoadFile is Load over the file at path.
func LoadFile(path string, reg *Registry) ([]Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, admission.NewError(admission.ErrInvalidConfig, "read policy file", err, map[string]any{
			"path": path,
		})
	}
	policies, err := Load(bytes.NewReader(raw), reg)
	if err != nil {
		return nil, err
	}
	return policies, nil
}

// DecodeDefinitions parses definitions without resolving them.
func DecodeDefinitions(r io.Reader) ([]Definition, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, admission.NewError(admission.ErrInvalidConfig, "decode policy definitions", err, nil)
	}
	return doc.Policies, nil
}

package schema

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// modelFile is the YAML shape accepted by Load.
type modelFile struct {
	Models    []modelDef    `json:"models"`
	Relations []relationDef `json:"relations"`
}

type modelDef struct {
	Name        string `json:"name"`
	Table       string `json:"table,omitempty"`
	PK          string `json:"pk,omitempty"`
	AutoCreated bool   `json:"auto_created,omitempty"`
}

type relationDef struct {
	From       string `json:"from"`
	Field      string `json:"field"`
	To         string `json:"to"`
	OnDelete   string `json:"on_delete"`
	Nullable   bool   `json:"nullable,omitempty"`
	ParentLink bool   `json:"parent_link,omitempty"`
	Virtual    bool   `json:"virtual,omitempty"`
	Default    any    `json:"default,omitempty"`
	HasDefault bool   `json:"has_default,omitempty"`
}

// Load parses a YAML schema document into a validated Registry.
func Load(data []byte) (*Registry, error) {
	var file modelFile
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	reg := NewRegistry()
	for _, def := range file.Models {
		reg.AddModel(&Model{
			Name:        def.Name,
			Table:       def.Table,
			PK:          def.PK,
			AutoCreated: def.AutoCreated,
		})
	}

	for _, def := range file.Relations {
		from, ok := reg.Model(def.From)
		if !ok {
			return nil, &ConfigurationError{Relation: def.From + "." + def.Field, Reason: "unknown source model"}
		}
		to, ok := reg.Model(def.To)
		if !ok {
			return nil, &ConfigurationError{Relation: def.From + "." + def.Field, Reason: "unknown target model"}
		}
		policy, ok := ParsePolicy(def.OnDelete)
		if !ok {
			return nil, &ConfigurationError{Relation: def.From + "." + def.Field, Reason: fmt.Sprintf("unknown on_delete policy %q", def.OnDelete)}
		}
		hasDefault := def.HasDefault || def.Default != nil
		reg.AddRelation(&Relation{
			From:       from,
			Field:      def.Field,
			To:         to,
			Nullable:   def.Nullable,
			OnDelete:   policy,
			ParentLink: def.ParentLink,
			Virtual:    def.Virtual,
			Default:    def.Default,
			HasDefault: hasDefault,
		})
	}

	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// LoadFile reads and parses a YAML schema file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return Load(data)
}

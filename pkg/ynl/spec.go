// Package ynl is a small schema-driven generic netlink client.
//
// A family is described by a YAML document listing its attribute sets,
// enums and operations. Messages are exchanged as Msg maps keyed by
// attribute name, so callers never touch attribute numbers or wire layout.
package ynl

import (
	"embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/drvtest/pkg/util"
)

//go:embed specs/*.yaml
var specFS embed.FS

// Spec is a parsed family description.
type Spec struct {
	Name          string         `yaml:"name"`
	Protocol      string         `yaml:"protocol"`
	Version       uint8          `yaml:"version"`
	Definitions   []Definition   `yaml:"definitions"`
	AttributeSets []AttributeSet `yaml:"attribute-sets"`
	Operations    []Operation    `yaml:"operations"`

	sets  map[string]*AttributeSet
	enums map[string]*Definition
	ops   map[string]*Operation
}

// Definition is a named constant group. Only enums are used; entry i has value i.
type Definition struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Entries []string `yaml:"entries"`
}

type AttributeSet struct {
	Name       string      `yaml:"name"`
	Attributes []Attribute `yaml:"attributes"`

	byName map[string]*Attribute
	byType map[uint16]*Attribute
}

// Attribute describes one netlink attribute. Value defaults to one more
// than the previous attribute's, starting at 1.
type Attribute struct {
	Name             string `yaml:"name"`
	Type             string `yaml:"type"`
	Value            uint16 `yaml:"value"`
	Enum             string `yaml:"enum"`
	NestedAttributes string `yaml:"nested-attributes"`
}

type Operation struct {
	Name         string `yaml:"name"`
	Value        uint8  `yaml:"value"`
	AttributeSet string `yaml:"attribute-set"`
}

var attrTypes = map[string]bool{
	"u8": true, "u16": true, "u32": true, "u64": true,
	"string": true, "flag": true, "nest": true, "binary": true,
}

// ParseSpec parses and indexes a family description.
func ParseSpec(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing family spec: %w", err)
	}
	if err := s.index(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadSpec returns one of the built-in family descriptions.
func LoadSpec(family string) (*Spec, error) {
	data, err := specFS.ReadFile("specs/" + family + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("%w: family spec %q", util.ErrNotFound, family)
	}
	return ParseSpec(data)
}

func (s *Spec) index() error {
	vb := &util.ValidationBuilder{}
	vb.Add(s.Name != "", "name is required")

	s.enums = make(map[string]*Definition)
	for i := range s.Definitions {
		d := &s.Definitions[i]
		s.enums[d.Name] = d
	}

	s.sets = make(map[string]*AttributeSet)
	for i := range s.AttributeSets {
		set := &s.AttributeSets[i]
		set.byName = make(map[string]*Attribute)
		set.byType = make(map[uint16]*Attribute)
		var next uint16 = 1
		for j := range set.Attributes {
			a := &set.Attributes[j]
			if a.Value == 0 {
				a.Value = next
			}
			next = a.Value + 1
			if !attrTypes[a.Type] {
				vb.AddErrorf("%s.%s: unknown type %q", set.Name, a.Name, a.Type)
			}
			if _, dup := set.byType[a.Value]; dup {
				vb.AddErrorf("%s.%s: duplicate value %d", set.Name, a.Name, a.Value)
			}
			set.byName[a.Name] = a
			set.byType[a.Value] = a
		}
		s.sets[set.Name] = set
	}

	for _, set := range s.AttributeSets {
		for _, a := range set.Attributes {
			if a.Type == "nest" {
				if _, ok := s.sets[a.NestedAttributes]; !ok {
					vb.AddErrorf("%s.%s: unknown nested set %q", set.Name, a.Name, a.NestedAttributes)
				}
			}
			if a.Enum != "" {
				if _, ok := s.enums[a.Enum]; !ok {
					vb.AddErrorf("%s.%s: unknown enum %q", set.Name, a.Name, a.Enum)
				}
			}
		}
	}

	s.ops = make(map[string]*Operation)
	for i := range s.Operations {
		op := &s.Operations[i]
		if _, ok := s.sets[op.AttributeSet]; !ok {
			vb.AddErrorf("operation %s: unknown attribute set %q", op.Name, op.AttributeSet)
		}
		s.ops[op.Name] = op
	}
	return vb.Build()
}

// Op looks up an operation by name.
func (s *Spec) Op(name string) (*Operation, bool) {
	op, ok := s.ops[name]
	return op, ok
}

// Set looks up an attribute set by name.
func (s *Spec) Set(name string) (*AttributeSet, bool) {
	set, ok := s.sets[name]
	return set, ok
}

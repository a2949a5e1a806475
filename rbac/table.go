package rbac

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Rule lists the roles allowed to perform one action. A nil Resource means
// the action has no resource-scoped requirement; an empty list means no
// resource-scoped role may perform it.
type Rule struct {
	Global   []Role  `yaml:"global"`
	Resource *[]Role `yaml:"resource"`
}

// Table is a declarative policy model: resource type, then action, then rule.
//
//	resources:
//	  customer:
//	    read:
//	      global: [admin]
//	      resource: [owner, admin, other]
type Table struct {
	Resources map[string]map[Action]Rule `yaml:"resources"`
}

// LoadTable reads a YAML policy table from path.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rbac: failed to read policy table: %w", err)
	}
	return ParseTable(data)
}

// ParseTable decodes a YAML policy table. Unknown fields are rejected.
func ParseTable(data []byte) (*Table, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var t Table
	if err := dec.Decode(&t); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("rbac: failed to parse policy table: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Table) validate() error {
	for typ, actions := range t.Resources {
		if typ == "" {
			return errors.New("rbac: policy table has an empty resource type")
		}
		for action, rule := range actions {
			if action == "" {
				return fmt.Errorf("rbac: resource %q has an empty action", typ)
			}
			if slices.Contains(rule.Global, "") {
				return fmt.Errorf("rbac: %s.%s has an empty global role", typ, action)
			}
			if rule.Resource != nil && slices.Contains(*rule.Resource, "") {
				return fmt.Errorf("rbac: %s.%s has an empty resource role", typ, action)
			}
		}
	}
	return nil
}

// Object returns the resource instance id evaluated against the rules for
// id.Type. A type the table does not know supports no actions.
func (t *Table) Object(id Identifier) *Object {
	return &Object{id: id, rules: t.Resources[id.Type]}
}

// Object is a resource whose rules come from a Table.
type Object struct {
	id    Identifier
	rules map[Action]Rule
}

// The methods below accept a nil *Object, which supports no actions.

func (o *Object) Identifier() Identifier {
	if o == nil {
		return Identifier{}
	}
	return o.id
}

func (o *Object) Actions() []Action {
	if o == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(o.rules))
}

func (o *Object) AllowedGlobalRoles(action Action) RoleSet {
	if o == nil {
		return NewRoleSet()
	}
	return NewRoleSet(o.rules[action].Global...)
}

func (o *Object) AllowedResourceRoles(action Action) (RoleSet, bool) {
	if o == nil {
		return nil, false
	}
	rule, ok := o.rules[action]
	if !ok || rule.Resource == nil {
		return nil, false
	}
	return NewRoleSet(*rule.Resource...), true
}

var _ ScopedResource = (*Object)(nil)

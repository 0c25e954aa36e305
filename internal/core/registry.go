package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	definitions   = make(map[ImportType]ImportDefinition)
	definitionsMu sync.RWMutex
)

// ImportDefinition describes one importable record type: how its columns
// map to fields and which rules every field must satisfy.
type ImportDefinition struct {
	Type     ImportType
	Label    string
	KeyField string      // Field whose value identifies a record
	Fields   []FieldRule // Rule order is also the positional column order
}

// Field returns the rule for the named field.
func (d ImportDefinition) Field(name string) (FieldRule, bool) {
	for _, f := range d.Fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return FieldRule{}, false
}

// Columns returns the field names in positional order.
func (d ImportDefinition) Columns() []string {
	cols := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		cols[i] = f.Name
	}
	return cols
}

// Register adds an import definition to the registry.
// Panics if the type is already registered or the key field is unknown.
func Register(def ImportDefinition) {
	definitionsMu.Lock()
	defer definitionsMu.Unlock()

	if _, exists := definitions[def.Type]; exists {
		panic(fmt.Sprintf("import type already registered: %s", def.Type))
	}
	if def.KeyField != "" {
		if _, ok := def.Field(def.KeyField); !ok {
			panic(fmt.Sprintf("import type %s: key field %q has no rule", def.Type, def.KeyField))
		}
	}

	definitions[def.Type] = def
}

// Get returns the definition for an import type.
func Get(t ImportType) (ImportDefinition, bool) {
	definitionsMu.RLock()
	defer definitionsMu.RUnlock()

	def, ok := definitions[t]
	return def, ok
}

// All returns every registered definition sorted by type.
func All() []ImportDefinition {
	definitionsMu.RLock()
	defer definitionsMu.RUnlock()

	result := make([]ImportDefinition, 0, len(definitions))
	for _, def := range definitions {
		result = append(result, def)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

// Clear removes all registered definitions.
// Primarily useful for testing.
func Clear() {
	definitionsMu.Lock()
	defer definitionsMu.Unlock()
	definitions = make(map[ImportType]ImportDefinition)
}

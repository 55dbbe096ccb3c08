package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/armon/go-radix"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidArguments wraps schema violations reported by Validate.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// Registry is the closed set of tool definitions available to sessions.
// It is built once and never mutated.
type Registry struct {
	defs    map[string]Definition
	schemas map[string]*jsonschema.Schema
	names   []string
	// index serves prefix lookups for Suggest.
	index *radix.Tree
}

// NewRegistry compiles the argument schema of every definition. Duplicate
// or empty names and schemas that fail to compile are errors.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{
		defs:    make(map[string]Definition, len(defs)),
		schemas: make(map[string]*jsonschema.Schema, len(defs)),
	}
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			return nil, errors.New("tool definition without a name")
		}
		if _, exists := r.defs[def.Name]; exists {
			return nil, fmt.Errorf("tool '%s' already registered", def.Name)
		}
		schema, err := compileSchema(def)
		if err != nil {
			return nil, err
		}
		r.defs[def.Name] = def
		r.schemas[def.Name] = schema
		r.names = append(r.names, def.Name)
	}
	r.finish()
	return r, nil
}

func (r *Registry) finish() {
	sort.Strings(r.names)
	r.index = radix.New()
	for _, name := range r.names {
		r.index.Insert(name, struct{}{})
	}
}

func compileSchema(def Definition) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(def.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("tool %s: encode schema: %w", def.Name, err)
	}
	schema, err := jsonschema.CompileString(def.Name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", def.Name, err)
	}
	return schema, nil
}

// Lookup returns a definition by name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	def, ok := r.defs[name]
	return def, ok
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns all tool names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.names...)
}

// Definitions returns all definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	out := make([]Definition, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.defs[name])
	}
	return out
}

// Len returns the number of tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.names)
}

// Subset returns a registry limited to names. An empty list keeps every
// tool; an unknown name is an error.
func (r *Registry) Subset(names []string) (*Registry, error) {
	if len(names) == 0 {
		return r, nil
	}
	sub := &Registry{
		defs:    make(map[string]Definition, len(names)),
		schemas: make(map[string]*jsonschema.Schema, len(names)),
	}
	for _, name := range names {
		def, ok := r.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
		if _, dup := sub.defs[name]; dup {
			continue
		}
		sub.defs[name] = def
		sub.schemas[name] = r.schemas[name]
		sub.names = append(sub.names, name)
	}
	sub.finish()
	return sub, nil
}

// Suggest returns registered names close to an unknown one: names it is a
// prefix of, else the longest registered name that prefixes it, else names
// sharing its first word.
func (r *Registry) Suggest(name string) []string {
	if r == nil || r.index == nil || name == "" {
		return nil
	}
	var out []string
	walk := func(prefix string) {
		r.index.WalkPrefix(prefix, func(key string, _ interface{}) bool {
			out = append(out, key)
			return false
		})
	}
	walk(name)
	if len(out) == 0 {
		if key, _, ok := r.index.LongestPrefix(name); ok {
			out = append(out, key)
		}
	}
	if len(out) == 0 {
		if i := strings.IndexAny(name, "_-."); i > 0 {
			walk(name[:i+1])
		}
	}
	return out
}

// Validate checks args against the tool's schema.
func (r *Registry) Validate(name string, args map[string]any) error {
	schema, ok := r.schemas[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip so numbers and nested values have the shapes the
	// validator expects.
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// Package registry holds the closed, versioned table of api_class
// definitions: each entry's parameter schema, arity, and whether it is a
// pure-constant function eligible for constant folding. The table is built
// once at service startup from the built-in set (see builtin.go) and is
// immutable afterward, matching the "polymorphic node registry" design
// note in the spec: adding an api_class means adding a tag, a schema, and
// an arity, never runtime type introspection.
package registry

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Arity constrains how many upstream node_ids a node of a given api_class
// may declare in its inputs list.
type Arity string

const (
	// Nullary api_classes take no inputs.
	Nullary Arity = "nullary"
	// Unary api_classes take exactly one input.
	Unary Arity = "unary"
	// Nary api_classes take zero or more inputs (variadic-in-edges).
	Nary Arity = "n_ary"
)

// Matches reports whether n upstream inputs satisfy this arity.
func (a Arity) Matches(n int) bool {
	switch a {
	case Nullary:
		return n == 0
	case Unary:
		return n == 1
	case Nary:
		return true
	default:
		return false
	}
}

// ApiClassDef is one entry of the closed registry: the schema and arity
// bound to a single api_class tag.
type ApiClassDef struct {
	ApiClass    string
	Description string
	Arity       Arity
	// ParamRules are go-playground/validator field rules keyed by the
	// params map's keys, validated with Validate.ValidateMap.
	ParamRules map[string]string
	// Constant marks a pure-constant function: a nullary node whose single
	// yielded value is exactly params["value"], eligible for the
	// optimizer's constant-folding rewrite.
	Constant bool
}

// Registry is the closed api_class table. Safe for concurrent reads;
// Register is expected to run only during startup.
type Registry struct {
	mu       sync.RWMutex
	classes  map[string]ApiClassDef
	validate *validator.Validate
}

// New returns a Registry seeded with the built-in api_class set.
func New() *Registry {
	r := &Registry{
		classes:  make(map[string]ApiClassDef),
		validate: validator.New(),
	}
	for _, def := range builtins {
		_ = r.Register(def)
	}
	return r
}

// Register adds an api_class definition. Returns an error if the tag is
// already registered, keeping the table a true closed set once startup
// completes.
func (r *Registry) Register(def ApiClassDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.classes[def.ApiClass]; exists {
		return fmt.Errorf("registry: api_class %q already registered", def.ApiClass)
	}
	r.classes[def.ApiClass] = def
	return nil
}

// Lookup returns the definition for apiClass and whether it was found.
func (r *Registry) Lookup(apiClass string) (ApiClassDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.classes[apiClass]
	return def, ok
}

// ValidateParams checks params against apiClass's registered rule set.
// Unknown api_classes are reported by the caller (Lookup first); this
// only validates the shape of params for a known class.
func (r *Registry) ValidateParams(apiClass string, params map[string]any) error {
	def, ok := r.Lookup(apiClass)
	if !ok {
		return fmt.Errorf("registry: unknown api_class %q", apiClass)
	}
	if len(def.ParamRules) == 0 {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := r.validate.ValidateMap(params, rulesAsAny(def.ParamRules)); err != nil {
		return fmt.Errorf("registry: params for %q: %w", apiClass, err)
	}
	return nil
}

func rulesAsAny(rules map[string]string) map[string]any {
	out := make(map[string]any, len(rules))
	for k, v := range rules {
		out[k] = v
	}
	return out
}

// All returns every registered definition, for Process's discover()
// surface and for documentation generation.
func (r *Registry) All() []ApiClassDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ApiClassDef, 0, len(r.classes))
	for _, def := range r.classes {
		out = append(out, def)
	}
	return out
}

package expressions

import (
	"encoding/json"
	"reflect"
	"sort"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// InputsKey is the reserved first path segment naming the flow inputs.
const InputsKey = "inputs"

// Scope maps flow inputs and step ids to the values they produced.
// It enforces:
//   - Step values are frozen (deep-copied) on insert.
//   - A step of the list owning the scope records its id once. Ids merged
//     up from a branch are replaced by the next value recorded or merged
//     under the same id, so nested ids never block outer ones.
//   - Child scopes read through to their parent but write only locally.
//   - Bindings (loop variables, the on_error "error" value) are private to
//     the scope that holds them and never merge upward.
//
// A Scope is written only by the interpreter that owns it. The mutex makes
// concurrent snapshots from observers safe.
type Scope struct {
	mu       sync.RWMutex
	parent   *Scope
	inputs   map[string]any
	values   map[string]any
	owned    map[string]bool
	order    []string
	bindings map[string]any
}

// NewScope creates a root scope seeded with the flow inputs. inputs is
// deep-copied to prevent external mutation.
func NewScope(inputs map[string]any) *Scope {
	in := deepCopyMap(inputs)
	if in == nil {
		in = map[string]any{}
	}
	return &Scope{
		inputs: in,
		values: make(map[string]any),
		owned:  make(map[string]bool),
	}
}

// Child returns a private child scope that inherits read access to s.
func (s *Scope) Child() *Scope {
	return &Scope{
		parent: s,
		values: make(map[string]any),
		owned:  make(map[string]bool),
	}
}

// Set records the value produced by step id. A second Set of the same id in
// the same scope is rejected. A value merged in from a branch under the
// same id is replaced.
func (s *Scope) Set(id string, value any) error {
	if id == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.owned[id] {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step %q already recorded a value in this scope; step values are immutable", id)
	}
	s.put(id, value)
	s.owned[id] = true
	return nil
}

// put stores a frozen copy of value. s.mu must be held.
func (s *Scope) put(id string, value any) {
	if _, exists := s.values[id]; !exists {
		s.order = append(s.order, id)
	}
	s.values[id] = deepCopyAny(value)
}

// Bind sets a private name such as a loop variable. Bindings shadow step
// values and inputs of enclosing scopes.
func (s *Scope) Bind(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bindings == nil {
		s.bindings = make(map[string]any)
	}
	s.bindings[name] = deepCopyAny(value)
}

// Lookup resolves the first segment of a reference: a binding, a step id
// or "inputs", searching outward through parents.
func (s *Scope) Lookup(name string) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		if v, ok := cur.bindings[name]; ok {
			cur.mu.RUnlock()
			return v, true
		}
		if v, ok := cur.values[name]; ok {
			cur.mu.RUnlock()
			return v, true
		}
		if name == InputsKey && cur.inputs != nil {
			in := cur.inputs
			cur.mu.RUnlock()
			return in, true
		}
		cur.mu.RUnlock()
	}
	return nil, false
}

// Inputs returns the inputs of the nearest root scope.
func (s *Scope) Inputs() map[string]any {
	v, _ := s.Lookup(InputsKey)
	m, _ := v.(map[string]any)
	return m
}

// Locals returns a copy of the step values recorded directly in s.
func (s *Scope) Locals() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.values)
}

// LocalIDs returns the ids recorded directly in s, in insertion order.
func (s *Scope) LocalIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// MergeFrom copies the step values of child into s. A merged id replaces
// any value s holds under it, so references after the branch see the value
// produced last. Merged ids are not owned by s: a later step of s may still
// record the same id.
func (s *Scope) MergeFrom(child *Scope) {
	child.mu.RLock()
	ids := append([]string(nil), child.order...)
	vals := make(map[string]any, len(ids))
	for _, id := range ids {
		vals[id] = child.values[id]
	}
	child.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		s.put(id, vals[id])
		delete(s.owned, id)
	}
}

// Visible lists every name a reference may start with, sorted. Used in
// error messages.
func (s *Scope) Visible() []string {
	seen := make(map[string]struct{})
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		for k := range cur.bindings {
			seen[k] = struct{}{}
		}
		for k := range cur.values {
			seen[k] = struct{}{}
		}
		if cur.inputs != nil {
			seen[InputsKey] = struct{}{}
		}
		cur.mu.RUnlock()
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot flattens everything visible from s into one map, inner scopes
// shadowing outer ones. Inputs appear under "inputs".
func (s *Scope) Snapshot() map[string]any {
	var chain []*Scope
	for cur := s; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	out := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		cur := chain[i]
		cur.mu.RLock()
		if cur.inputs != nil {
			out[InputsKey] = deepCopyMap(cur.inputs)
		}
		for k, v := range cur.values {
			out[k] = deepCopyAny(v)
		}
		for k, v := range cur.bindings {
			out[k] = deepCopyAny(v)
		}
		cur.mu.RUnlock()
	}
	return out
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value. Typed maps and slices
// returned by tasks ([]string, map[string]int, ...) are normalised into
// map[string]any and []any so path traversal sees one shape.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		var parsed any
		if err := json.Unmarshal(val, &parsed); err != nil {
			return string(val)
		}
		return parsed
	case string, bool, int, int64, float64:
		return v
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		cp := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			cp[iter.Key().String()] = deepCopyAny(iter.Value().Interface())
		}
		return cp
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		cp := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			cp[i] = deepCopyAny(rv.Index(i).Interface())
		}
		return cp
	default:
		// Primitives (numbers of other widths, etc.) are value types.
		return v
	}
}

// Normalize returns v with typed maps and slices converted to
// map[string]any and []any.
func Normalize(v any) any {
	return deepCopyAny(v)
}

package subflow

import "github.com/rendis/stepflow/pkg/schema"

// MaxDepth bounds subflow nesting independently of cycle detection.
const MaxDepth = 32

// Stack is the immutable call lineage of one execution path. Push returns
// a new Stack and leaves the receiver untouched, so each parallel track
// carries its own lineage and leaving a subflow needs no explicit pop: the
// caller simply keeps using the Stack it had before the call.
type Stack struct {
	name   string
	parent *Stack
	depth  int
}

// NewStack starts a lineage at the top-level flow.
func NewStack(root string) *Stack {
	return &Stack{name: root, depth: 1}
}

// Push enters flow name. It fails with CircularSubflowError carrying the
// full path when name already appears in the lineage.
func (s *Stack) Push(name string) (*Stack, error) {
	if s == nil {
		return NewStack(name), nil
	}
	if s.Contains(name) {
		return nil, schema.NewCircularSubflowError(append(s.Path(), name))
	}
	if s.depth >= MaxDepth {
		return nil, schema.NewValidationError("subflow nesting exceeds %d levels: %s",
			MaxDepth, schema.FormatPath(append(s.Path(), name)))
	}
	return &Stack{name: name, parent: s, depth: s.depth + 1}, nil
}

// Contains reports whether name is anywhere in the lineage.
func (s *Stack) Contains(name string) bool {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.name == name {
			return true
		}
	}
	return false
}

// Path returns the lineage from the top-level flow to the current one.
func (s *Stack) Path() []string {
	if s == nil {
		return nil
	}
	out := make([]string, s.depth)
	i := s.depth - 1
	for cur := s; cur != nil; cur = cur.parent {
		out[i] = cur.name
		i--
	}
	return out
}

// Current is the flow at the top of the lineage.
func (s *Stack) Current() string {
	if s == nil {
		return ""
	}
	return s.name
}

// Depth is the number of flows in the lineage.
func (s *Stack) Depth() int {
	if s == nil {
		return 0
	}
	return s.depth
}

func (s *Stack) String() string {
	return schema.FormatPath(s.Path())
}

package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Quantifier combines sub-conditions.
type Quantifier string

const (
	QuantifierAny  Quantifier = "any"
	QuantifierAll  Quantifier = "all"
	QuantifierNone Quantifier = "none"
)

// Condition is either a single expression (a bare reference or a binary
// comparison) or a quantifier over sub-conditions. In the declarative form
// it is a string or an object with exactly one of any/all/none.
type Condition struct {
	Expr       string
	Quantifier Quantifier
	Of         []Condition
}

// NewCondition returns an expression condition.
func NewCondition(expr string) *Condition {
	return &Condition{Expr: expr}
}

// AnyOf is true when at least one sub-condition is true.
func AnyOf(cs ...Condition) Condition { return Condition{Quantifier: QuantifierAny, Of: cs} }

// AllOf is true when every sub-condition is true.
func AllOf(cs ...Condition) Condition { return Condition{Quantifier: QuantifierAll, Of: cs} }

// NoneOf is true when no sub-condition is true.
func NoneOf(cs ...Condition) Condition { return Condition{Quantifier: QuantifierNone, Of: cs} }

// IsQuantifier reports whether the condition combines sub-conditions.
func (c Condition) IsQuantifier() bool {
	return c.Quantifier != ""
}

func (c Condition) String() string {
	if !c.IsQuantifier() {
		return c.Expr
	}
	return fmt.Sprintf("%s(%d)", c.Quantifier, len(c.Of))
}

// encoded returns the value written in the declarative form.
func (c Condition) encoded() any {
	if !c.IsQuantifier() {
		return c.Expr
	}
	of := c.Of
	if of == nil {
		of = []Condition{}
	}
	return map[string][]Condition{string(c.Quantifier): of}
}

func (c *Condition) fromObject(obj map[string][]Condition) error {
	if len(obj) != 1 {
		return NewValidationError("condition object must have exactly one of any, all, none (got %d keys)", len(obj))
	}
	for k, v := range obj {
		q := Quantifier(k)
		switch q {
		case QuantifierAny, QuantifierAll, QuantifierNone:
		default:
			return NewValidationError("unknown condition quantifier %q; expected any, all or none", k)
		}
		c.Expr = ""
		c.Quantifier = q
		c.Of = v
		if len(c.Of) == 0 {
			c.Of = nil
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.encoded())
}

// UnmarshalJSON implements json.Unmarshaler. Scalars other than strings
// (true, 3) are kept as their literal text.
func (c *Condition) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return NewValidationError("empty condition")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Condition{Expr: s}
		return nil
	case '{':
		var obj map[string][]Condition
		if err := json.Unmarshal(data, &obj); err != nil {
			return NewValidationError("invalid condition object: %v", err).WithCause(err)
		}
		return c.fromObject(obj)
	case '[':
		return NewValidationError("condition must be a string or an any/all/none object, got an array")
	default:
		*c = Condition{Expr: string(data)}
		return nil
	}
}

// MarshalYAML implements yaml.Marshaler.
func (c Condition) MarshalYAML() (any, error) {
	return c.encoded(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*c = Condition{Expr: node.Value}
		return nil
	case yaml.MappingNode:
		var obj map[string][]Condition
		if err := node.Decode(&obj); err != nil {
			return NewValidationError("invalid condition object at line %d: %v", node.Line, err).WithCause(err)
		}
		return c.fromObject(obj)
	default:
		return NewValidationError("condition at line %d must be a string or an any/all/none object", node.Line)
	}
}

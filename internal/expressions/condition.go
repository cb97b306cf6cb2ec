package expressions

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// comparison operators, two-character forms first so "<=" is not read as "<".
var operators = []string{"==", "!=", "<=", ">=", "<", ">"}

// EvalCondition evaluates a condition against scope. Expressions are either
// a bare operand (truthy test) or a binary comparison; quantifiers combine
// sub-conditions with any/all/none semantics.
func EvalCondition(c schema.Condition, scope *Scope) (bool, error) {
	if !c.IsQuantifier() {
		return evalExpr(c.Expr, scope)
	}

	switch c.Quantifier {
	case schema.QuantifierAny:
		for _, sub := range c.Of {
			ok, err := EvalCondition(sub, scope)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case schema.QuantifierAll:
		for _, sub := range c.Of {
			ok, err := EvalCondition(sub, scope)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case schema.QuantifierNone:
		for _, sub := range c.Of {
			ok, err := EvalCondition(sub, scope)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, schema.NewValidationError("unknown condition quantifier %q", c.Quantifier)
	}
}

func evalExpr(expr string, scope *Scope) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, schema.NewValidationError("empty condition expression")
	}

	lhs, op, rhs, found := splitComparison(expr)
	if !found {
		v, err := operand(expr, scope)
		if err != nil {
			return false, err
		}
		return Truthy(v), nil
	}

	left, err := operand(lhs, scope)
	if err != nil {
		return false, err
	}
	right, err := operand(rhs, scope)
	if err != nil {
		return false, err
	}
	return Compare(left, op, right, expr)
}

// splitComparison finds the first top-level comparison operator, skipping
// text inside ${...} and quotes.
func splitComparison(expr string) (lhs, op, rhs string, found bool) {
	depth := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		ch := expr[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
			continue
		case ch == '\'' || ch == '"':
			quote = ch
			continue
		case ch == '$' && i+1 < len(expr) && expr[i+1] == '{':
			depth++
			i++
			continue
		case ch == '}' && depth > 0:
			depth--
			continue
		case depth > 0:
			continue
		}
		for _, candidate := range operators {
			if strings.HasPrefix(expr[i:], candidate) {
				return strings.TrimSpace(expr[:i]), candidate,
					strings.TrimSpace(expr[i+len(candidate):]), true
			}
		}
	}
	return "", "", "", false
}

// operand resolves one side of a comparison. Quoted text is a string
// literal (references inside it are still substituted); "null" is
// undefined; anything else goes through Resolve.
func operand(s string, scope *Scope) (any, error) {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		inner := s[1 : len(s)-1]
		if strings.Contains(inner, "${") {
			return interpolate(inner, scope)
		}
		return inner, nil
	}
	if s == "null" {
		return nil, nil
	}
	return Resolve(s, scope)
}

// Compare applies a comparison operator. Equality works on any values,
// numbers compared by value regardless of width. Ordering requires two
// numbers or two strings.
func Compare(left any, op string, right any, expr string) (bool, error) {
	switch op {
	case "==":
		return Equal(left, right), nil
	case "!=":
		return !Equal(left, right), nil
	}

	if lf, lok := toFloat(left); lok {
		if rf, rok := toFloat(right); rok {
			return order(op, cmpFloat(lf, rf)), nil
		}
	}
	if ls, lok := left.(string); lok {
		if rs, rok := right.(string); rok {
			return order(op, strings.Compare(ls, rs)), nil
		}
	}
	return false, schema.NewVariableResolutionError(expr,
		"cannot compare %s %s %s in %q", describe(left), op, describe(right), expr)
}

func order(op string, c int) bool {
	switch op {
	case "<":
		return c < 0
	case ">":
		return c > 0
	case "<=":
		return c <= 0
	case ">=":
		return c >= 0
	}
	return false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Equal compares two resolved values. Numbers of any Go width compare by
// value; composite values compare structurally.
func Equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(Normalize(a), Normalize(b))
}

// Truthy reports the boolean reading of a value: nil, false, zero, the
// empty string and empty collections are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

// MatchCase reports whether a switch case's resolved when value selects
// scrutinee: equal to it or, for a list, containing it.
func MatchCase(when, scrutinee any) bool {
	if list, ok := Normalize(when).([]any); ok {
		for _, item := range list {
			if Equal(item, scrutinee) {
				return true
			}
		}
		return false
	}
	return Equal(when, scrutinee)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func describe(v any) string {
	if v == nil {
		return "undefined"
	}
	return fmt.Sprintf("%T(%v)", v, v)
}

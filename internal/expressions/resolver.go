package expressions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

var numericLiteral = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

// Resolve evaluates a reference string against scope.
//
//   - "true" and "false" become booleans.
//   - Purely numeric strings become numbers (int or float64).
//   - A string that is exactly one ${path} yields the referenced value with
//     its type preserved.
//   - ${path} tokens embedded in longer text are substituted by their
//     string form; undefined values render as the empty string.
//   - Anything else is returned unchanged.
//
// Resolve never mutates scope.
func Resolve(ref string, scope *Scope) (any, error) {
	switch ref {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if numericLiteral.MatchString(ref) {
		return parseNumber(ref), nil
	}
	if !strings.Contains(ref, "${") {
		return ref, nil
	}

	if path, whole := singleReference(ref); whole {
		return Deref(path, scope)
	}

	return interpolate(ref, scope)
}

// ResolveValue resolves every string inside v, walking maps and lists.
// Non-string scalars are returned unchanged. The result never aliases v.
func ResolveValue(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return Resolve(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return deepCopyAny(v), nil
	}
}

// ResolveMap resolves every value of an input expression map.
func ResolveMap(m map[string]any, scope *Scope) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		r, err := ResolveValue(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

// ResolveIterable resolves a loop iterable: a reference or a literal list.
// Unlike Resolve, an undefined result is an error because a loop needs a
// concrete value.
func ResolveIterable(v any, scope *Scope) ([]any, error) {
	ref := fmt.Sprintf("%v", v)
	resolved, err := ResolveValue(v, scope)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, schema.NewVariableResolutionError(ref,
			"loop iterable %q resolved to undefined", ref)
	}

	resolved = deepCopyAny(resolved)
	items, ok := resolved.([]any)
	if !ok {
		return nil, schema.NewVariableResolutionError(ref,
			"loop iterable %q is not a list (type: %T)", ref, resolved)
	}
	return items, nil
}

// Deref walks a dot-separated path through scope. The first segment must be
// visible in scope; missing later segments yield nil (undefined).
func Deref(path string, scope *Scope) (any, error) {
	path = strings.TrimSpace(path)
	ref := "${" + path + "}"
	if path == "" {
		return nil, schema.NewVariableResolutionError(ref, "empty variable reference %s", ref)
	}

	segments := strings.Split(path, ".")
	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewVariableResolutionError(ref,
				"empty segment in reference %s at position %d", ref, i)
		}
	}

	current, ok := scope.Lookup(segments[0])
	if !ok {
		available := scope.Visible()
		return nil, schema.NewVariableResolutionError(ref,
			"%q is not defined in scope for %s; available: [%s]",
			segments[0], ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"reference": ref, "available": available})
	}

	for _, seg := range segments[1:] {
		current = index(current, seg)
		if current == nil {
			return nil, nil
		}
	}
	return deepCopyAny(current), nil
}

// index steps one segment into a map or list. Anything else is undefined.
func index(v any, seg string) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return val[seg]
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(val) {
			return nil
		}
		return val[i]
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return index(deepCopyAny(v), seg)
	}
	return nil
}

// singleReference reports whether s is exactly one ${...} token.
func singleReference(s string) (string, bool) {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	inner := s[2 : len(s)-1]
	if strings.Contains(inner, "${") || strings.Contains(inner, "}") {
		return "", false
	}
	return inner, true
}

// interpolate substitutes every ${path} token in s with its string form.
func interpolate(s string, scope *Scope) (string, error) {
	var out strings.Builder
	out.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${")
		if idx == -1 {
			out.WriteString(s[i:])
			break
		}
		out.WriteString(s[i : i+idx])
		start := i + idx + 2

		end := strings.IndexByte(s[start:], '}')
		if end == -1 {
			return "", schema.NewVariableResolutionError(s, "unclosed ${ in %q", s)
		}
		end += start

		val, err := Deref(s[start:end], scope)
		if err != nil {
			return "", err
		}
		out.WriteString(Stringify(val))
		i = end + 1
	}
	return out.String(), nil
}

// Stringify renders a resolved value for embedding in text. Undefined
// renders as "", composite values as JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func parseNumber(s string) any {
	if !strings.Contains(s, ".") {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// References returns the first path segment of every ${...} token in s.
// Used by validation to detect forward references.
func References(s string) []string {
	var out []string
	for {
		idx := strings.Index(s, "${")
		if idx == -1 {
			return out
		}
		rest := s[idx+2:]
		end := strings.IndexByte(rest, '}')
		if end == -1 {
			return out
		}
		path := strings.TrimSpace(rest[:end])
		if head, _, _ := strings.Cut(path, "."); head != "" {
			out = append(out, head)
		}
		s = rest[end+1:]
	}
}

// ValueReferences collects References from every string inside v.
func ValueReferences(v any) []string {
	switch val := v.(type) {
	case string:
		return References(val)
	case map[string]any:
		var out []string
		for _, item := range val {
			out = append(out, ValueReferences(item)...)
		}
		return out
	case []any:
		var out []string
		for _, item := range val {
			out = append(out, ValueReferences(item)...)
		}
		return out
	default:
		return nil
	}
}

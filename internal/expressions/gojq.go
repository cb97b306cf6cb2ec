package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/stepflow/pkg/schema"
)

// GoJQEngine evaluates jq programs over step data. Compiled code is cached
// per expression.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates an empty-cache jq engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs expression with data as its input document. A single
// output is returned as-is, several are collected into []any and no output
// yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.EvaluateAll(ctx, expression, data)
	if err != nil {
		return nil, err
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// EvaluateAll is like Evaluate but always returns every output.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewValidationError("empty jq expression")
	}

	code, err := e.code(expression)
	if err != nil {
		return nil, err
	}

	var input any = map[string]any{}
	if data != nil {
		input = jqValue(data)
	}

	iter := code.RunWithContext(ctx, input)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}
	return results, nil
}

func (e *GoJQEngine) code(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewValidationError("jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err = gojq.Compile(query,
		// No $ENV access from flow definitions.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewValidationError("jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = code
	return code, nil
}

// jqValue converts scope values into the shapes gojq accepts: typed
// collections become map[string]any / []any and fixed-width integers
// become int or float64.
func jqValue(v any) any {
	switch val := Normalize(v).(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = jqValue(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = jqValue(item)
		}
		return val
	case int64:
		return int(val)
	case int32:
		return int(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}

var _ Engine = (*GoJQEngine)(nil)

package tasks

import (
	"context"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// ExpressionTasks returns expr.eval, cel.eval and jq.transform.
func ExpressionTasks() ([]Task, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return []Task{
		&engineTask{
			name:        "expr.eval",
			description: "Evaluate an expr-lang expression; inputs: expression, data",
			engine:      expressions.NewExprEngine(),
			wrapData:    true,
		},
		&engineTask{
			name:        "cel.eval",
			description: "Evaluate a CEL expression with data bound to the data variable; inputs: expression, data",
			engine:      cel,
		},
		&engineTask{
			name:        "jq.transform",
			description: "Run a jq program over data; inputs: query, data",
			engine:      expressions.NewGoJQEngine(),
			exprKey:     "query",
		},
	}, nil
}

// engineTask evaluates one expression with an expressions.Engine and
// returns {"result": value}.
type engineTask struct {
	name        string
	description string
	engine      expressions.Engine
	// exprKey is the input holding the expression; "expression" when empty.
	exprKey string
	// wrapData exposes the data input as a "data" variable instead of
	// handing it to the engine as the whole environment.
	wrapData bool
}

func (t *engineTask) Name() string { return t.name }
func (t *engineTask) Info() Info   { return Info{Name: t.name, Description: t.description} }

func (t *engineTask) key() string {
	if t.exprKey != "" {
		return t.exprKey
	}
	return "expression"
}

func (t *engineTask) Validate(inputs map[string]any) error {
	expr, ok := inputs[t.key()].(string)
	if !ok || expr == "" {
		return schema.NewValidationError("%s requires non-empty '%s' string input", t.name, t.key())
	}
	if data, ok := inputs["data"]; ok && data != nil {
		if _, isMap := expressions.Normalize(data).(map[string]any); !isMap && !t.wrapData {
			return schema.NewValidationError("%s 'data' input must be an object", t.name)
		}
	}
	return nil
}

func (t *engineTask) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	expression, _ := inputs[t.key()].(string)

	var data map[string]any
	if t.wrapData {
		data = map[string]any{"data": expressions.Normalize(inputs["data"])}
	} else {
		data, _ = expressions.Normalize(inputs["data"]).(map[string]any)
	}

	result, err := t.engine.Evaluate(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": expressions.Normalize(result)}, nil
}

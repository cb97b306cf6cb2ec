package expressions

import "context"

// Engine evaluates a richer expression language on behalf of a built-in task.
// The step resolver itself only understands ${path} references and simple
// comparisons; tasks such as expr.eval, cel.eval and jq.transform delegate
// to an Engine when a flow needs more.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

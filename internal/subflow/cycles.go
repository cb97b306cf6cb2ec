package subflow

import (
	"github.com/rendis/stepflow/pkg/schema"
)

// CheckCycles walks the subflow call graph reachable from def and returns
// CircularSubflowError for the first cycle found, before any step runs.
// Subflows that cannot be resolved are skipped here; the interpreter
// reports them if execution actually reaches the call.
func (l *Loader) CheckCycles(def *schema.WorkflowDefinition) error {
	c := &cycleCheck{loader: l, done: make(map[string]bool)}
	return c.visit(def, NewStack(def.Name))
}

type cycleCheck struct {
	loader *Loader
	// done holds flows whose reachable graph was fully explored without a
	// cycle.
	done map[string]bool
}

func (c *cycleCheck) visit(def *schema.WorkflowDefinition, lineage *Stack) error {
	if c.done[def.Name] {
		return nil
	}

	for _, name := range Calls(def) {
		next, err := lineage.Push(name)
		if err != nil {
			return err
		}

		child, err := c.loader.Resolve(name, Dir(def))
		if err != nil {
			if schema.IsCode(err, schema.ErrCodeSubflowNotFound) {
				continue
			}
			return err
		}
		if err := c.visit(child, next); err != nil {
			return err
		}
	}

	c.done[def.Name] = true
	return nil
}

// Calls lists the distinct subflow names referenced anywhere in def
// (steps and on_cancel), in first-appearance order.
func Calls(def *schema.WorkflowDefinition) []string {
	seen := make(map[string]bool)
	var out []string
	collect := func(_ string, s *schema.Step) error {
		if s.Subflow != nil && s.Subflow.Flow != "" && !seen[s.Subflow.Flow] {
			seen[s.Subflow.Flow] = true
			out = append(out, s.Subflow.Flow)
		}
		return nil
	}
	_ = schema.Walk(def.Steps, "steps", collect)
	_ = schema.Walk(def.OnCancel, "on_cancel", collect)
	return out
}

package validation

import (
	"fmt"
	"slices"
	"sort"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// ErrorBinding is the name bound to the failure inside an on_error list.
const ErrorBinding = "error"

// reservedIDs cannot be used as step ids or loop variables because they
// name scope entries the interpreter provides.
var reservedIDs = []string{expressions.InputsKey, ErrorBinding}

// visible is the set of names a reference may start with at some point of
// a step list.
type visible map[string]bool

func (v visible) with(names ...string) visible {
	out := make(visible, len(v)+len(names))
	for k := range v {
		out[k] = true
	}
	for _, n := range names {
		out[n] = true
	}
	return out
}

func (v visible) sorted() []string {
	out := make([]string, 0, len(v))
	for k := range v {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// validateSemantic checks what the JSON Schema cannot express: one variant
// per step, unique ids per list, reserved names, references that point
// backwards only, input declarations and trigger schedules.
func validateSemantic(def *schema.WorkflowDefinition, lookup TaskLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateInputDecls(def.Inputs, result)
	validateTriggers(def.Triggers, result)

	root := visible{expressions.InputsKey: true}
	after := validateList(def.Steps, "steps", root, lookup, result)

	for _, k := range sortedKeys(def.Outputs) {
		checkRefs(expressions.ValueReferences(def.Outputs[k]), "outputs."+k, after, result)
	}

	// on_cancel sees the scope as it stood at cancellation, so any top-level
	// id may be referenced.
	validateList(def.OnCancel, "on_cancel", after, lookup, result)

	return result
}

// validateList checks steps in order and returns the names visible after
// the list completes.
func validateList(steps []schema.Step, path string, scope visible, lookup TaskLookup, result *schema.ValidationResult) visible {
	seen := make(map[string]int, len(steps))
	current := scope.with()

	for i := range steps {
		step := &steps[i]
		p := fmt.Sprintf("%s[%d]", path, i)

		if step.ID != "" {
			if slices.Contains(reservedIDs, step.ID) {
				result.AddError(p+".id", schema.ErrCodeValidation,
					fmt.Sprintf("step id %q is reserved", step.ID))
			}
			if first, dup := seen[step.ID]; dup {
				result.AddError(p+".id", schema.ErrCodeValidation,
					fmt.Sprintf("duplicate step id %q (first declared at %s[%d])", step.ID, path, first))
			} else {
				seen[step.ID] = i
			}
		}

		switch n := step.VariantCount(); {
		case n == 0:
			result.AddError(p, schema.ErrCodeValidation,
				"step must declare one of task, conditional, switch, loop, parallel, subflow, exit")
			continue
		case n > 1:
			result.AddError(p, schema.ErrCodeValidation,
				fmt.Sprintf("step declares %d variants; exactly one is allowed", n))
			continue
		}

		if step.If != nil {
			checkCondition(*step.If, p+".if", current, result)
		}
		if step.Retry != nil && step.Kind() != schema.StepKindTask && step.Kind() != schema.StepKindSubflow {
			result.AddWarning(p+".retry", schema.ErrCodeValidation,
				fmt.Sprintf("retry has no effect on %s steps", step.Kind()))
		}

		produced := validateVariant(step, p, current, lookup, result)

		if len(step.OnError) > 0 {
			produced = append(produced, listIDs(validateList(step.OnError, p+".on_error", current.with(ErrorBinding), lookup, result), current, ErrorBinding)...)
		}

		current = current.with(produced...)
		if step.ID != "" {
			current[step.ID] = true
		}
	}
	return current
}

// validateVariant checks the variant body and returns ids that merge into
// the enclosing scope when the step completes.
func validateVariant(step *schema.Step, p string, scope visible, lookup TaskLookup, result *schema.ValidationResult) []string {
	switch {
	case step.Task != nil:
		if lookup != nil && !lookup.Has(step.Task.Name) {
			result.AddWarning(p+".task.name", schema.ErrCodeNotImplemented,
				fmt.Sprintf("task %q is not registered", step.Task.Name))
		}
		for _, k := range sortedKeys(step.Task.Inputs) {
			checkRefs(expressions.ValueReferences(step.Task.Inputs[k]), p+".task.inputs."+k, scope, result)
		}

	case step.Conditional != nil:
		checkCondition(step.Conditional.Condition, p+".conditional.condition", scope, result)
		var ids []string
		ids = append(ids, listIDs(validateList(step.Conditional.Then, p+".conditional.then", scope, lookup, result), scope)...)
		ids = append(ids, listIDs(validateList(step.Conditional.Else, p+".conditional.else", scope, lookup, result), scope)...)
		return ids

	case step.Switch != nil:
		checkRefs(expressions.References(step.Switch.Value), p+".switch.value", scope, result)
		var ids []string
		for i, c := range step.Switch.Cases {
			cp := fmt.Sprintf("%s.switch.cases[%d]", p, i)
			checkRefs(expressions.ValueReferences(c.When), cp+".when", scope, result)
			ids = append(ids, listIDs(validateList(c.Do, cp+".do", scope, lookup, result), scope)...)
		}
		ids = append(ids, listIDs(validateList(step.Switch.Default, p+".switch.default", scope, lookup, result), scope)...)
		return ids

	case step.Loop != nil:
		as := step.Loop.As
		if slices.Contains(reservedIDs, as) {
			result.AddError(p+".loop.as", schema.ErrCodeValidation,
				fmt.Sprintf("loop variable %q is reserved", as))
		}
		switch step.Loop.ForEach.(type) {
		case string, []any:
		default:
			result.AddError(p+".loop.for_each", schema.ErrCodeValidation,
				"for_each must be a reference string or a list")
		}
		checkRefs(expressions.ValueReferences(step.Loop.ForEach), p+".loop.for_each", scope, result)
		validateList(step.Loop.Do, p+".loop.do", scope.with(as, as+"_index"), lookup, result)

	case step.Parallel != nil:
		var ids []string
		owner := make(map[string]int)
		for i, track := range step.Parallel.Tracks {
			tp := fmt.Sprintf("%s.parallel.tracks[%d]", p, i)
			if len(track) == 0 {
				result.AddWarning(tp, schema.ErrCodeValidation, "empty parallel track")
			}
			for _, id := range listIDs(validateList(track, tp, scope, lookup, result), scope) {
				if first, dup := owner[id]; dup {
					result.AddError(tp, schema.ErrCodeValidation,
						fmt.Sprintf("step id %q is produced by parallel tracks %d and %d; track outputs merge by id", id, first, i))
					continue
				}
				owner[id] = i
				ids = append(ids, id)
			}
		}
		return ids

	case step.Subflow != nil:
		for _, k := range sortedKeys(step.Subflow.Inputs) {
			checkRefs(expressions.ValueReferences(step.Subflow.Inputs[k]), p+".subflow.inputs."+k, scope, result)
		}

	case step.Exit != nil:
		for _, k := range sortedKeys(step.Exit.Outputs) {
			checkRefs(expressions.ValueReferences(step.Exit.Outputs[k]), p+".exit.outputs."+k, scope, result)
		}
		checkRefs(expressions.References(step.Exit.Reason), p+".exit.reason", scope, result)
	}
	return nil
}

// listIDs returns the names in after that were not already in before.
func listIDs(after, before visible, exclude ...string) []string {
	var ids []string
	for k := range after {
		if !before[k] && !slices.Contains(exclude, k) {
			ids = append(ids, k)
		}
	}
	sort.Strings(ids)
	return ids
}

func checkCondition(c schema.Condition, path string, scope visible, result *schema.ValidationResult) {
	if c.IsQuantifier() {
		if len(c.Of) == 0 {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("%s condition has no sub-conditions", c.Quantifier))
		}
		for i, sub := range c.Of {
			checkCondition(sub, fmt.Sprintf("%s.%s[%d]", path, c.Quantifier, i), scope, result)
		}
		return
	}
	checkRefs(expressions.References(c.Expr), path, scope, result)
}

func checkRefs(refs []string, path string, scope visible, result *schema.ValidationResult) {
	for _, ref := range refs {
		if scope[ref] {
			continue
		}
		result.AddError(path, schema.ErrCodeVariableResolution,
			fmt.Sprintf("reference to %q is not defined at this point; available: %v", ref, scope.sorted()))
	}
}

func validateInputDecls(decls []schema.InputDecl, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(decls))
	for i, d := range decls {
		p := fmt.Sprintf("inputs[%d]", i)
		if seen[d.Name] {
			result.AddError(p+".name", schema.ErrCodeValidation, fmt.Sprintf("duplicate input %q", d.Name))
		}
		seen[d.Name] = true
		if d.Required && d.Default != nil {
			result.AddWarning(p+".default", schema.ErrCodeValidation,
				fmt.Sprintf("input %q is required; its default is never used", d.Name))
		}
	}
}

func validateTriggers(triggers []schema.TriggerDecl, result *schema.ValidationResult) {
	for i, t := range triggers {
		p := fmt.Sprintf("triggers[%d]", i)
		switch t.Type {
		case schema.TriggerSchedule:
			if t.Schedule == "" {
				result.AddError(p+".schedule", schema.ErrCodeValidation, "schedule trigger requires a cron expression")
				continue
			}
			if _, err := cron.ParseStandard(t.Schedule); err != nil {
				result.AddError(p+".schedule", schema.ErrCodeValidation,
					fmt.Sprintf("invalid cron expression %q: %v", t.Schedule, err))
			}
		case schema.TriggerWebhook:
			if t.Path == "" {
				result.AddError(p+".path", schema.ErrCodeValidation, "webhook trigger requires a path")
			}
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package validation

import (
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// Validator checks workflow definitions and the inputs an execution is
// started with, before any step runs.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	PrepareInputs(def *schema.WorkflowDefinition, inputs map[string]any) (map[string]any, error)
}

// TaskLookup reports whether a task name has an implementation.
type TaskLookup interface {
	Has(name string) bool
}

// WorkflowValidator runs the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (variants, ids, references, inputs, triggers)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	tasks      TaskLookup
}

// NewWorkflowValidator creates a WorkflowValidator. lookup may be nil to
// skip task existence warnings.
func NewWorkflowValidator(lookup TaskLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, tasks: lookup}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the semantic stage.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(def, wv.tasks))
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// PrepareInputs applies declared defaults and checks the result against a
// schema compiled from the declarations. The returned map is a copy.
func (wv *WorkflowValidator) PrepareInputs(def *schema.WorkflowDefinition, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs)+len(def.Inputs))
	for k, v := range inputs {
		out[k] = expressions.Normalize(v)
	}
	for _, d := range def.Inputs {
		if _, ok := out[d.Name]; !ok && d.Default != nil {
			out[d.Name] = expressions.Normalize(d.Default)
		}
	}

	inputSchema, err := InputSchema(def.Inputs)
	if err != nil {
		return nil, schema.NewValidationError("build input schema for %s: %v", def.Name, err).WithCause(err)
	}
	if err := wv.jsonSchema.ValidateInput(out, inputSchema); err != nil {
		fe := schema.ToFlowError(err)
		fe.Message = "invalid inputs for " + def.Name + ": " + fe.Message
		return nil, fe
	}
	return out, nil
}

// validateStructural converts JSON Schema violations into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	fe, ok := schema.AsFlowError(err)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}

var _ Validator = (*WorkflowValidator)(nil)

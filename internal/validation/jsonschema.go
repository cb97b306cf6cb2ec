package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepflow/pkg/schema"
)

const workflowSchemaURL = "https://stepflow.dev/schemas/workflow.json"

// workflowSchemaJSON is the JSON Schema for the declarative workflow form.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1, "pattern": "^[^/\\\\]+$" },
    "description": { "type": "string" },
    "inputs": {
      "type": "array",
      "items": { "$ref": "#/$defs/input" }
    },
    "connections": {
      "type": "object",
      "additionalProperties": { "type": "string", "minLength": 1 }
    },
    "triggers": {
      "type": "array",
      "items": { "$ref": "#/$defs/trigger" }
    },
    "steps": { "$ref": "#/$defs/steps", "minItems": 1 },
    "outputs": { "type": "object" },
    "on_cancel": { "$ref": "#/$defs/steps" },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    },
    "input": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_-]*$" },
        "type": { "enum": ["", "string", "number", "integer", "boolean", "object", "array", "any"] },
        "required": { "type": "boolean" },
        "default": {},
        "description": { "type": "string" }
      },
      "additionalProperties": false
    },
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "enum": ["schedule", "webhook"] },
        "schedule": { "type": "string" },
        "path": { "type": "string" },
        "config": { "type": "object" }
      },
      "additionalProperties": false
    },
    "condition": {
      "oneOf": [
        { "type": "string", "minLength": 1 },
        {
          "type": "object",
          "minProperties": 1,
          "maxProperties": 1,
          "properties": {
            "any": { "type": "array", "items": { "$ref": "#/$defs/condition" } },
            "all": { "type": "array", "items": { "$ref": "#/$defs/condition" } },
            "none": { "type": "array", "items": { "$ref": "#/$defs/condition" } }
          },
          "additionalProperties": false
        }
      ]
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1, "maximum": 10 },
        "delay_seconds": { "type": "number", "minimum": 0 },
        "backoff_multiplier": { "type": "number", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "names": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "step": {
      "type": "object",
      "properties": {
        "id": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_-]*$" },
        "if": { "$ref": "#/$defs/condition" },
        "retry": { "$ref": "#/$defs/retry" },
        "on_error": { "$ref": "#/$defs/steps" },
        "task": {
          "type": "object",
          "required": ["name"],
          "properties": {
            "name": { "type": "string", "minLength": 1 },
            "inputs": { "type": "object" },
            "outputs": { "$ref": "#/$defs/names" }
          },
          "additionalProperties": false
        },
        "conditional": {
          "type": "object",
          "required": ["condition"],
          "properties": {
            "condition": { "$ref": "#/$defs/condition" },
            "then": { "$ref": "#/$defs/steps" },
            "else": { "$ref": "#/$defs/steps" }
          },
          "additionalProperties": false
        },
        "switch": {
          "type": "object",
          "required": ["value"],
          "properties": {
            "value": { "type": "string", "minLength": 1 },
            "cases": {
              "type": "array",
              "items": {
                "type": "object",
                "required": ["when"],
                "properties": {
                  "when": {},
                  "do": { "$ref": "#/$defs/steps" }
                },
                "additionalProperties": false
              }
            },
            "default": { "$ref": "#/$defs/steps" }
          },
          "additionalProperties": false
        },
        "loop": {
          "type": "object",
          "required": ["for_each", "as"],
          "properties": {
            "for_each": { "type": ["string", "array"] },
            "as": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$" },
            "do": { "$ref": "#/$defs/steps" }
          },
          "additionalProperties": false
        },
        "parallel": {
          "type": "object",
          "required": ["tracks"],
          "properties": {
            "tracks": {
              "type": "array",
              "minItems": 1,
              "items": { "$ref": "#/$defs/steps" }
            }
          },
          "additionalProperties": false
        },
        "subflow": {
          "type": "object",
          "required": ["flow"],
          "properties": {
            "flow": { "type": "string", "minLength": 1 },
            "inputs": { "type": "object" },
            "outputs": { "$ref": "#/$defs/names" }
          },
          "additionalProperties": false
        },
        "exit": {
          "type": "object",
          "properties": {
            "reason": { "type": "string" },
            "outputs": { "type": "object" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks definitions against the workflow JSON Schema and
// inputs against schemas compiled from input declarations. It is safe for
// concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the compiled input schema cache.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks the declarative shape of def.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewValidationError("workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewValidationError("failed to serialize workflow definition: %v", err).WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateInput validates input data against a JSON Schema provided as raw bytes.
// The schema is compiled once and cached.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewValidationError("invalid input schema: %v", err).WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewValidationError("failed to serialize inputs: %v", err).WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("stepflow://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// InputSchema builds a JSON Schema for the declared inputs. Undeclared
// inputs are allowed. Returns nil when nothing is declared.
func InputSchema(decls []schema.InputDecl) ([]byte, error) {
	if len(decls) == 0 {
		return nil, nil
	}
	props := make(map[string]any, len(decls))
	var required []string
	for _, d := range decls {
		props[d.Name] = typeSchema(d.Type)
		if d.Required {
			required = append(required, d.Name)
		}
	}
	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		sort.Strings(required)
		doc["required"] = required
	}
	return json.Marshal(doc)
}

func typeSchema(t string) map[string]any {
	switch t {
	case "", schema.InputTypeAny:
		return map[string]any{}
	default:
		return map[string]any{"type": t}
	}
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so that numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a VALIDATION_ERROR
// listing every violation with its instance location.
func toFlowError(err error) *schema.FlowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewValidationError("%s", err.Error()).WithCause(err)
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewValidationError("%s", verr.Error())
	case 1:
		return schema.NewValidationError("%s", violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewValidationError("validation failed with %d errors; first: %s", len(violations), violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations walks a ValidationError tree and collects leaf messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

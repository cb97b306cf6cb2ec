package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"gopkg.in/yaml.v3"
)

// Format is a serialization of the declarative form.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// DetectFormat sniffs data: a leading '{' or '[' means JSON, anything else
// is treated as YAML.
func DetectFormat(data []byte) Format {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON
	}
	return FormatYAML
}

// ParseDefinition decodes a workflow definition in either format. Unknown
// keys are rejected so typos surface as validation errors.
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := decode(data, DetectFormat(data), &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// EncodeDefinition renders a workflow definition in the given format.
func EncodeDefinition(def *WorkflowDefinition, format Format) ([]byte, error) {
	return encode(def, format)
}

// ParseSteps decodes a bare step list.
func ParseSteps(data []byte) ([]Step, error) {
	var steps []Step
	if err := decode(data, DetectFormat(data), &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// EncodeSteps renders a step list in the given format.
func EncodeSteps(steps []Step, format Format) ([]byte, error) {
	return encode(steps, format)
}

func decode(data []byte, format Format, out any) error {
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(out); err != nil {
			return wrapDecodeErr(err)
		}
		return nil
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(out); err != nil {
			if errors.Is(err, io.EOF) {
				return NewValidationError("empty definition")
			}
			return wrapDecodeErr(err)
		}
		return nil
	}
}

func encode(v any, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(v, "", "  ")
	default:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}

func wrapDecodeErr(err error) error {
	if fe, ok := AsFlowError(err); ok {
		return fe
	}
	return NewValidationError("malformed definition: %v", err).WithCause(err)
}

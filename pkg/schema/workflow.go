package schema

import "fmt"

// WorkflowDefinition is the top-level declarative workflow. It is immutable
// once loaded and shared by every execution that runs it.
type WorkflowDefinition struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs      []InputDecl       `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Connections map[string]string `json:"connections,omitempty" yaml:"connections,omitempty"`
	Triggers    []TriggerDecl     `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Steps       []Step            `json:"steps" yaml:"steps"`
	Outputs     map[string]any    `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	OnCancel    []Step            `json:"on_cancel,omitempty" yaml:"on_cancel,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Source is the file the definition was read from. Subflow discovery
	// starts from its directory. Empty for definitions built in memory.
	Source string `json:"-" yaml:"-"`
}

// InputDecl declares a flow input.
type InputDecl struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Input types accepted in InputDecl.Type.
const (
	InputTypeString  = "string"
	InputTypeNumber  = "number"
	InputTypeInteger = "integer"
	InputTypeBoolean = "boolean"
	InputTypeObject  = "object"
	InputTypeArray   = "array"
	InputTypeAny     = "any"
)

// TriggerDecl declares how an execution may be originated. Triggers are
// parsed and validated but never fired by the engine.
type TriggerDecl struct {
	Type     string         `json:"type" yaml:"type"`
	Schedule string         `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Path     string         `json:"path,omitempty" yaml:"path,omitempty"`
	Config   map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Trigger types.
const (
	TriggerSchedule = "schedule"
	TriggerWebhook  = "webhook"
)

// StepKind identifies which variant a Step carries.
type StepKind string

const (
	StepKindTask        StepKind = "task"
	StepKindConditional StepKind = "conditional"
	StepKindSwitch      StepKind = "switch"
	StepKindLoop        StepKind = "loop"
	StepKindParallel    StepKind = "parallel"
	StepKindSubflow     StepKind = "subflow"
	StepKindExit        StepKind = "exit"
)

// Step is a tagged variant: the common attributes plus exactly one of the
// variant pointers. Branch-carrying variants own their child step lists.
type Step struct {
	ID      string       `json:"id,omitempty" yaml:"id,omitempty"`
	If      *Condition   `json:"if,omitempty" yaml:"if,omitempty"`
	Retry   *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	OnError []Step       `json:"on_error,omitempty" yaml:"on_error,omitempty"`

	Task        *TaskStep        `json:"task,omitempty" yaml:"task,omitempty"`
	Conditional *ConditionalStep `json:"conditional,omitempty" yaml:"conditional,omitempty"`
	Switch      *SwitchStep      `json:"switch,omitempty" yaml:"switch,omitempty"`
	Loop        *LoopStep        `json:"loop,omitempty" yaml:"loop,omitempty"`
	Parallel    *ParallelStep    `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Subflow     *SubflowStep     `json:"subflow,omitempty" yaml:"subflow,omitempty"`
	Exit        *ExitStep        `json:"exit,omitempty" yaml:"exit,omitempty"`
}

// TaskStep invokes a named task with resolved inputs.
type TaskStep struct {
	Name    string         `json:"name" yaml:"name"`
	Inputs  map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs []string       `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// ConditionalStep runs exactly one of Then or Else.
type ConditionalStep struct {
	Condition Condition `json:"condition" yaml:"condition"`
	Then      []Step    `json:"then,omitempty" yaml:"then,omitempty"`
	Else      []Step    `json:"else,omitempty" yaml:"else,omitempty"`
}

// SwitchStep runs the first case whose When matches Value.
type SwitchStep struct {
	Value   string       `json:"value" yaml:"value"`
	Cases   []SwitchCase `json:"cases,omitempty" yaml:"cases,omitempty"`
	Default []Step       `json:"default,omitempty" yaml:"default,omitempty"`
}

// SwitchCase matches when When equals the scrutinee or, for an array,
// contains it.
type SwitchCase struct {
	When any    `json:"when" yaml:"when"`
	Do   []Step `json:"do,omitempty" yaml:"do,omitempty"`
}

// LoopStep runs Do once per element of ForEach, binding As and As+"_index".
// ForEach is either a reference string or a literal list.
type LoopStep struct {
	ForEach any    `json:"for_each" yaml:"for_each"`
	As      string `json:"as" yaml:"as"`
	Do      []Step `json:"do,omitempty" yaml:"do,omitempty"`
}

// ParallelStep runs every track concurrently and joins on all of them.
type ParallelStep struct {
	Tracks [][]Step `json:"tracks,omitempty" yaml:"tracks,omitempty"`
}

// SubflowStep runs another named workflow.
type SubflowStep struct {
	Flow    string         `json:"flow" yaml:"flow"`
	Inputs  map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs []string       `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// ExitStep ends the whole flow successfully.
type ExitStep struct {
	Reason  string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// RetryPolicy bounds re-invocation of a failing task or subflow.
// Attempt k (k > 1) waits DelaySeconds * BackoffMultiplier^(k-2) first.
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts" yaml:"max_attempts"`
	DelaySeconds      float64 `json:"delay_seconds,omitempty" yaml:"delay_seconds,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty" yaml:"backoff_multiplier,omitempty"`
}

// MaxRetryAttempts is the upper bound accepted for RetryPolicy.MaxAttempts.
const MaxRetryAttempts = 10

// Kind returns the variant carried by the step, or "" if none is set.
// When several are set the first in declaration order wins; validation
// rejects such steps.
func (s *Step) Kind() StepKind {
	kinds := s.kinds()
	if len(kinds) == 0 {
		return ""
	}
	return kinds[0]
}

// VariantCount returns how many variant pointers are set.
func (s *Step) VariantCount() int {
	return len(s.kinds())
}

func (s *Step) kinds() []StepKind {
	var out []StepKind
	if s.Task != nil {
		out = append(out, StepKindTask)
	}
	if s.Conditional != nil {
		out = append(out, StepKindConditional)
	}
	if s.Switch != nil {
		out = append(out, StepKindSwitch)
	}
	if s.Loop != nil {
		out = append(out, StepKindLoop)
	}
	if s.Parallel != nil {
		out = append(out, StepKindParallel)
	}
	if s.Subflow != nil {
		out = append(out, StepKindSubflow)
	}
	if s.Exit != nil {
		out = append(out, StepKindExit)
	}
	return out
}

// Label is the step id, or its kind for anonymous steps.
func (s *Step) Label() string {
	if s.ID != "" {
		return s.ID
	}
	return string(s.Kind())
}

// StepList is a nested step list together with its location.
type StepList struct {
	Path  string
	Steps []Step
}

// Children returns every step list directly owned by the step, on_error
// included. path is the location of the step itself.
func (s *Step) Children(path string) []StepList {
	var out []StepList
	if len(s.OnError) > 0 {
		out = append(out, StepList{Path: path + ".on_error", Steps: s.OnError})
	}
	switch {
	case s.Conditional != nil:
		out = append(out, StepList{Path: path + ".conditional.then", Steps: s.Conditional.Then})
		if len(s.Conditional.Else) > 0 {
			out = append(out, StepList{Path: path + ".conditional.else", Steps: s.Conditional.Else})
		}
	case s.Switch != nil:
		for i, c := range s.Switch.Cases {
			out = append(out, StepList{Path: fmt.Sprintf("%s.switch.cases[%d].do", path, i), Steps: c.Do})
		}
		if len(s.Switch.Default) > 0 {
			out = append(out, StepList{Path: path + ".switch.default", Steps: s.Switch.Default})
		}
	case s.Loop != nil:
		out = append(out, StepList{Path: path + ".loop.do", Steps: s.Loop.Do})
	case s.Parallel != nil:
		for i, track := range s.Parallel.Tracks {
			out = append(out, StepList{Path: fmt.Sprintf("%s.parallel.tracks[%d]", path, i), Steps: track})
		}
	}
	return out
}

// Walk visits every step in steps depth-first, in declared order, including
// nested lists. Returning an error from fn stops the walk.
func Walk(steps []Step, path string, fn func(path string, step *Step) error) error {
	for i := range steps {
		p := fmt.Sprintf("%s[%d]", path, i)
		if err := fn(p, &steps[i]); err != nil {
			return err
		}
		for _, child := range steps[i].Children(p) {
			if err := Walk(child.Steps, child.Path, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

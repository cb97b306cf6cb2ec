// Package tasks holds the task collaborator the interpreter invokes by name:
// the Task interface, the name-to-task Registry and the built-in tasks.
package tasks

import (
	"context"
)

// Task is an executable unit of work invoked by a task step.
type Task interface {
	Name() string
	Info() Info
	Validate(inputs map[string]any) error
	Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// Invoker is what the interpreter needs from the task collaborator.
type Invoker interface {
	Invoke(ctx context.Context, name string, inputs map[string]any) (map[string]any, error)
}

// Info is a summary of a registered task for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Func adapts a plain function into a Task with no input validation.
type Func struct {
	TaskName    string
	Description string
	Fn          func(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// NewFunc wraps fn as a Task named name.
func NewFunc(name string, fn func(ctx context.Context, inputs map[string]any) (map[string]any, error)) *Func {
	return &Func{TaskName: name, Fn: fn}
}

func (f *Func) Name() string { return f.TaskName }
func (f *Func) Info() Info   { return Info{Name: f.TaskName, Description: f.Description} }

func (f *Func) Validate(map[string]any) error { return nil }

func (f *Func) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return f.Fn(ctx, inputs)
}

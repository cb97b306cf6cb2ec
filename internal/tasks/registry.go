package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// Registry is the thread-safe name-to-task map. Names that were never
// registered resolve to a sentinel task that fails with
// NotImplementedTaskError when invoked.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]Task),
	}
}

// Register adds a task. Returns error on nil, empty or duplicate name.
func (r *Registry) Register(task Task) error {
	if task == nil {
		return schema.NewValidationError("task is nil")
	}
	name := task.Name()
	if name == "" {
		return schema.NewValidationError("task name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %q already registered", name)
	}
	r.tasks[name] = task
	return nil
}

// RegisterFunc registers fn under name.
func (r *Registry) RegisterFunc(name string, fn func(ctx context.Context, inputs map[string]any) (map[string]any, error)) error {
	return r.Register(NewFunc(name, fn))
}

// RegisterNamespace bulk-registers tasks under a prefix: each task becomes
// "prefix.name" (e.g. "orders.fetch"). Registration stops at the first
// conflict and reports how many were added.
func (r *Registry) RegisterNamespace(prefix string, tasks []Task) (int, error) {
	if prefix == "" {
		return 0, schema.NewValidationError("task namespace is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, t := range tasks {
		prefixed := fmt.Sprintf("%s.%s", prefix, t.Name())
		if _, exists := r.tasks[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "task %q already registered", prefixed)
		}
		r.tasks[prefixed] = &prefixedTask{inner: t, name: prefixed}
		registered++
	}
	return registered, nil
}

// Get returns the task registered under name, or the not-implemented
// sentinel.
func (r *Registry) Get(name string) Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.tasks[name]; ok {
		return t
	}
	return notImplemented{name: name}
}

// Has checks if a task is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[name]
	return ok
}

// Count returns the number of registered tasks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// List returns info for all registered tasks, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.tasks))
	for _, t := range r.tasks {
		info := t.Info()
		info.Name = t.Name()
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Invoke validates inputs and runs the task registered under name.
func (r *Registry) Invoke(ctx context.Context, name string, inputs map[string]any) (map[string]any, error) {
	task := r.Get(name)
	if inputs == nil {
		inputs = map[string]any{}
	}
	if err := task.Validate(inputs); err != nil {
		return nil, err
	}
	return task.Invoke(ctx, inputs)
}

var _ Invoker = (*Registry)(nil)

// notImplemented stands in for names with no registered task.
type notImplemented struct {
	name string
}

func (n notImplemented) Name() string { return n.name }
func (n notImplemented) Info() Info   { return Info{Name: n.name, Description: "not implemented"} }

func (n notImplemented) Validate(map[string]any) error { return nil }

func (n notImplemented) Invoke(context.Context, map[string]any) (map[string]any, error) {
	return nil, schema.NewNotImplementedTaskError(n.name)
}

// prefixedTask wraps a namespaced task with its prefixed name.
type prefixedTask struct {
	inner Task
	name  string
}

func (p *prefixedTask) Name() string                         { return p.name }
func (p *prefixedTask) Info() Info                           { return p.inner.Info() }
func (p *prefixedTask) Validate(inputs map[string]any) error { return p.inner.Validate(inputs) }

func (p *prefixedTask) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return p.inner.Invoke(ctx, inputs)
}

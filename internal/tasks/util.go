package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/stepflow/internal/cancel"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// UtilTasks returns util.sleep, util.echo and util.fail.
func UtilTasks(logger *slog.Logger) []Task {
	if logger == nil {
		logger = slog.Default()
	}
	return []Task{
		&sleepTask{logger: logger},
		NewFuncWithDescription("util.echo", "Return the inputs unchanged", echo),
		NewFuncWithDescription("util.fail", "Fail with the given message; inputs: message", fail),
	}
}

// NewFuncWithDescription wraps fn as a described Task.
func NewFuncWithDescription(name, description string, fn func(ctx context.Context, inputs map[string]any) (map[string]any, error)) *Func {
	f := NewFunc(name, fn)
	f.Description = description
	return f
}

func echo(_ context.Context, inputs map[string]any) (map[string]any, error) {
	out, _ := expressions.Normalize(inputs).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func fail(_ context.Context, inputs map[string]any) (map[string]any, error) {
	msg, _ := inputs["message"].(string)
	if msg == "" {
		msg = "util.fail invoked"
	}
	return nil, fmt.Errorf("%s", msg)
}

// --- util.sleep ---

// sleepTask waits for a duration, returning early when the execution is
// cancelled. When a "release" label is given it registers a cleanup that
// logs the release, standing in for a resource held across steps.
type sleepTask struct {
	logger *slog.Logger
}

func (t *sleepTask) Name() string { return "util.sleep" }

func (t *sleepTask) Info() Info {
	return Info{
		Name:        "util.sleep",
		Description: "Sleep for a duration; inputs: duration (\"250ms\") or seconds, value, release",
	}
}

func (t *sleepTask) Validate(inputs map[string]any) error {
	_, err := sleepDuration(inputs)
	return err
}

func (t *sleepTask) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	d, err := sleepDuration(inputs)
	if err != nil {
		return nil, err
	}

	if label, ok := inputs["release"].(string); ok && label != "" {
		logger := t.logger
		cancel.OnCleanup(ctx, func() error {
			logger.DebugContext(ctx, "released", slog.String("resource", label))
			return nil
		})
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	out := map[string]any{"slept_ms": d.Milliseconds()}
	if v, ok := inputs["value"]; ok {
		out["value"] = expressions.Normalize(v)
	}
	return out, nil
}

func sleepDuration(inputs map[string]any) (time.Duration, error) {
	if s, ok := inputs["duration"].(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			return 0, schema.NewValidationError("util.sleep: invalid duration %q", s)
		}
		return d, nil
	}
	switch v := inputs["seconds"].(type) {
	case nil:
		return 0, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		if v < 0 {
			return 0, schema.NewValidationError("util.sleep: seconds must be >= 0")
		}
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, schema.NewValidationError("util.sleep: seconds must be a number, got %T", v)
	}
}

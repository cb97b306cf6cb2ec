package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/cancel"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/subflow"
	"github.com/rendis/stepflow/internal/tasks"
	"github.com/rendis/stepflow/pkg/schema"
)

// call is one recorded task invocation.
type call struct {
	task   string
	inputs map[string]any
}

// harness bundles a task registry of test doubles with the shared
// observation state they write to.
type harness struct {
	t        *testing.T
	tasks    *tasks.Registry
	hub      *recordingHub
	sleeper  *fakeSleeper
	loader   *subflow.Loader
	blocking chan string

	mu    sync.Mutex
	calls []call
	order []string
	fails map[string]int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		tasks:    tasks.NewRegistry(),
		hub:      &recordingHub{},
		sleeper:  &fakeSleeper{},
		loader:   subflow.NewLoader(subflow.WithBaseDir(t.TempDir())),
		blocking: make(chan string, 16),
		fails:    make(map[string]int),
	}

	must := func(name string, fn func(ctx context.Context, in map[string]any) (map[string]any, error)) {
		require.NoError(t, h.tasks.RegisterFunc(name, func(ctx context.Context, in map[string]any) (map[string]any, error) {
			h.record(name, in)
			return fn(ctx, in)
		}))
	}

	// test.return echoes its inputs as outputs.
	must("test.return", func(_ context.Context, in map[string]any) (map[string]any, error) {
		return in, nil
	})

	// test.fail always fails with inputs.message.
	must("test.fail", func(_ context.Context, in map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("%v", in["message"])
	})

	// test.flaky fails inputs.times times per inputs.key, then succeeds.
	must("test.flaky", func(_ context.Context, in map[string]any) (map[string]any, error) {
		key := fmt.Sprint(in["key"])
		times := toInt(in["times"])
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.fails[key] < times {
			h.fails[key]++
			return nil, fmt.Errorf("flaky failure %d", h.fails[key])
		}
		return map[string]any{"ok": true}, nil
	})

	// test.sleep waits inputs.ms milliseconds unless cancelled.
	must("test.sleep", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		timer := time.NewTimer(time.Duration(toInt(in["ms"])) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
			return map[string]any{"value": in["value"]}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	// test.cleanup registers a cleanup appending inputs.label to order.
	must("test.cleanup", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		label := fmt.Sprint(in["label"])
		cancel.OnCleanup(ctx, func() error {
			h.mark("cleanup:" + label)
			return nil
		})
		return map[string]any{"label": label}, nil
	})

	// test.block registers a cleanup, announces itself on blocking and
	// waits for cancellation.
	must("test.block", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		label := fmt.Sprint(in["label"])
		cancel.OnCleanup(ctx, func() error {
			h.mark("cleanup:" + label)
			return nil
		})
		h.blocking <- label
		<-ctx.Done()
		return nil, ctx.Err()
	})

	// test.mark appends inputs.label to order.
	must("test.mark", func(_ context.Context, in map[string]any) (map[string]any, error) {
		h.mark(fmt.Sprint(in["label"]))
		return map[string]any{}, nil
	})

	return h
}

func (h *harness) interpreter(opts ...InterpreterOption) *Interpreter {
	base := []InterpreterOption{
		WithLoader(h.loader),
		WithEmitter(NewEmitter(h.hub, nil, nil)),
		WithSleeper(h.sleeper.Sleep),
	}
	return NewInterpreter(h.tasks, append(base, opts...)...)
}

func (h *harness) execute(def *schema.WorkflowDefinition, inputs map[string]any) *Outcome {
	token := cancel.NewToken(context.Background())
	return h.interpreter().Execute(token, "exec-1", def, inputs)
}

func (h *harness) record(task string, in map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call{task: task, inputs: in})
}

func (h *harness) mark(label string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.order = append(h.order, label)
}

// callsTo returns the inputs of every invocation of task, in order.
func (h *harness) callsTo(task string) []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []map[string]any
	for _, c := range h.calls {
		if c.task == task {
			out = append(out, c.inputs)
		}
	}
	return out
}

func (h *harness) marks() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

// awaitBlocked waits until n test.block invocations are running.
func (h *harness) awaitBlocked(n int) []string {
	h.t.Helper()
	var labels []string
	for len(labels) < n {
		select {
		case l := <-h.blocking:
			labels = append(labels, l)
		case <-time.After(5 * time.Second):
			h.t.Fatalf("only %d of %d blocking tasks started", len(labels), n)
		}
	}
	return labels
}

func parseFlow(t *testing.T, src string) *schema.WorkflowDefinition {
	t.Helper()
	def, err := schema.ParseDefinition([]byte(src))
	require.NoError(t, err)
	return def
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// recordingHub is an EventHub that keeps every published event.
type recordingHub struct {
	mu     sync.Mutex
	events []streaming.StreamEvent
}

func (r *recordingHub) Publish(_ context.Context, e streaming.StreamEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingHub) Subscribe(context.Context, streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error) {
	return nil, nil, errors.New("recordingHub does not support subscriptions")
}

func (r *recordingHub) all() []streaming.StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]streaming.StreamEvent(nil), r.events...)
}

// types returns "event_type:step_id" for every event, in order.
func (r *recordingHub) types() []string {
	var out []string
	for _, e := range r.all() {
		if e.StepID == "" {
			out = append(out, e.EventType)
			continue
		}
		out = append(out, e.EventType+":"+e.StepID)
	}
	return out
}

func (r *recordingHub) ofType(eventType string) []streaming.StreamEvent {
	var out []streaming.StreamEvent
	for _, e := range r.all() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// fakeSleeper records backoff waits without sleeping.
type fakeSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *fakeSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

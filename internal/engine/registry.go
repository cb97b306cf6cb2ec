package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/cancel"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/subflow"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultPoolSize is the default number of concurrently running async executions.
const DefaultPoolSize = 10

// DefaultHistoryLimit is the number of finished handles kept for inspection.
const DefaultHistoryLimit = 50

// Handle is the tracked record of one execution.
type Handle struct {
	ID           string                 `json:"id"`
	FlowName     string                 `json:"flow_name"`
	Status       schema.ExecutionStatus `json:"status"`
	StartedAt    time.Time              `json:"started_at"`
	EndedAt      *time.Time             `json:"ended_at,omitempty"`
	Result       map[string]any         `json:"result,omitempty"`
	Error        *schema.FlowError      `json:"error,omitempty"`
	CancelReason string                 `json:"cancel_reason,omitempty"`
	ExitReason   string                 `json:"exit_reason,omitempty"`
}

// Duration returns the time between start and end, or since start while
// the execution is running.
func (h *Handle) Duration() time.Duration {
	if h.EndedAt == nil {
		return time.Since(h.StartedAt)
	}
	return h.EndedAt.Sub(h.StartedAt)
}

func (h *Handle) toExecution(inputs map[string]any) *store.Execution {
	exec := &store.Execution{
		ID:           h.ID,
		FlowName:     h.FlowName,
		Status:       h.Status,
		CancelReason: h.CancelReason,
		ExitReason:   h.ExitReason,
		StartedAt:    h.StartedAt,
		EndedAt:      h.EndedAt,
	}
	exec.Inputs = marshalRaw(inputs)
	if h.Result != nil {
		exec.Result = marshalRaw(h.Result)
	}
	if h.Error != nil {
		exec.Error = marshalRaw(h.Error)
	}
	return exec
}

func marshalRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// RegistryConfig holds configuration for the registry.
type RegistryConfig struct {
	PoolSize     int            // max concurrent async executions
	HistoryLimit int            // finished handles retained
	Loader       *subflow.Loader // static subflow cycle check (nil = skipped)
	Logger       *slog.Logger
}

// Registry owns every execution handle: it validates and starts executions,
// records their transitions and keeps a bounded history of finished ones.
type Registry struct {
	interp    *Interpreter
	validator validation.Validator
	loader    *subflow.Loader
	fsm       *StatusFSM
	pool      *ExecutionPool
	logger    *slog.Logger
	limit     int

	// base outlives callers of Start; Close cancels it.
	base context.Context
	stop context.CancelFunc

	// mu guards executions, history and closed.
	mu         sync.Mutex
	executions map[string]*execution
	history    []string
	closed     bool
}

// execution tracks a single registered run.
type execution struct {
	handle Handle
	def    *schema.WorkflowDefinition
	inputs map[string]any
	token  *cancel.Token
	done   chan struct{}
}

// NewRegistry creates a Registry running definitions through interp.
func NewRegistry(interp *Interpreter, validator validation.Validator, cfg RegistryConfig) *Registry {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	base, stop := context.WithCancel(context.Background())
	r := &Registry{
		interp:     interp,
		validator:  validator,
		loader:     cfg.Loader,
		fsm:        NewStatusFSM(),
		pool:       NewExecutionPool(cfg.PoolSize),
		logger:     logger,
		limit:      cfg.HistoryLimit,
		base:       base,
		stop:       stop,
		executions: make(map[string]*execution),
	}

	r.pool.OnPanic(func(id string, rec any) {
		r.logger.Error("execution worker panicked", slog.String("execution_id", id), slog.Any("panic", rec))
	})
	for _, to := range []schema.ExecutionStatus{
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	} {
		r.fsm.OnAfter(schema.ExecutionStatusRunning, to, func(id string, from, to schema.ExecutionStatus) error {
			r.logger.Debug("execution finished", slog.String("execution_id", id), slog.String("status", string(to)))
			return nil
		})
	}
	return r
}

// Prepare validates def, checks its static subflow graph for cycles and
// returns inputs with defaults applied. Nothing is registered.
func (r *Registry) Prepare(def *schema.WorkflowDefinition, inputs map[string]any) (map[string]any, error) {
	if def == nil {
		return nil, schema.NewValidationError("workflow definition is nil")
	}
	if err := r.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}
	if r.loader != nil {
		if err := r.loader.CheckCycles(def); err != nil {
			return nil, err
		}
	}
	return r.validator.PrepareInputs(def, inputs)
}

// Start validates def and inputs, registers a running handle and schedules
// the execution on the execution pool. It returns the handle id as soon as the
// execution is scheduled. When the pool is saturated Start blocks until a
// slot frees up or ctx is done. Validation failures return an error and
// register nothing.
func (r *Registry) Start(ctx context.Context, def *schema.WorkflowDefinition, inputs map[string]any) (string, error) {
	prepared, err := r.Prepare(def, inputs)
	if err != nil {
		return "", err
	}

	exec, err := r.register(r.base, def, prepared)
	if err != nil {
		return "", err
	}

	err = r.pool.Submit(ctx, exec.handle.ID, func() error {
		return r.execute(exec)
	})
	if err != nil {
		exec.token.Cancel("not scheduled: " + err.Error())
		r.finish(exec, &Outcome{
			Status: schema.ExecutionStatusFailed,
			Err:    schema.NewErrorf(schema.ErrCodeExecution, "schedule execution: %s", err.Error()).WithCause(err),
		})
		exec.token.Release()
		close(exec.done)
		return "", schema.ToFlowError(err)
	}
	return exec.handle.ID, nil
}

// Run is the synchronous mode of Start: it executes on the calling
// goroutine and returns the finished handle. Cancelling ctx cancels the
// execution. Validation failures return an error and register nothing.
func (r *Registry) Run(ctx context.Context, def *schema.WorkflowDefinition, inputs map[string]any) (*Handle, error) {
	prepared, err := r.Prepare(def, inputs)
	if err != nil {
		return nil, err
	}
	exec, err := r.register(ctx, def, prepared)
	if err != nil {
		return nil, err
	}
	_ = r.execute(exec)

	// The handle may already have been evicted by later finishes; read it
	// through exec rather than the index.
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyHandle(&exec.handle), nil
}

func (r *Registry) register(parent context.Context, def *schema.WorkflowDefinition, inputs map[string]any) (*execution, error) {
	exec := &execution{
		handle: Handle{
			ID:        uuid.New().String(),
			FlowName:  def.Name,
			StartedAt: time.Now().UTC(),
		},
		def:    def,
		inputs: inputs,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeExecution, "registry is closed")
	}
	if err := r.fsm.Transition(exec.handle.ID, "", schema.ExecutionStatusRunning); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	exec.handle.Status = schema.ExecutionStatusRunning
	exec.token = cancel.NewToken(parent)
	r.executions[exec.handle.ID] = exec
	snapshot := exec.handle
	r.mu.Unlock()

	r.interp.emitter.SaveHandle(parent, &snapshot, inputs)
	return exec, nil
}

// execute runs a registered execution and finalizes its handle.
func (r *Registry) execute(exec *execution) (err error) {
	defer close(exec.done)
	defer exec.token.Release()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("execution panicked", slog.String("execution_id", exec.handle.ID), slog.Any("panic", rec))
			out := &Outcome{
				Status: schema.ExecutionStatusFailed,
				Err:    schema.NewErrorf(schema.ErrCodeExecution, "execution panicked: %v", rec),
			}
			r.finish(exec, out)
			err = out.Err
		}
	}()

	out := r.interp.Execute(exec.token, exec.handle.ID, exec.def, exec.inputs)
	r.finish(exec, out)
	if out.Err != nil {
		return out.Err
	}
	return nil
}

// finish applies the terminal outcome to the handle and moves it into the
// bounded history, evicting the oldest finished handles.
func (r *Registry) finish(exec *execution, out *Outcome) {
	r.mu.Lock()
	h := &exec.handle
	if err := r.fsm.Transition(h.ID, h.Status, out.Status); err != nil {
		r.mu.Unlock()
		r.logger.Warn("discarding execution outcome", slog.String("execution_id", h.ID), slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	h.Status = out.Status
	h.EndedAt = &now
	h.Result = out.Result
	h.Error = out.Err
	h.CancelReason = out.CancelReason
	h.ExitReason = out.ExitReason

	r.history = append(r.history, h.ID)
	for len(r.history) > r.limit {
		delete(r.executions, r.history[0])
		r.history = r.history[1:]
	}
	snapshot := *h
	r.mu.Unlock()

	r.interp.emitter.SaveHandle(r.base, &snapshot, exec.inputs)
}

// Status returns a copy of the handle for id.
func (r *Registry) Status(id string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[id]
	if !ok {
		return nil, notFound(id)
	}
	return copyHandle(&exec.handle), nil
}

// Cancel requests cooperative cancellation of a running execution. Running
// steps finish; no new step starts. Cancelling a finished execution is an
// INVALID_TRANSITION error.
func (r *Registry) Cancel(id, reason string) error {
	r.mu.Lock()
	exec, ok := r.executions[id]
	var status schema.ExecutionStatus
	if ok {
		status = exec.handle.Status
	}
	r.mu.Unlock()

	if !ok {
		return notFound(id)
	}
	if status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %s is already %s", id, status).
			WithDetails(map[string]any{"execution_id": id, "status": string(status)})
	}
	if reason == "" {
		reason = "cancelled by request"
	}
	if exec.token.Cancel(reason) {
		r.logger.Info("execution cancel requested", slog.String("execution_id", id), slog.String("reason", reason))
	}
	return nil
}

// List returns copies of the handles of flowName (all flows when empty),
// running and retained, oldest first.
func (r *Registry) List(flowName string) []*Handle {
	r.mu.Lock()
	out := make([]*Handle, 0, len(r.executions))
	for _, exec := range r.executions {
		if flowName != "" && exec.handle.FlowName != flowName {
			continue
		}
		out = append(out, copyHandle(&exec.handle))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Wait blocks until the execution finishes or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) (*Handle, error) {
	r.mu.Lock()
	exec, ok := r.executions[id]
	r.mu.Unlock()
	if !ok {
		return nil, notFound(id)
	}

	select {
	case <-exec.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return copyHandle(&exec.handle), nil
}

// Metrics returns the execution pool metrics.
func (r *Registry) Metrics() PoolMetrics {
	return r.pool.Metrics()
}

// Close rejects new executions, cancels the running ones and waits for
// them to unwind.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var running []*execution
	for _, exec := range r.executions {
		if !exec.handle.Status.Terminal() {
			running = append(running, exec)
		}
	}
	r.mu.Unlock()

	for _, exec := range running {
		exec.token.Cancel("registry closed")
	}
	r.pool.Shutdown()
	r.stop()
	return nil
}

func copyHandle(h *Handle) *Handle {
	c := *h
	if h.EndedAt != nil {
		t := *h.EndedAt
		c.EndedAt = &t
	}
	c.Result = maps.Clone(h.Result)
	return &c
}

func notFound(id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id).
		WithDetails(map[string]any{"execution_id": id})
}

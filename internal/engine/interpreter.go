package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/stepflow/internal/cancel"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/subflow"
	"github.com/rendis/stepflow/internal/tasks"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// Interpreter walks step trees. It holds no per-execution state and is safe
// for concurrent use by many executions.
type Interpreter struct {
	tasks     tasks.Invoker
	loader    *subflow.Loader
	validator validation.Validator
	emitter   *Emitter
	sleep     Sleeper
	logger    *slog.Logger
}

// InterpreterOption configures an Interpreter.
type InterpreterOption func(*Interpreter)

// WithLoader sets the subflow loader. Without one every subflow step fails
// with SUBFLOW_NOT_FOUND.
func WithLoader(l *subflow.Loader) InterpreterOption {
	return func(in *Interpreter) { in.loader = l }
}

// WithValidator sets the validator used to prepare subflow inputs.
func WithValidator(v validation.Validator) InterpreterOption {
	return func(in *Interpreter) { in.validator = v }
}

// WithEmitter sets the event emitter.
func WithEmitter(e *Emitter) InterpreterOption {
	return func(in *Interpreter) { in.emitter = e }
}

// WithSleeper replaces the retry backoff wait.
func WithSleeper(s Sleeper) InterpreterOption {
	return func(in *Interpreter) { in.sleep = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) InterpreterOption {
	return func(in *Interpreter) { in.logger = l }
}

// NewInterpreter creates an Interpreter invoking tasks through invoker.
func NewInterpreter(invoker tasks.Invoker, opts ...InterpreterOption) *Interpreter {
	in := &Interpreter{
		tasks:  invoker,
		sleep:  WaitForBackoff,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Outcome is the result of one execution.
type Outcome struct {
	Status       schema.ExecutionStatus
	Result       map[string]any
	Err          *schema.FlowError
	ExitReason   string
	CancelReason string
}

// Execute runs def to completion under token. inputs must already be
// prepared (defaults applied, validated). Context values reach tasks through
// the token's context. It never returns a nil Outcome.
//
// A successful run discards the cleanups still registered on token. A
// failed run invokes them in reverse order. A cancelled run invokes them and
// then runs def.OnCancel against the scope as it stood when the cancellation
// was observed.
func (in *Interpreter) Execute(token *cancel.Token, executionID string, def *schema.WorkflowDefinition, inputs map[string]any) *Outcome {
	r := &run{in: in, executionID: executionID}
	f := &frame{def: def, stack: subflow.NewStack(def.Name), token: token}
	ctx := logging.WithIDs(token.Context(), executionID, def.Name, "")

	r.emit(ctx, f, "", schema.EventFlowStarted, map[string]any{"inputs": inputs})
	in.logger.InfoContext(ctx, "flow started")

	res := r.runFlow(ctx, f, inputs)
	out := &Outcome{Result: res.result}

	switch {
	case res.err == nil:
		token.Discard()
		out.Status = schema.ExecutionStatusCompleted
		out.ExitReason = res.exitReason
	case token.Cancelled():
		out.Status = schema.ExecutionStatusCancelled
		out.CancelReason = token.Reason()
		out.Err = schema.ToFlowError(token.Err())
		if fe := schema.ToFlowError(res.err); fe.Code == schema.ErrCodeCancelled && fe.StepID != "" {
			out.Err.StepID = fe.StepID
		}
		if ocErr := r.unwind(ctx, f, res.scope); ocErr != nil {
			out.Err = out.Err.WithDetails(map[string]any{"on_cancel_error": ocErr.Error()})
		}
	default:
		out.Status = schema.ExecutionStatusFailed
		out.Err = schema.ToFlowError(res.err)
		r.unwind(ctx, f, res.scope)
	}

	payload := map[string]any{"result": out.Result}
	switch out.Status {
	case schema.ExecutionStatusCompleted:
		if out.ExitReason != "" {
			payload["exit_reason"] = out.ExitReason
		}
		in.logger.InfoContext(ctx, "flow completed")
	case schema.ExecutionStatusCancelled:
		payload["reason"] = out.CancelReason
		in.logger.WarnContext(ctx, "flow cancelled", slog.String("reason", out.CancelReason))
	default:
		payload["error"] = out.Err
		in.logger.ErrorContext(ctx, "flow failed", slog.String("error", out.Err.Error()))
	}
	r.emit(ctx, f, "", statusEventType(out.Status), payload)
	return out
}

// run is the state of one execution shared by every frame.
type run struct {
	in          *Interpreter
	executionID string
}

// frame is one flow level: the top-level flow or an active subflow.
type frame struct {
	def   *schema.WorkflowDefinition
	stack *subflow.Stack
	token *cancel.Token
}

// exitSignal unwinds step lists up to the enclosing flow boundary. It is a
// successful termination, never routed to on_error.
type exitSignal struct {
	reason  string
	outputs map[string]any
}

func (e *exitSignal) Error() string { return "exit: " + e.reason }

func asExit(err error) (*exitSignal, bool) {
	var sig *exitSignal
	ok := errors.As(err, &sig)
	return sig, ok
}

type flowResult struct {
	result     map[string]any
	exitReason string
	scope      *expressions.Scope
	err        error
}

// runFlow executes the steps of f against a fresh scope and computes the
// flow result. An exit ends the flow successfully.
func (r *run) runFlow(ctx context.Context, f *frame, inputs map[string]any) flowResult {
	scope := expressions.NewScope(inputs)
	err := r.runList(ctx, f, f.def.Steps, scope)

	if sig, ok := asExit(err); ok {
		result := sig.outputs
		if result == nil {
			result = scope.Locals()
		}
		return flowResult{result: result, exitReason: sig.reason, scope: scope}
	}
	if err != nil {
		return flowResult{result: scope.Locals(), scope: scope, err: err}
	}

	if len(f.def.Outputs) == 0 {
		return flowResult{result: scope.Locals(), scope: scope}
	}
	outputs, err := expressions.ResolveMap(f.def.Outputs, scope)
	if err != nil {
		return flowResult{result: scope.Locals(), scope: scope, err: err}
	}
	return flowResult{result: outputs, scope: scope}
}

// unwind runs the cleanups of f in reverse registration order and, when the
// frame was cancelled, its on_cancel list. It returns the on_cancel failure.
func (r *run) unwind(ctx context.Context, f *frame, scope *expressions.Scope) error {
	for _, err := range f.token.RunCleanups() {
		r.in.logger.WarnContext(ctx, "cleanup failed", slog.String("error", err.Error()))
		r.emit(ctx, f, "", schema.EventCleanupFailed, map[string]any{"error": err.Error()})
	}

	if !f.token.Cancelled() || len(f.def.OnCancel) == 0 {
		return nil
	}

	// on_cancel gets a fresh token; the frame's token is already cancelled.
	oc := cancel.NewToken(context.WithoutCancel(ctx))
	defer oc.Release()
	of := &frame{def: f.def, stack: f.stack, token: oc}
	octx := logging.WithIDs(oc.Context(), r.executionID, f.def.Name, "")

	err := r.runList(octx, of, f.def.OnCancel, scope.Child())
	if _, ok := asExit(err); ok {
		err = nil
	}
	if err != nil {
		oc.RunCleanups()
		r.in.logger.ErrorContext(ctx, "on_cancel failed", slog.String("error", err.Error()))
		r.emit(ctx, f, "", schema.EventOnCancelFailed, map[string]any{"error": schema.ToFlowError(err)})
		return err
	}
	oc.Discard()
	return nil
}

// runList executes steps in declared order, checking for cancellation
// before each one.
func (r *run) runList(ctx context.Context, f *frame, steps []schema.Step, scope *expressions.Scope) error {
	for i := range steps {
		if err := f.token.Err(); err != nil {
			return err
		}
		if err := r.runStep(ctx, f, &steps[i], scope); err != nil {
			return err
		}
	}
	return nil
}

// runStep runs one step and records its value in scope under the step id.
func (r *run) runStep(ctx context.Context, f *frame, step *schema.Step, scope *expressions.Scope) error {
	ctx = logging.WithStepID(ctx, step.ID)
	kind := string(step.Kind())

	if step.If != nil {
		ok, err := expressions.EvalCondition(*step.If, scope)
		if err != nil {
			return withStep(err, step.ID)
		}
		if !ok {
			r.emit(ctx, f, step.ID, schema.EventStepSkipped, map[string]any{"kind": kind})
			r.in.logger.DebugContext(ctx, "step skipped")
			return nil
		}
	}

	started := time.Now()
	inputs, err := stepInputs(step, scope)
	startPayload := map[string]any{"kind": kind}
	if inputs != nil {
		startPayload["inputs"] = inputs
	}
	r.emit(ctx, f, step.ID, schema.EventStepStarted, startPayload)
	r.in.logger.DebugContext(ctx, "step started", slog.String("kind", kind))

	var value any
	if err == nil {
		value, err = r.dispatch(ctx, f, step, scope, inputs)
	}
	elapsed := time.Since(started).Milliseconds()

	if sig, ok := asExit(err); ok {
		payload := map[string]any{"kind": kind, "duration_ms": elapsed, "exited": true}
		if step.Exit != nil {
			payload["reason"] = sig.reason
			payload["outputs"] = sig.outputs
		}
		r.emit(ctx, f, step.ID, schema.EventStepCompleted, payload)
		return err
	}

	if err != nil {
		// A cancellation observed during the step wins over whatever the
		// step itself reported.
		if cerr := f.token.Err(); cerr != nil {
			err = withStep(cerr, step.ID)
		} else {
			err = withStep(err, step.ID)
		}
		fe := schema.ToFlowError(err)
		r.emit(ctx, f, step.ID, schema.EventStepFailed, map[string]any{
			"kind": kind, "error": fe, "duration_ms": elapsed,
		})

		if len(step.OnError) == 0 || !IsHandleable(err) {
			r.in.logger.DebugContext(ctx, "step failed", slog.String("error", err.Error()))
			return err
		}
		r.in.logger.WarnContext(ctx, "step failed, running on_error", slog.String("error", err.Error()))
		return r.handleError(ctx, f, step, scope, fe)
	}

	r.emit(ctx, f, step.ID, schema.EventStepCompleted, map[string]any{
		"kind": kind, "outputs": value, "duration_ms": elapsed,
	})
	r.in.logger.DebugContext(ctx, "step completed", slog.Int64("duration_ms", elapsed))

	if err := scope.Set(step.ID, value); err != nil {
		return withStep(err, step.ID)
	}
	return nil
}

// handleError runs step.OnError in a child scope binding "error" to the
// failure. Ids produced by the handler merge into scope; the failed step
// itself records no value.
func (r *run) handleError(ctx context.Context, f *frame, step *schema.Step, scope *expressions.Scope, fe *schema.FlowError) error {
	r.emit(ctx, f, step.ID, schema.EventErrorHandlerInvoked, map[string]any{"error": fe})

	hs := scope.Child()
	hs.Bind(validation.ErrorBinding, map[string]any{
		"message":  fe.Message,
		"code":     fe.Code,
		"step":     step.ID,
		"attempts": fe.Attempts,
	})
	err := r.runList(ctx, f, step.OnError, hs)
	scope.MergeFrom(hs)
	return err
}

// stepInputs resolves the input map of task and subflow steps. Other kinds
// return nil.
func stepInputs(step *schema.Step, scope *expressions.Scope) (map[string]any, error) {
	switch {
	case step.Task != nil:
		return expressions.ResolveMap(step.Task.Inputs, scope)
	case step.Subflow != nil:
		return expressions.ResolveMap(step.Subflow.Inputs, scope)
	default:
		return nil, nil
	}
}

func (r *run) dispatch(ctx context.Context, f *frame, step *schema.Step, scope *expressions.Scope, inputs map[string]any) (any, error) {
	switch {
	case step.Task != nil:
		return r.runTask(ctx, f, step, inputs)
	case step.Conditional != nil:
		return r.runConditional(ctx, f, step.Conditional, scope)
	case step.Switch != nil:
		return r.runSwitch(ctx, f, step.Switch, scope)
	case step.Loop != nil:
		return r.runLoop(ctx, f, step.Loop, scope)
	case step.Parallel != nil:
		return r.runParallel(ctx, f, step.Parallel, scope)
	case step.Subflow != nil:
		return r.runSubflow(ctx, f, step, inputs)
	case step.Exit != nil:
		return nil, r.runExit(step.Exit, scope)
	default:
		return nil, schema.NewValidationError("step %q declares no variant", step.Label())
	}
}

// --- Task ---

func (r *run) runTask(ctx context.Context, f *frame, step *schema.Step, inputs map[string]any) (any, error) {
	name := step.Task.Name
	out, attempts, err := r.withRetry(ctx, f, step, func() (map[string]any, error) {
		return r.in.tasks.Invoke(ctx, name, inputs)
	})
	if err != nil {
		if IsHandleable(err) && !schema.IsCode(err, schema.ErrCodeVariableResolution) {
			return nil, schema.NewTaskExecutionError(name, attempts, err)
		}
		return nil, err
	}
	return selectOutputs(out, step.Task.Outputs), nil
}

// withRetry invokes call up to MaxAttempts(step.Retry) times, waiting the
// computed backoff before each repeat. It returns the attempts made.
func (r *run) withRetry(ctx context.Context, f *frame, step *schema.Step, call func() (map[string]any, error)) (map[string]any, int, error) {
	maxAttempts := MaxAttempts(step.Retry)
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			delay := ComputeBackoff(step.Retry, attempt)
			if err := r.in.sleep(f.token.Context(), delay); err != nil {
				if cerr := f.token.Err(); cerr != nil {
					return nil, attempt - 1, cerr
				}
				return nil, attempt - 1, err
			}
		}
		if err := f.token.Err(); err != nil {
			return nil, attempt - 1, err
		}

		out, err := safeCall(call)
		if err == nil {
			return out, attempt, nil
		}
		if cerr := f.token.Err(); cerr != nil {
			return nil, attempt, cerr
		}
		if attempt >= maxAttempts || !IsRetryableError(err) {
			return nil, attempt, err
		}

		next := attempt + 1
		delay := ComputeBackoff(step.Retry, next)
		r.emit(ctx, f, step.ID, schema.EventStepRetrying, map[string]any{
			"attempt":  next,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
		r.in.logger.WarnContext(ctx, "step attempt failed, retrying",
			slog.Int("attempt", attempt), slog.Int("max_attempts", maxAttempts),
			slog.Duration("delay", delay), slog.String("error", err.Error()))
	}
}

// safeCall converts a panicking task into an error.
func safeCall(call func() (map[string]any, error)) (out map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return call()
}

// selectOutputs keeps the declared output names when any are declared.
func selectOutputs(out map[string]any, declared []string) map[string]any {
	if out == nil {
		out = map[string]any{}
	}
	if len(declared) == 0 {
		return out
	}
	selected := make(map[string]any, len(declared))
	for _, name := range declared {
		if v, ok := out[name]; ok {
			selected[name] = v
		}
	}
	return selected
}

// --- Branches ---

// runBranch executes steps in a child scope and merges the ids it produced
// into scope, also when the branch fails, so partial outputs are reported.
func (r *run) runBranch(ctx context.Context, f *frame, steps []schema.Step, scope *expressions.Scope) error {
	if len(steps) == 0 {
		return nil
	}
	child := scope.Child()
	err := r.runList(ctx, f, steps, child)
	scope.MergeFrom(child)
	return err
}

func (r *run) runConditional(ctx context.Context, f *frame, c *schema.ConditionalStep, scope *expressions.Scope) (any, error) {
	ok, err := expressions.EvalCondition(c.Condition, scope)
	if err != nil {
		return nil, err
	}
	branch, steps := "then", c.Then
	if !ok {
		branch, steps = "else", c.Else
		if len(steps) == 0 {
			branch = ""
		}
	}
	if err := r.runBranch(ctx, f, steps, scope); err != nil {
		return nil, err
	}
	return map[string]any{"result": ok, "branch": branch}, nil
}

func (r *run) runSwitch(ctx context.Context, f *frame, s *schema.SwitchStep, scope *expressions.Scope) (any, error) {
	value, err := expressions.Resolve(s.Value, scope)
	if err != nil {
		return nil, err
	}

	for i, c := range s.Cases {
		when, err := expressions.ResolveValue(c.When, scope)
		if err != nil {
			return nil, err
		}
		if !expressions.MatchCase(when, value) {
			continue
		}
		if err := r.runBranch(ctx, f, c.Do, scope); err != nil {
			return nil, err
		}
		return map[string]any{"value": value, "case": i, "branch": "case"}, nil
	}

	branch := ""
	if len(s.Default) > 0 {
		branch = "default"
		if err := r.runBranch(ctx, f, s.Default, scope); err != nil {
			return nil, err
		}
	}
	return map[string]any{"value": value, "case": -1, "branch": branch}, nil
}

// runLoop executes the body once per element, sequentially and in order.
// Each iteration gets its own child scope binding the loop variable and
// its zero-based index; body ids stay private to the iteration.
func (r *run) runLoop(ctx context.Context, f *frame, l *schema.LoopStep, scope *expressions.Scope) (any, error) {
	items, err := expressions.ResolveIterable(l.ForEach, scope)
	if err != nil {
		return nil, err
	}

	results := make([]any, 0, len(items))
	for i, item := range items {
		if err := f.token.Err(); err != nil {
			return nil, err
		}
		iter := scope.Child()
		iter.Bind(l.As, item)
		iter.Bind(l.As+"_index", i)
		if err := r.runList(ctx, f, l.Do, iter); err != nil {
			return nil, err
		}
		results = append(results, iter.Locals())
	}
	return map[string]any{"iterations": len(items), "results": results}, nil
}

// runParallel runs every track concurrently in its own child scope and
// joins on all of them. A failing track does not stop its siblings; once
// every track has finished, all track outputs are merged in track order
// and the failure of the lowest-index failing track is returned. An exit
// in a track ends the flow after the join unless a track failed.
func (r *run) runParallel(ctx context.Context, f *frame, p *schema.ParallelStep, scope *expressions.Scope) (any, error) {
	n := len(p.Tracks)
	children := make([]*expressions.Scope, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i, track := range p.Tracks {
		children[i] = scope.Child()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					errs[i] = schema.NewErrorf(schema.ErrCodeExecution, "parallel track %d panicked: %v", i, rec)
				}
			}()
			errs[i] = r.runList(ctx, f, track, children[i])
		}()
	}
	wg.Wait()

	if err := trackCollision(children); err != nil {
		return nil, err
	}
	for _, child := range children {
		scope.MergeFrom(child)
	}

	var exit error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if _, ok := asExit(err); ok {
			if exit == nil {
				exit = err
			}
			continue
		}
		return nil, err
	}
	if exit != nil {
		return nil, exit
	}
	return map[string]any{"tracks": n}, nil
}

// trackCollision reports a step id recorded by more than one track.
func trackCollision(children []*expressions.Scope) error {
	owner := make(map[string]int)
	for i, child := range children {
		for _, id := range child.LocalIDs() {
			if first, dup := owner[id]; dup {
				return schema.NewValidationError(
					"step id %q is produced by parallel tracks %d and %d", id, first, i)
			}
			owner[id] = i
		}
	}
	return nil
}

// --- Subflow ---

func (r *run) runSubflow(ctx context.Context, f *frame, step *schema.Step, inputs map[string]any) (any, error) {
	sf := step.Subflow
	out, _, err := r.withRetry(ctx, f, step, func() (map[string]any, error) {
		return r.callSubflow(ctx, f, sf, inputs)
	})
	if err != nil {
		return nil, err
	}
	return selectOutputs(out, sf.Outputs), nil
}

// callSubflow runs one attempt of a subflow under a child token. On success
// the child's pending cleanups move to the parent token; otherwise they run
// before returning, followed by the subflow's on_cancel when cancelled.
func (r *run) callSubflow(ctx context.Context, f *frame, sf *schema.SubflowStep, inputs map[string]any) (map[string]any, error) {
	if err := f.token.Err(); err != nil {
		return nil, err
	}

	stack, err := f.stack.Push(sf.Flow)
	if err != nil {
		return nil, err
	}
	if r.in.loader == nil {
		return nil, schema.NewSubflowNotFoundError(sf.Flow, nil)
	}
	def, err := r.in.loader.Resolve(sf.Flow, subflow.Dir(f.def))
	if err != nil {
		return nil, err
	}

	prepared := inputs
	if r.in.validator != nil {
		if prepared, err = r.in.validator.PrepareInputs(def, inputs); err != nil {
			return nil, err
		}
	}

	child := f.token.Child()
	defer child.Release()
	cf := &frame{def: def, stack: stack, token: child}
	cctx := logging.WithIDs(child.Context(), r.executionID, def.Name, "")

	r.in.logger.DebugContext(cctx, "subflow entered", slog.String("path", stack.String()))
	res := r.runFlow(cctx, cf, prepared)
	if res.err != nil {
		r.unwind(cctx, cf, res.scope)
		return nil, res.err
	}
	child.TransferTo(f.token)
	return res.result, nil
}

// --- Exit ---

func (r *run) runExit(e *schema.ExitStep, scope *expressions.Scope) error {
	sig := &exitSignal{}
	if e.Reason != "" {
		reason, err := expressions.Resolve(e.Reason, scope)
		if err != nil {
			return err
		}
		sig.reason = expressions.Stringify(reason)
	}
	if len(e.Outputs) > 0 {
		outputs, err := expressions.ResolveMap(e.Outputs, scope)
		if err != nil {
			return err
		}
		sig.outputs = outputs
	}
	return sig
}

// --- helpers ---

func (r *run) emit(ctx context.Context, f *frame, stepID, eventType string, payload map[string]any) {
	r.in.emitter.Emit(ctx, r.executionID, f.def.Name, stepID, eventType, payload)
}

// withStep attaches stepID to FlowErrors that do not name a step yet.
func withStep(err error, stepID string) error {
	if stepID == "" {
		return err
	}
	if fe, ok := schema.AsFlowError(err); ok && fe.StepID == "" {
		fe.StepID = stepID
	}
	return err
}

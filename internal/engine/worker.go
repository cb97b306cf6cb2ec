package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rendis/stepflow/pkg/schema"
)

// PoolMetrics is a snapshot of the execution pool counters.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Running   int64 `json:"running"`
	Waiting   int64 `json:"waiting"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when an execution is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("execution pool is shut down")

// Job runs one execution to completion. A non-nil error counts as failed.
type Job func() error

// ExecutionPool runs asynchronous executions on a bounded number of
// goroutines, keyed by execution id.
type ExecutionPool struct {
	slots chan struct{}
	wg    sync.WaitGroup
	done  chan struct{}

	// mu guards running, closed and onPanic.
	mu      sync.Mutex
	running map[string]struct{}
	closed  bool
	onPanic func(executionID string, recovered any)

	waiting   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewExecutionPool creates a pool running at most size executions at once.
func NewExecutionPool(size int) *ExecutionPool {
	if size <= 0 {
		size = 1
	}
	return &ExecutionPool{
		slots:   make(chan struct{}, size),
		done:    make(chan struct{}),
		running: make(map[string]struct{}),
	}
}

// OnPanic sets the handler called with the execution id and the recovered
// value when a job panics. The pool recovers either way.
func (p *ExecutionPool) OnPanic(h func(executionID string, recovered any)) {
	p.mu.Lock()
	p.onPanic = h
	p.mu.Unlock()
}

// Size returns the maximum number of concurrently running executions.
func (p *ExecutionPool) Size() int {
	return cap(p.slots)
}

// Submit schedules job for executionID. It blocks while every slot is
// taken and gives up when ctx is done or the pool shuts down. An id
// already running is rejected with a CONFLICT error.
func (p *ExecutionPool) Submit(ctx context.Context, executionID string, job Job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	if _, dup := p.running[executionID]; dup {
		p.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already running", executionID)
	}
	p.mu.Unlock()

	p.waiting.Add(1)
	select {
	case p.slots <- struct{}{}:
		p.waiting.Add(-1)
	case <-ctx.Done():
		p.waiting.Add(-1)
		return context.Cause(ctx)
	case <-p.done:
		p.waiting.Add(-1)
		return ErrPoolShutdown
	}

	// wg.Add must happen under mu so Shutdown cannot start waiting first.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	if _, dup := p.running[executionID]; dup {
		p.mu.Unlock()
		<-p.slots
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already running", executionID)
	}
	p.running[executionID] = struct{}{}
	p.wg.Add(1)
	onPanic := p.onPanic
	p.mu.Unlock()

	go p.run(executionID, job, onPanic)
	return nil
}

func (p *ExecutionPool) run(executionID string, job Job, onPanic func(string, any)) {
	defer func() {
		if rec := recover(); rec != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			if onPanic != nil {
				onPanic(executionID, rec)
			}
		}
		p.mu.Lock()
		delete(p.running, executionID)
		p.mu.Unlock()
		<-p.slots
		p.wg.Done()
	}()

	if err := job(); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

// Running returns the ids of the executions holding a slot, sorted.
func (p *ExecutionPool) Running() []string {
	p.mu.Lock()
	ids := make([]string, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Wait blocks until every submitted execution has returned.
func (p *ExecutionPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects further submissions, releases callers blocked in Submit
// and waits for the running executions to return.
func (p *ExecutionPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *ExecutionPool) Metrics() PoolMetrics {
	p.mu.Lock()
	running := int64(len(p.running))
	p.mu.Unlock()
	return PoolMetrics{
		Size:      p.Size(),
		Running:   running,
		Waiting:   p.waiting.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}

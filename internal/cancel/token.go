// Package cancel implements the cooperative cancellation token shared by an
// execution and its nested subflows: a monotonic cancelled flag with a
// reason, plus a LIFO stack of cleanup callbacks that run at most once.
package cancel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// Cleanup releases a resource acquired during a step.
type Cleanup func() error

// Token is a cancellation signal chained to an optional parent. Cancelling
// a token cancels every descendant; cancelling a child never affects the
// parent.
type Token struct {
	parent *Token
	base   context.Context
	ctx    context.Context
	stop   context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	reason    string
	cleanups  []Cleanup
}

// NewToken creates a root token. Cancellation of ctx is observed as a
// propagated cancellation.
func NewToken(ctx context.Context) *Token {
	t := &Token{base: ctx}
	t.ctx, t.stop = context.WithCancel(ctx)
	t.ctx = WithToken(t.ctx, t)
	return t
}

// Child creates a token for one nested level (a subflow).
func (t *Token) Child() *Token {
	c := &Token{parent: t}
	c.ctx, c.stop = context.WithCancel(t.ctx)
	c.ctx = WithToken(c.ctx, c)
	return c
}

// Parent returns the enclosing token, or nil for a root.
func (t *Token) Parent() *Token {
	return t.parent
}

// Cancel marks the token cancelled with reason. Only the first call has an
// effect; it reports whether this call did the cancelling.
func (t *Token) Cancel(reason string) bool {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	t.reason = reason
	t.mu.Unlock()

	t.stop()
	return true
}

// Cancelled reports whether this token or any ancestor has been cancelled.
// Once true it stays true.
func (t *Token) Cancelled() bool {
	if t.own() {
		return true
	}
	if t.parent != nil {
		return t.parent.Cancelled()
	}
	return t.base.Err() != nil
}

// Reason returns the cancellation reason, inherited from the nearest
// cancelled ancestor when this token was not cancelled directly.
func (t *Token) Reason() string {
	t.mu.Lock()
	if t.cancelled {
		defer t.mu.Unlock()
		return t.reason
	}
	t.mu.Unlock()

	if t.parent != nil {
		return t.parent.Reason()
	}
	if err := context.Cause(t.base); err != nil {
		return err.Error()
	}
	return ""
}

// Err returns nil while the token is live and a CANCELLED FlowError
// afterwards. The error is marked propagated when the cancellation came from
// an ancestor or the base context.
func (t *Token) Err() error {
	if !t.Cancelled() {
		return nil
	}
	return schema.NewCancellationError(t.Reason(), !t.own())
}

// Done is closed when the token or any ancestor is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Context returns a context that is cancelled with the token and carries
// it, so tasks can register cleanups via OnCleanup.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Release frees the context resources held by the token without marking it
// cancelled. Call it once the level the token guards has finished.
func (t *Token) Release() {
	t.stop()
}

func (t *Token) own() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// --- Cleanup stack ---

// OnCleanup pushes fn onto the cleanup stack.
func (t *Token) OnCleanup(fn Cleanup) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.cleanups = append(t.cleanups, fn)
	t.mu.Unlock()
}

// Pending returns the number of registered cleanups not yet run.
func (t *Token) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cleanups)
}

// RunCleanups pops and invokes every registered cleanup in reverse
// registration order. Each callback is removed before it runs, so it runs
// at most once even under concurrent calls. A panicking cleanup is
// converted into an error and the remaining cleanups still run.
func (t *Token) RunCleanups() []error {
	var errs []error
	for {
		fn := t.pop()
		if fn == nil {
			return errs
		}
		if err := runCleanup(fn); err != nil {
			errs = append(errs, err)
		}
	}
}

// TransferTo hands every pending cleanup to parent, preserving order, so
// they run when the parent unwinds. Used when a nested level succeeds.
func (t *Token) TransferTo(parent *Token) {
	t.mu.Lock()
	moved := t.cleanups
	t.cleanups = nil
	t.mu.Unlock()

	if len(moved) == 0 || parent == nil {
		return
	}
	parent.mu.Lock()
	parent.cleanups = append(parent.cleanups, moved...)
	parent.mu.Unlock()
}

// Discard drops every pending cleanup without running it.
func (t *Token) Discard() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.cleanups)
	t.cleanups = nil
	return n
}

func (t *Token) pop() Cleanup {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.cleanups)
	if n == 0 {
		return nil
	}
	fn := t.cleanups[n-1]
	t.cleanups[n-1] = nil
	t.cleanups = t.cleanups[:n-1]
	return fn
}

func runCleanup(fn Cleanup) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panicked: %v", r)
		}
	}()
	return fn()
}

// --- Context plumbing ---

type tokenKey struct{}

// WithToken attaches t to ctx.
func WithToken(ctx context.Context, t *Token) context.Context {
	return context.WithValue(ctx, tokenKey{}, t)
}

// FromContext returns the token carried by ctx, or nil.
func FromContext(ctx context.Context) *Token {
	t, _ := ctx.Value(tokenKey{}).(*Token)
	return t
}

// OnCleanup registers fn with the token carried by ctx. It reports false
// when ctx carries no token.
func OnCleanup(ctx context.Context, fn Cleanup) bool {
	t := FromContext(ctx)
	if t == nil {
		return false
	}
	t.OnCleanup(fn)
	return true
}

// JoinErrors flattens cleanup failures into one error, or nil.
func JoinErrors(errs []error) error {
	return errors.Join(errs...)
}

package cancel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken_CancelIsMonotonic(t *testing.T) {
	tok := NewToken(context.Background())
	assert.False(t, tok.Cancelled())
	assert.NoError(t, tok.Err())

	assert.True(t, tok.Cancel("user request"))
	assert.False(t, tok.Cancel("second"))

	assert.True(t, tok.Cancelled())
	assert.Equal(t, "user request", tok.Reason())

	select {
	case <-tok.Done():
	default:
		t.Fatal("Done should be closed after Cancel")
	}
	assert.Error(t, tok.Context().Err())
}

func TestToken_ErrDistinguishesPropagation(t *testing.T) {
	root := NewToken(context.Background())
	child := root.Child()

	root.Cancel("shutdown")

	assert.True(t, child.Cancelled())
	assert.Equal(t, "shutdown", child.Reason())

	fe, ok := schema.AsFlowError(child.Err())
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCancelled, fe.Code)
	assert.True(t, fe.Propagated)

	fe, ok = schema.AsFlowError(root.Err())
	require.True(t, ok)
	assert.False(t, fe.Propagated)
}

func TestToken_ChildCancelDoesNotReachParent(t *testing.T) {
	root := NewToken(context.Background())
	child := root.Child()

	child.Cancel("local")

	assert.True(t, child.Cancelled())
	assert.False(t, root.Cancelled())
	assert.NoError(t, root.Context().Err())
}

func TestToken_BaseContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tok := NewToken(ctx)
	child := tok.Child()

	cancel()

	assert.True(t, tok.Cancelled())
	assert.True(t, child.Cancelled())
	assert.Equal(t, context.Canceled.Error(), tok.Reason())

	fe, ok := schema.AsFlowError(tok.Err())
	require.True(t, ok)
	assert.True(t, fe.Propagated)
}

func TestToken_ReleaseDoesNotCancel(t *testing.T) {
	tok := NewToken(context.Background())
	tok.Release()
	assert.False(t, tok.Cancelled())
	assert.NoError(t, tok.Err())
}

func TestToken_CleanupsRunLIFOExactlyOnce(t *testing.T) {
	tok := NewToken(context.Background())

	var order []int
	for i := 1; i <= 3; i++ {
		tok.OnCleanup(func() error {
			order = append(order, i)
			return nil
		})
	}
	tok.OnCleanup(nil)
	assert.Equal(t, 3, tok.Pending())

	assert.Empty(t, tok.RunCleanups())
	assert.Empty(t, tok.RunCleanups())
	assert.Equal(t, []int{3, 2, 1}, order)
	assert.Zero(t, tok.Pending())
}

func TestToken_CleanupFailuresDoNotStopUnwind(t *testing.T) {
	tok := NewToken(context.Background())

	var ran []string
	tok.OnCleanup(func() error { ran = append(ran, "first"); return nil })
	tok.OnCleanup(func() error { panic("boom") })
	tok.OnCleanup(func() error { ran = append(ran, "third"); return errors.New("disk full") })

	errs := tok.RunCleanups()
	require.Len(t, errs, 2)
	assert.EqualError(t, errs[0], "disk full")
	assert.Contains(t, errs[1].Error(), "boom")
	assert.Equal(t, []string{"third", "first"}, ran)
	assert.Error(t, JoinErrors(errs))
	assert.NoError(t, JoinErrors(nil))
}

func TestToken_ConcurrentRunCleanupsRunsEachOnce(t *testing.T) {
	tok := NewToken(context.Background())
	var calls atomic.Int32
	for i := 0; i < 100; i++ {
		tok.OnCleanup(func() error { calls.Add(1); return nil })
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.RunCleanups()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(100), calls.Load())
}

func TestToken_TransferToPreservesOrder(t *testing.T) {
	root := NewToken(context.Background())
	child := root.Child()

	var order []string
	root.OnCleanup(func() error { order = append(order, "root"); return nil })
	child.OnCleanup(func() error { order = append(order, "child-1"); return nil })
	child.OnCleanup(func() error { order = append(order, "child-2"); return nil })

	child.TransferTo(root)
	assert.Zero(t, child.Pending())
	assert.Equal(t, 3, root.Pending())

	root.RunCleanups()
	assert.Equal(t, []string{"child-2", "child-1", "root"}, order)
}

func TestToken_Discard(t *testing.T) {
	tok := NewToken(context.Background())
	tok.OnCleanup(func() error { t.Fatal("discarded cleanup must not run"); return nil })
	assert.Equal(t, 1, tok.Discard())
	assert.Empty(t, tok.RunCleanups())
}

func TestContextPlumbing(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	assert.False(t, OnCleanup(context.Background(), func() error { return nil }))

	root := NewToken(context.Background())
	child := root.Child()
	assert.Same(t, root, FromContext(root.Context()))
	assert.Same(t, child, FromContext(child.Context()))
	assert.Same(t, root, child.Parent())

	assert.True(t, OnCleanup(child.Context(), func() error { return nil }))
	assert.Equal(t, 1, child.Pending())
	assert.Zero(t, root.Pending())
}

func TestToken_DoneUnblocksWaiters(t *testing.T) {
	tok := NewToken(context.Background())
	child := tok.Child()

	go func() {
		time.Sleep(10 * time.Millisecond)
		tok.Cancel("stop")
	}()

	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("child Done was not closed")
	}
}

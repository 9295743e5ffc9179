package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	fail      bool
	execCalls int
	released  int
}

func (f *fakeExecutor) Execute(ctx context.Context, conn interface{}, instanceID int64) error {
	f.execCalls++
	if f.fail {
		return errors.New("transient failure")
	}
	return nil
}

func (f *fakeExecutor) Release() {
	f.released++
}

// driveOneCycle mimics the Writer's per-tick drain: process items in
// order, stopping (and requeuing the remainder including the failing
// item) at the first item that is still within its retry budget.
func driveOneCycle(t *testing.T, q *Queue) {
	t.Helper()
	items := q.DrainForProcessing()
	for i, it := range items {
		err := it.Execute(context.Background(), nil, 1)
		if err == nil {
			it.Release()
			continue
		}
		if retry := q.FailurePolicy(it, err); retry {
			q.RequeueHead(items[i:])
			return
		}
		// dropped; continue with the remainder
	}
}

func TestQueue_PreservesOrderOnSuccess(t *testing.T) {
	q := New(nil)
	var order []int
	mk := func(n int) *Item {
		return NewItem(KindLogBatch, &recordingExecutor{n: n, order: &order})
	}
	q.Send(mk(1))
	q.Send(mk(2))
	q.Send(mk(3))

	driveOneCycle(t, q)

	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, 0, q.Len())
}

type recordingExecutor struct {
	n     int
	order *[]int
}

func (r *recordingExecutor) Execute(ctx context.Context, conn interface{}, instanceID int64) error {
	*r.order = append(*r.order, r.n)
	return nil
}
func (r *recordingExecutor) Release() {}

func TestQueue_RetryDropAfterBound(t *testing.T) {
	q := New(nil)
	failing := &fakeExecutor{fail: true}
	item := NewItem(KindMaintenance, failing)
	q.Send(item)

	for cycle := 0; cycle < MaxRetry; cycle++ {
		driveOneCycle(t, q)
	}

	assert.Equal(t, 0, q.Len(), "item must be dropped after exhausting the retry bound")
	assert.Equal(t, MaxRetry, failing.execCalls)
	assert.Equal(t, 1, failing.released, "Release must be called exactly once")
}

func TestQueue_RetryBeforeNextItemAttempted(t *testing.T) {
	q := New(nil)
	failing := &fakeExecutor{fail: true}
	var secondRan bool
	second := &fakeExecutor{}

	q.Send(NewItem(KindCheckpoint, failing))
	q.Send(NewItem(KindCheckpoint, recorderFunc(func() { secondRan = true; _ = second })))

	driveOneCycle(t, q)

	require.False(t, secondRan, "second item must not run while the first is still retryable")
	assert.Equal(t, 1, failing.execCalls)
	assert.Equal(t, 2, q.Len(), "both items remain queued: the failing one and the untouched one")
}

type recorderFunc func()

func (r recorderFunc) Execute(ctx context.Context, conn interface{}, instanceID int64) error {
	r()
	return nil
}
func (r recorderFunc) Release() {}

func TestQueue_HasKind(t *testing.T) {
	q := New(nil)
	assert.False(t, q.HasKind(KindSnapshot))
	q.Send(NewItem(KindSnapshot, &fakeExecutor{}))
	assert.True(t, q.HasKind(KindSnapshot))
	assert.False(t, q.HasKind(KindMaintenance))
}

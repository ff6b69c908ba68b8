package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type funcTask struct {
	BaseTask
	fn func(ctx context.Context, enqueuer TaskEnqueuer) error
}

func newFuncTask(name string, fn func(ctx context.Context, enqueuer TaskEnqueuer) error) *funcTask {
	return &funcTask{BaseTask: NewBaseTask(name), fn: fn}
}

func (t *funcTask) Execute(ctx context.Context, enqueuer TaskEnqueuer) error {
	return t.fn(ctx, enqueuer)
}

type transientError struct{ msg string }

func (e *transientError) Error() string     { return e.msg }
func (e *transientError) IsRetryable() bool { return true }

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestQueue_RunsAllTasks(t *testing.T) {
	q := New(zap.NewNop())

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		q.Enqueue(newFuncTask("inspect", func(ctx context.Context, _ TaskEnqueuer) error {
			count.Add(1)
			return nil
		}))
	}

	require.NoError(t, q.Wait(context.Background()))
	assert.Equal(t, int32(5), count.Load())
	assert.True(t, q.IsComplete())
	assert.False(t, q.HasFailures())
}

func TestQueue_ThrottledStrategyBoundsConcurrency(t *testing.T) {
	q := New(zap.NewNop(), WithStrategy(NewThrottledStrategy(2)))

	var running, peak atomic.Int32
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		q.Enqueue(newFuncTask("inspect", func(ctx context.Context, _ TaskEnqueuer) error {
			n := running.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}

	require.NoError(t, q.Wait(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestQueue_PermanentErrorFailsWithoutRetry(t *testing.T) {
	q := New(zap.NewNop(), WithRetryConfig(fastRetryConfig()))

	var attempts atomic.Int32
	permanent := errors.New("syntax error in query")
	q.Enqueue(newFuncTask("inspect", func(ctx context.Context, _ TaskEnqueuer) error {
		attempts.Add(1)
		return permanent
	}))

	err := q.Wait(context.Background())
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, int32(1), attempts.Load())
	assert.True(t, q.HasFailures())
	assert.Equal(t, 1, q.FailedCount())
}

func TestQueue_TransientErrorRetriedToSuccess(t *testing.T) {
	q := New(zap.NewNop(), WithRetryConfig(fastRetryConfig()))

	var attempts atomic.Int32
	q.Enqueue(newFuncTask("inspect", func(ctx context.Context, _ TaskEnqueuer) error {
		if attempts.Add(1) < 3 {
			return &transientError{msg: "connection reset by peer"}
		}
		return nil
	}))

	require.NoError(t, q.Wait(context.Background()))
	assert.Equal(t, int32(3), attempts.Load())
	assert.False(t, q.HasFailures())
}

func TestQueue_TransientErrorExhaustsRetries(t *testing.T) {
	q := New(zap.NewNop(), WithRetryConfig(RetryConfig{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		BackoffFactor:  2.0,
	}))

	var attempts atomic.Int32
	q.Enqueue(newFuncTask("inspect", func(ctx context.Context, _ TaskEnqueuer) error {
		attempts.Add(1)
		return &transientError{msg: "i/o timeout"}
	}))

	err := q.Wait(context.Background())
	require.Error(t, err)
	// Initial attempt plus one retry.
	assert.Equal(t, int32(2), attempts.Load())

	snapshots := q.GetTasks()
	require.Len(t, snapshots, 1)
	assert.Equal(t, TaskStatusFailed, snapshots[0].Status)
	assert.Equal(t, 2, snapshots[0].Retries)
}

func TestQueue_TaskTimeoutIsRetried(t *testing.T) {
	q := New(zap.NewNop(),
		WithRetryConfig(fastRetryConfig()),
		WithTaskTimeout(10*time.Millisecond),
	)

	var attempts atomic.Int32
	q.Enqueue(newFuncTask("inspect", func(ctx context.Context, _ TaskEnqueuer) error {
		if attempts.Add(1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}))

	require.NoError(t, q.Wait(context.Background()))
	assert.Equal(t, int32(2), attempts.Load())
	assert.False(t, q.HasFailures())
}

func TestQueue_TaskTimeoutExhaustsRetries(t *testing.T) {
	q := New(zap.NewNop(),
		WithRetryConfig(RetryConfig{
			MaxRetries:     1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			BackoffFactor:  2.0,
		}),
		WithTaskTimeout(10*time.Millisecond),
	)

	var attempts atomic.Int32
	q.Enqueue(newFuncTask("inspect", func(ctx context.Context, _ TaskEnqueuer) error {
		attempts.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}))

	err := q.Wait(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(2), attempts.Load())

	snapshots := q.GetTasks()
	require.Len(t, snapshots, 1)
	assert.Equal(t, TaskStatusFailed, snapshots[0].Status)
}

func TestQueue_TasksCanEnqueueFollowups(t *testing.T) {
	q := New(zap.NewNop())

	var followupRan atomic.Bool
	q.Enqueue(newFuncTask("parent", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		enqueuer.Enqueue(newFuncTask("child", func(ctx context.Context, _ TaskEnqueuer) error {
			followupRan.Store(true)
			return nil
		}))
		return nil
	}))

	require.NoError(t, q.Wait(context.Background()))
	assert.True(t, followupRan.Load())
	assert.Equal(t, 2, q.TaskCount())
}

func TestQueue_CancelStopsPendingTasks(t *testing.T) {
	q := New(zap.NewNop()) // serialized: one at a time

	started := make(chan struct{})
	release := make(chan struct{})
	var secondRan atomic.Bool

	q.Enqueue(newFuncTask("blocker", func(ctx context.Context, _ TaskEnqueuer) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	q.Enqueue(newFuncTask("pending", func(ctx context.Context, _ TaskEnqueuer) error {
		secondRan.Store(true)
		return nil
	}))

	<-started
	q.Cancel()
	close(release)

	// Wait for queue to settle.
	deadline := time.After(time.Second)
	for !q.IsComplete() {
		select {
		case <-deadline:
			t.Fatal("queue did not settle after cancel")
		case <-time.After(time.Millisecond):
		}
	}

	assert.False(t, secondRan.Load())
	// Both the interrupted runner and the never-started task end cancelled.
	progress := q.Progress()
	assert.Equal(t, 2, progress.Cancelled)
}

func TestQueue_WaitContextCancellation(t *testing.T) {
	q := New(zap.NewNop())

	q.Enqueue(newFuncTask("slow", func(ctx context.Context, _ TaskEnqueuer) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := q.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_ProgressPercentage(t *testing.T) {
	assert.Equal(t, 100, Progress{}.Percentage())
	assert.Equal(t, 50, Progress{Total: 4, Completed: 1, Failed: 1, Running: 2}.Percentage())
}

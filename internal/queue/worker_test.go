package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/internal/cache"
)

func newWorkerQueue(t *testing.T) *Queue {
	t.Helper()

	c := cache.NewMemory(cache.Config{Name: "worker-test", Type: "memory"})
	require.NoError(t, c.Connect())
	t.Cleanup(func() { _ = c.Close() })

	config := DefaultConfig()
	config.PollInterval = 10 * time.Millisecond
	config.PromoteInterval = 10 * time.Millisecond
	config.StalledInterval = 50 * time.Millisecond
	return New(c, config)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWorkerProcessesJobs(t *testing.T) {
	q := newWorkerQueue(t)
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string]bool)
	handler := func(_ context.Context, job *Job) error {
		mu.Lock()
		seen[job.Payload.To] = true
		mu.Unlock()
		return nil
	}

	w := NewWorker(q, handler, nil)
	w.Start()
	defer w.Stop()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, testPayload(fmt.Sprintf("w%d@example.com", i)), Immediate, EnqueueOptions{})
		require.NoError(t, err)
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	})

	waitFor(t, 5*time.Second, func() bool {
		stats, err := q.Stats(ctx, Immediate)
		return err == nil && stats.Completed == 5 && stats.Active == 0
	})
}

type permanentErr struct{ msg string }

func (e *permanentErr) Error() string   { return e.msg }
func (e *permanentErr) Retryable() bool { return false }

func TestWorkerRespectsErrorClassification(t *testing.T) {
	q := newWorkerQueue(t)
	ctx := context.Background()

	handler := func(_ context.Context, _ *Job) error {
		return &permanentErr{msg: "550 mailbox does not exist"}
	}

	w := NewWorker(q, handler, nil)
	w.Start()
	defer w.Stop()

	_, err := q.Enqueue(ctx, testPayload("dead@example.com"), Immediate, EnqueueOptions{})
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		stats, err := q.Stats(ctx, Immediate)
		return err == nil && stats.Failed == 1
	})

	stats, err := q.Stats(ctx, Immediate)
	require.NoError(t, err)
	assert.Zero(t, stats.Delayed, "permanent failures must not be retried")
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	q := newWorkerQueue(t)
	ctx := context.Background()

	handler := func(_ context.Context, _ *Job) error {
		return fmt.Errorf("dial tcp: connection refused")
	}

	w := NewWorker(q, handler, nil)
	w.Start()
	defer w.Stop()

	_, err := q.Enqueue(ctx, testPayload("flaky@example.com"), Immediate, EnqueueOptions{})
	require.NoError(t, err)

	// unclassified errors are retryable, so the job lands in delayed
	waitFor(t, 5*time.Second, func() bool {
		stats, err := q.Stats(ctx, Immediate)
		return err == nil && stats.Delayed == 1
	})
}

func TestWorkerLaneConcurrencyDefaults(t *testing.T) {
	q := newWorkerQueue(t)

	w := NewWorker(q, func(context.Context, *Job) error { return nil }, map[Lane]int{Bulk: 2})
	assert.Equal(t, 5, w.concurrency[Immediate])
	assert.Equal(t, 3, w.concurrency[Scheduled])
	assert.Equal(t, 2, w.concurrency[Bulk])
}

func TestWorkerStopWaitsForInflightJobs(t *testing.T) {
	q := newWorkerQueue(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	var mu sync.Mutex

	handler := func(_ context.Context, _ *Job) error {
		close(started)
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
		return nil
	}

	w := NewWorker(q, handler, nil)
	w.Start()

	_, err := q.Enqueue(ctx, testPayload("slow@example.com"), Immediate, EnqueueOptions{})
	require.NoError(t, err)

	<-started
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, finished, "stop returned before the in-flight job finished")
}

func TestStopLetsInflightJobFinishNaturally(t *testing.T) {
	q := newWorkerQueue(t)
	ctx := context.Background()

	started := make(chan struct{})
	stopping := make(chan struct{})
	var ctxErr error

	var w *Worker
	handler := func(jobCtx context.Context, _ *Job) error {
		close(started)
		// hold the job open until shutdown has begun, then make sure the
		// job context was not cancelled by it
		<-stopping
		time.Sleep(50 * time.Millisecond)
		ctxErr = jobCtx.Err()
		return nil
	}
	w = NewWorker(q, handler, nil)
	w.Start()

	_, err := q.Enqueue(ctx, testPayload("inflight@example.com"), Immediate, EnqueueOptions{})
	require.NoError(t, err)

	<-started
	stopped := make(chan struct{})
	go func() {
		close(stopping)
		w.Stop()
		close(stopped)
	}()
	<-stopped

	assert.NoError(t, ctxErr, "shutdown must not cancel a running job")

	stats, err := q.Stats(ctx, Immediate)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Zero(t, stats.Delayed, "the in-flight attempt must not be parked for retry")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil classification defaults to retry", errors.New("boom"), true},
		{"explicit permanent", &permanentErr{msg: "550"}, false},
		{"wrapped permanent", fmt.Errorf("send: %w", &permanentErr{msg: "550"}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

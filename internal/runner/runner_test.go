package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-mail/internal/lock"
	"github.com/gotrs-io/gotrs-mail/internal/metrics"
)

type stubTask struct {
	name     string
	schedule string
	timeout  time.Duration
	runs     atomic.Int32
	run      func(ctx context.Context) error
}

func (s *stubTask) Name() string           { return s.name }
func (s *stubTask) Schedule() string       { return s.schedule }
func (s *stubTask) Timeout() time.Duration { return s.timeout }

func (s *stubTask) Run(ctx context.Context) error {
	s.runs.Add(1)
	if s.run != nil {
		return s.run(ctx)
	}
	return nil
}

func newTestRunner(tasks ...Task) *Runner {
	reg := NewTaskRegistry()
	for _, task := range tasks {
		reg.Register(task)
	}
	return NewRunner(reg, lock.NewLocal(), zap.NewNop())
}

func TestRunOnce(t *testing.T) {
	metrics.TaskRuns.Reset()
	defer metrics.TaskRuns.Reset()

	ok := &stubTask{name: "ok", timeout: time.Second}
	failing := &stubTask{name: "failing", timeout: time.Second, run: func(context.Context) error {
		return errors.New("boom")
	}}
	r := newTestRunner(ok, failing)
	ctx := context.Background()

	require.NoError(t, r.RunOnce(ctx, "ok"))
	assert.EqualError(t, r.RunOnce(ctx, "failing"), "boom")
	assert.Error(t, r.RunOnce(ctx, "missing"))

	assert.EqualValues(t, 1, ok.runs.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TaskRuns.WithLabelValues("ok", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TaskRuns.WithLabelValues("failing", "failure")))
}

func TestRunOnceAppliesTimeout(t *testing.T) {
	slow := &stubTask{name: "slow", timeout: 20 * time.Millisecond, run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	r := newTestRunner(slow)

	err := r.RunOnce(context.Background(), "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunOnceSkipsWhileLocked(t *testing.T) {
	metrics.TaskRuns.Reset()
	defer metrics.TaskRuns.Reset()

	reg := NewTaskRegistry()
	task := &stubTask{name: "transfer", timeout: time.Second}
	reg.Register(task)
	locker := lock.NewLocal()
	r := NewRunner(reg, locker, nil)

	ran, err := locker.TryRun(context.Background(), "transfer", time.Second, func(ctx context.Context) error {
		return r.RunOnce(ctx, "transfer")
	})
	require.True(t, ran)
	require.NoError(t, err)

	assert.Zero(t, task.runs.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TaskRuns.WithLabelValues("transfer", "skipped")))
}

func TestStartRunsScheduledTasks(t *testing.T) {
	task := &stubTask{name: "tick", schedule: "* * * * * *", timeout: time.Second}
	r := newTestRunner(task)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	require.Eventually(t, func() bool { return task.runs.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	r := newTestRunner(&stubTask{name: "broken", schedule: "every minute", timeout: time.Second})

	err := r.Start(context.Background())
	assert.ErrorContains(t, err, "failed to schedule task broken")
}

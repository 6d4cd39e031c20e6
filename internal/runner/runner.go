// Package runner schedules the periodic mail jobs. Runs of one task never
// overlap: cron skips a tick while the previous run is still going, and the
// named lock keeps other runner processes from starting the same task.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-mail/internal/lock"
	"github.com/gotrs-io/gotrs-mail/internal/metrics"
)

// Runner manages and executes scheduled background tasks
type Runner struct {
	cron     *cron.Cron
	registry *TaskRegistry
	locker   lock.Locker
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewRunner creates a new task runner
func NewRunner(registry *TaskRegistry, locker lock.Locker, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	logger = logger.Named("runner")
	cl := cronLogger{logger.Sugar()}

	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		registry: registry,
		locker:   locker,
		logger:   logger,
	}
}

// Start schedules every registered task and blocks until ctx is cancelled or
// the process receives SIGINT or SIGTERM
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("starting task runner")

	for _, name := range r.registry.Names() {
		task, _ := r.registry.Get(name)
		r.logger.Info("registering task", zap.String("task", name), zap.String("schedule", task.Schedule()))

		_, err := r.cron.AddFunc(task.Schedule(), func() {
			_ = r.executeTask(ctx, task)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule task %s: %w", name, err)
		}
	}

	r.cron.Start()
	r.logger.Info("task runner started")

	return r.waitForShutdown(ctx)
}

// RunOnce executes one registered task immediately
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	task, ok := r.registry.Get(name)
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	return r.executeTask(ctx, task)
}

// executeTask runs a single task with timeout, lock and error handling
func (r *Runner) executeTask(ctx context.Context, task Task) error {
	r.wg.Add(1)
	defer r.wg.Done()

	taskCtx, cancel := context.WithTimeout(ctx, task.Timeout())
	defer cancel()

	log := r.logger.With(zap.String("task", task.Name()))
	log.Debug("executing task")

	start := time.Now()
	ran, err := r.locker.TryRun(taskCtx, task.Name(), task.Timeout(), task.Run)
	duration := time.Since(start)

	switch {
	case err != nil:
		metrics.ObserveTask(task.Name(), "failure", duration)
		log.Error("task failed", zap.Duration("duration", duration), zap.Error(err))
	case !ran:
		metrics.ObserveTask(task.Name(), "skipped", duration)
		log.Info("task skipped, another run holds the lock")
	default:
		metrics.ObserveTask(task.Name(), "success", duration)
		log.Info("task completed", zap.Duration("duration", duration))
	}
	return err
}

// Stop gracefully shuts down the runner
func (r *Runner) Stop() {
	r.logger.Info("stopping task runner")

	// Stop accepting new tasks
	ctx := r.cron.Stop()

	// Wait for running tasks to complete
	r.wg.Wait()
	<-ctx.Done()

	r.logger.Info("task runner stopped")
}

// waitForShutdown waits for termination signals
func (r *Runner) waitForShutdown(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		r.logger.Info("received signal", zap.String("signal", sig.String()))
		r.Stop()
		return nil
	case <-ctx.Done():
		r.logger.Info("context cancelled")
		r.Stop()
		return nil
	}
}

// cronLogger adapts zap to the cron logger
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

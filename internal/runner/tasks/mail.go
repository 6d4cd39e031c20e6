// Package tasks holds the periodic jobs of the mail pipeline
package tasks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-mail/internal/config"
	"github.com/gotrs-io/gotrs-mail/internal/runner"
)

// Task names, also used as lock names and metric labels
const (
	TransferTaskName  = "transfer-pending"
	ReconcileTaskName = "reconcile-delivery"
	RetentionTaskName = "purge-newsletters"
)

const (
	defaultTransferSchedule  = "0 * * * * *"
	defaultReconcileSchedule = "30 */5 * * * *"
	defaultRetentionSchedule = "0 0 3 * * *"
)

// Transferer hands pending mail to the delivery service
type Transferer interface {
	SweepPending(ctx context.Context) error
}

// Reconciler pulls delivery outcomes of transferred mail
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Purger deletes expired newsletters
type Purger interface {
	PurgeNewsletters(ctx context.Context) (int64, error)
}

// TransferTask sweeps pending mail to the delivery service
type TransferTask struct {
	svc    Transferer
	cfg    config.TransferConfig
	logger *zap.Logger
}

// NewTransferTask creates the transfer sweep task
func NewTransferTask(svc Transferer, cfg config.TransferConfig, logger *zap.Logger) runner.Task {
	return &TransferTask{svc: svc, cfg: cfg, logger: named(logger, "transfer")}
}

func (t *TransferTask) Name() string { return TransferTaskName }

func (t *TransferTask) Schedule() string { return orDefault(t.cfg.Schedule, defaultTransferSchedule) }

func (t *TransferTask) Timeout() time.Duration { return timeoutOr(t.cfg.Timeout, 30*time.Minute) }

// Run transfers pending mail until none is left or the run gives up
func (t *TransferTask) Run(ctx context.Context) error {
	if err := t.svc.SweepPending(ctx); err != nil {
		return fmt.Errorf("transfer sweep: %w", err)
	}
	return nil
}

// ReconcileTask fetches delivery outcomes
type ReconcileTask struct {
	svc    Reconciler
	cfg    config.ReconcileConfig
	logger *zap.Logger
}

// NewReconcileTask creates the delivery reconciliation task
func NewReconcileTask(svc Reconciler, cfg config.ReconcileConfig, logger *zap.Logger) runner.Task {
	return &ReconcileTask{svc: svc, cfg: cfg, logger: named(logger, "reconcile")}
}

func (t *ReconcileTask) Name() string { return ReconcileTaskName }

func (t *ReconcileTask) Schedule() string { return orDefault(t.cfg.Schedule, defaultReconcileSchedule) }

func (t *ReconcileTask) Timeout() time.Duration { return timeoutOr(t.cfg.Timeout, 30*time.Minute) }

// Run reconciles every transferred mail still awaiting a final outcome
func (t *ReconcileTask) Run(ctx context.Context) error {
	if err := t.svc.Reconcile(ctx); err != nil {
		return fmt.Errorf("delivery reconciliation: %w", err)
	}
	return nil
}

// RetentionTask purges newsletters past their domain's retention
type RetentionTask struct {
	svc    Purger
	cfg    config.RetentionConfig
	logger *zap.Logger
}

// NewRetentionTask creates the newsletter retention task
func NewRetentionTask(svc Purger, cfg config.RetentionConfig, logger *zap.Logger) runner.Task {
	return &RetentionTask{svc: svc, cfg: cfg, logger: named(logger, "retention")}
}

func (t *RetentionTask) Name() string { return RetentionTaskName }

func (t *RetentionTask) Schedule() string { return orDefault(t.cfg.Schedule, defaultRetentionSchedule) }

func (t *RetentionTask) Timeout() time.Duration { return timeoutOr(t.cfg.Timeout, time.Hour) }

// Run deletes expired newsletters
func (t *RetentionTask) Run(ctx context.Context) error {
	n, err := t.svc.PurgeNewsletters(ctx)
	if err != nil {
		return fmt.Errorf("newsletter purge: %w", err)
	}
	if n > 0 {
		t.logger.Info("purged newsletters", zap.Int64("deleted", n))
	}
	return nil
}

// MailService is everything the mail tasks need
type MailService interface {
	Transferer
	Reconciler
	Purger
}

// RegisterMailTasks registers the transfer, reconcile and retention tasks
func RegisterMailTasks(reg *runner.TaskRegistry, svc MailService, cfg *config.Config, logger *zap.Logger) {
	reg.Register(NewTransferTask(svc, cfg.Transfer, logger))
	reg.Register(NewReconcileTask(svc, cfg.Reconcile, logger))
	reg.Register(NewRetentionTask(svc, cfg.Retention, logger))
}

func named(logger *zap.Logger, name string) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.Named(name)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func timeoutOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

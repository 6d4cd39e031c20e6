package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-mail/internal/runner"
	"github.com/gotrs-io/gotrs-mail/internal/runner/tasks"
)

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Run the periodic transfer, reconcile and retention tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(cmd.Context(), func(ctx context.Context, r *runner.Runner) error {
			return r.Start(ctx)
		})
	},
}

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Transfer pending mail once",
	RunE:  runTaskOnce(tasks.TransferTaskName),
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Fetch delivery statuses of transferred mail once",
	RunE:  runTaskOnce(tasks.ReconcileTaskName),
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete newsletters past their domain's retention once",
	RunE:  runTaskOnce(tasks.RetentionTaskName),
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Database schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runnerCmd, transferCmd, reconcileCmd, cleanupCmd, migrateCmd)
}

func runTaskOnce(name string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withRunner(cmd.Context(), func(ctx context.Context, r *runner.Runner) error {
			return r.RunOnce(ctx, name)
		})
	}
}

func withRunner(ctx context.Context, fn func(ctx context.Context, r *runner.Runner) error) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	registry := runner.NewTaskRegistry()
	tasks.RegisterMailTasks(registry, a.mailService(nil), a.cfg, a.logger)

	r := runner.NewRunner(registry, a.locker(), a.logger)
	if err := fn(ctx, r); err != nil {
		a.logger.Error("task failed", zap.Error(err))
		return err
	}
	return nil
}

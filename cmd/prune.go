package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func newPruneCmd(a *app) *cobra.Command {
	var schedule string

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete backups older than the retention window",
		Long: `Runs the retention sweep once. With --schedule it keeps running and sweeps
on the given cron schedule (standard 5-field syntax or descriptors such as
@daily) until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if schedule == "" {
				return a.prune(cmd)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.pruneOnSchedule(ctx, cmd, schedule)
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", `cron schedule, e.g. "0 3 * * *" or "@daily"`)
	return cmd
}

func (a *app) prune(cmd *cobra.Command) error {
	unlock, err := a.lock()
	if err != nil {
		return err
	}
	defer unlock()

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	removed, err := orch.Prune()
	for _, p := range removed {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	if err != nil {
		return fmt.Errorf("retention sweep: %w", err)
	}
	log.Info("removed %d backup(s) older than %s", len(removed), a.cfg.Retention)
	return nil
}

func (a *app) pruneOnSchedule(ctx context.Context, cmd *cobra.Command, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if err := a.prune(cmd); err != nil {
			log.Error("scheduled prune failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	log.Info("pruning backups of %s on schedule %q", a.cfg.DeployPath, schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Info("scheduler stopped")
	return nil
}

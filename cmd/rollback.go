package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRollbackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Restore the newest backup and restart the previous release",
		Long: `Stops the managed process, replaces the deployment directory with the
newest backup, reinstalls its production dependencies and starts the process
again under the same name. The backup is consumed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			unlock, err := a.lock()
			if err != nil {
				return err
			}
			defer unlock()

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			if err := orch.RollbackLatest(ctx); err != nil {
				return err
			}
			successColor.Fprintf(cmd.ErrOrStderr(), "%s rolled back\n", a.cfg.Name)
			return nil
		},
	}
}
